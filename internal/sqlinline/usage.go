package sqlinline

const QInsertUsageEvent = `--sql 5a0e9c47-1f3b-4d82-a6c5-8e2d4b7f9a10
insert into usage_events(id, user_id, job_id, event_type, success, country, created_at)
values (gen_random_uuid(), $1::uuid, $2::uuid, $3::text, $4::boolean, nullif($5::text, ''), now());
`
