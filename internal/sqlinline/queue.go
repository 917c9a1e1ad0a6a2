package sqlinline

// QClaimJob flips the oldest pending job of a type to processing and returns
// it. SKIP LOCKED keeps competing workers from double-claiming.
const QClaimJob = `--sql 7e1c2b90-55a4-4c43-9f0e-2bb6d1a4c7f3
with next_job as (
    select id
    from jobs
    where status = 'pending' and type = $1
    order by created_at asc
    for update skip locked
    limit 1
),
claimed as (
    update jobs
    set status = 'processing', updated_at = now()
    where id in (select id from next_job)
    returning id, user_id, type, status, payload, credits_reserved, failure_reason,
              permanent, retry_count, max_retries, result_ref, idempotency_key, refunded,
              created_at, updated_at
)
select * from claimed;
`

// QMarkPending makes a job visible to workers. Safe to repeat: only pending
// and failed rows are touched, so re-enqueueing an id never duplicates work.
const QMarkPending = `--sql c4f8a1d2-3e6b-4a07-8c91-0d5e7f2ab864
update jobs
set status = 'pending', updated_at = now()
where id = $1 and status in ('pending', 'failed');
`

// QRequeueStuck returns processing rows whose lease expired to pending,
// covering workers that died mid-job.
const QRequeueStuck = `--sql 9b3d6e15-8a2c-47f1-b5d0-4c7e91a3f628
update jobs
set status = 'pending', updated_at = now()
where status = 'processing' and type = $1
  and updated_at < now() - ($2::int * interval '1 second');
`
