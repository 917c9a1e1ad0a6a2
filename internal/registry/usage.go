package registry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/infra"
	"github.com/pixelkiln/server/internal/infra/geoip"
	"github.com/pixelkiln/server/internal/sqlinline"
)

// SQLUsageRecorder appends usage events to Postgres. Failures are logged and
// swallowed: analytics never blocks or fails a lifecycle transition.
type SQLUsageRecorder struct {
	runner   infra.SQLExecutor
	resolver geoip.CountryResolver
	logger   zerolog.Logger
}

func NewSQLUsageRecorder(runner infra.SQLExecutor, resolver geoip.CountryResolver, logger zerolog.Logger) *SQLUsageRecorder {
	return &SQLUsageRecorder{runner: runner, resolver: resolver, logger: logger}
}

func (r *SQLUsageRecorder) Record(ctx context.Context, userID, jobID, eventType string, success bool) {
	country := ""
	if r.resolver != nil {
		if ip, ok := infra.ClientIPFromContext(ctx); ok {
			if code, err := r.resolver.CountryCode(ip); err == nil {
				country = code
			}
		}
	}
	if _, err := r.runner.Exec(ctx, sqlinline.QInsertUsageEvent, userID, jobID, eventType, success, country); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("usage: record event failed")
	}
}

var _ UsageRecorder = (*SQLUsageRecorder)(nil)
