package cachemanager

import (
	"context"

	"encore.dev/cron"
	"encore.dev/rlog"
)

// FlushStats persists subject stats changed since the previous run.
var _ = cron.NewJob("flush-sync-stats", cron.JobConfig{
	Title:    "Flush Sync Stats",
	Schedule: "*/5 * * * *", // Every 5 minutes
	Endpoint: FlushStats,
})

//encore:api private
func FlushStats(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	return svc.FlushStats(ctx)
}

func (s *Service) FlushStats(ctx context.Context) error {
	n, err := s.engine.FlushStats(ctx)
	if err != nil {
		s.metrics.StatsFlushFailures.Add(1)
		rlog.Error("flushing sync stats failed", "flushed", n, "err", err)
		// failed subjects stay dirty and are retried on the next run
		return toAPIError(err)
	}
	s.metrics.StatsFlushes.Add(1)
	if n > 0 {
		rlog.Debug("flushed sync stats", "subjects", n)
	}
	return nil
}
