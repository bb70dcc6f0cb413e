package invalidation

import (
	"context"
	"time"

	"encore.dev/cron"
	"encore.dev/rlog"
)

// auditRetention is how long audit rows are kept.
const auditRetention = 30 * 24 * time.Hour

// CleanupAudit drops audit rows past retention.
var _ = cron.NewJob("audit-cleanup", cron.JobConfig{
	Title:    "Invalidation Audit Cleanup",
	Schedule: "30 3 * * *", // 3:30 AM daily
	Endpoint: CleanupAudit,
})

//encore:api private
func CleanupAudit(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	return svc.CleanupAudit(ctx)
}

func (s *Service) CleanupAudit(ctx context.Context) error {
	removed, err := s.auditLogger.Cleanup(ctx, auditRetention)
	if err != nil {
		s.metrics.Errors.Add(1)
		return err
	}
	rlog.Info("invalidation audit cleaned up", "removed", removed)
	return nil
}
