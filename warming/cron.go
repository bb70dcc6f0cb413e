package warming

import (
	"context"
	"time"

	"encore.dev/cron"
	"encore.dev/rlog"
)

// Encore cron jobs for pre-defined warming schedules

// MorningBriefingWarmup warms the predicted lines before the first screens open.
var _ = cron.NewJob("morning-briefing-warmup", cron.JobConfig{
	Title:    "Morning Briefing Warmup",
	Schedule: "30 5 * * *", // 5:30 AM daily
	Endpoint: MorningBriefingWarmup,
})

//encore:api private
func MorningBriefingWarmup(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	return svc.scheduledWarmup(ctx, "priority", 0)
}

// HourlyRefresh rewarms the hottest lines every hour.
var _ = cron.NewJob("hourly-refresh", cron.JobConfig{
	Title:    "Hourly Hot Line Refresh",
	Schedule: "0 * * * *",
	Endpoint: HourlyRefresh,
})

//encore:api private
func HourlyRefresh(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	return svc.scheduledWarmup(ctx, "selective", 50)
}

// PredictorCleanup forgets lines nobody has read for a week.
var _ = cron.NewJob("predictor-cleanup", cron.JobConfig{
	Title:    "Warming Predictor Cleanup",
	Schedule: "15 4 * * *",
	Endpoint: PredictorCleanup,
})

const predictorRetention = 7 * 24 * time.Hour

//encore:api private
func PredictorCleanup(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	removed := svc.predictor.Cleanup(predictorRetention)
	rlog.Info("predictor cleanup", "removed", removed)
	return nil
}

// scheduledWarmup runs a predictive warmup. A paused service skips the run
// instead of failing the job.
func (s *Service) scheduledWarmup(ctx context.Context, strategy string, limit int) error {
	if s.paused() {
		rlog.Info("scheduled warmup skipped, warming paused", "strategy", strategy)
		return nil
	}
	resp, err := s.TriggerPredictive(ctx, &TriggerRequest{Strategy: strategy, Limit: limit})
	if err != nil {
		rlog.Error("scheduled warmup failed", "strategy", strategy, "err", err)
		return err
	}
	rlog.Info("scheduled warmup queued", "strategy", strategy, "job_id", resp.JobID, "queued", resp.Queued)
	return nil
}
