package warming

import (
	"context"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	cachemanager "assistantsync.app/cache-manager"
	"assistantsync.app/pkg/models"
	events "assistantsync.app/pkg/pubsub"
)

// Every refresh outcome is an access signal for the predictor.
var _ = pubsub.NewSubscription(
	cachemanager.RefreshCompletedTopic,
	"warming-access-log",
	pubsub.SubscriptionConfig[*events.RefreshCompletedEvent]{
		Handler: HandleRefreshCompleted,
	},
)

// HandleRefreshCompleted records the refreshed line as accessed once per waiter.
func HandleRefreshCompleted(ctx context.Context, event *events.RefreshCompletedEvent) error {
	if svc == nil {
		return nil
	}
	svc.recordRefresh(event)
	return nil
}

func (s *Service) recordRefresh(event *events.RefreshCompletedEvent) {
	if err := event.Validate(); err != nil {
		rlog.Warn("dropping invalid refresh event", "ticket", event.TicketID, "err", err)
		return
	}
	key, err := models.ParseCacheKey(event.Key)
	if err != nil {
		rlog.Warn("dropping refresh event with bad key", "key", event.Key, "err", err)
		return
	}
	s.predictor.RecordAccess(key, event.Waiters)
	s.metrics.Accesses.Add(1)
}
