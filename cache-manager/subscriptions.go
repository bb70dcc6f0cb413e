package cachemanager

import (
	"context"
	"errors"
	"time"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	"assistantsync.app/pkg/coordinator"
	"assistantsync.app/pkg/models"
	events "assistantsync.app/pkg/pubsub"
	"assistantsync.app/pkg/synerr"
)

// Pub/Sub topic definitions for cache coordination.

// InvalidateTopic carries invalidations from any instance or service.
var InvalidateTopic = pubsub.NewTopic[*events.InvalidationEvent](
	"cache-invalidate",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// RefreshCompletedTopic carries the outcome of every refresh ticket.
var RefreshCompletedTopic = pubsub.NewTopic[*events.RefreshCompletedEvent](
	"refresh-completed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// eventPublisher is how the service emits events; tests swap in a recorder.
type eventPublisher interface {
	PublishInvalidation(ctx context.Context, e *events.InvalidationEvent) error
	PublishRefreshCompleted(ctx context.Context, e *events.RefreshCompletedEvent) error
}

// topicPublisher publishes to the Encore topics.
type topicPublisher struct{}

func (topicPublisher) PublishInvalidation(ctx context.Context, e *events.InvalidationEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := InvalidateTopic.Publish(ctx, e)
	return err
}

func (topicPublisher) PublishRefreshCompleted(ctx context.Context, e *events.RefreshCompletedEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := RefreshCompletedTopic.Publish(ctx, e)
	return err
}

// Subscribe to invalidations so every instance drops its backoff state and
// any lines it keeps outside the shared store.
var _ = pubsub.NewSubscription(
	InvalidateTopic,
	"cache-manager-invalidate",
	pubsub.SubscriptionConfig[*events.InvalidationEvent]{
		Handler: HandleInvalidateEvent,
	},
)

// HandleInvalidateEvent applies an invalidation published elsewhere. The
// service is built on demand: with a shared store the rows must go even if
// this instance has not served a request yet.
func HandleInvalidateEvent(ctx context.Context, event *events.InvalidationEvent) error {
	s, err := getService()
	if err != nil {
		return err
	}
	return s.applyInvalidation(ctx, event)
}

func (s *Service) applyInvalidation(ctx context.Context, event *events.InvalidationEvent) error {
	if event.Meta["instance"] == s.instanceID {
		return nil
	}
	if err := event.Validate(); err != nil {
		// redelivery cannot fix a malformed event
		rlog.Warn("dropping invalid invalidation event", "request_id", event.RequestID, "err", err)
		return nil
	}
	keys, err := event.CacheKeys()
	if err != nil {
		rlog.Warn("dropping invalid invalidation event", "request_id", event.RequestID, "err", err)
		return nil
	}

	s.metrics.RemoteInvalidations.Add(1)
	for _, k := range keys {
		if _, err := s.engine.Invalidate(ctx, k); err != nil {
			return retryable(err)
		}
	}
	if event.Subject != "" {
		if _, err := s.engine.InvalidateSubject(ctx, event.Subject); err != nil {
			return retryable(err)
		}
	}
	if event.Pattern != "" {
		if _, err := s.engine.InvalidatePattern(ctx, event.Pattern); err != nil {
			return retryable(err)
		}
	}
	return nil
}

// retryable returns err only when another delivery could succeed.
func retryable(err error) error {
	if synerr.IsStorage(err) {
		return err
	}
	rlog.Warn("invalidation event not applicable", "err", err)
	return nil
}

// publishRefresh is the engine refresh hook. It runs on the ticket goroutine.
func (s *Service) publishRefresh(r coordinator.RefreshReport) {
	if errors.Is(r.Err, synerr.ErrClosed) {
		return
	}
	event := &events.RefreshCompletedEvent{
		Version:      events.EventVersion1,
		Key:          r.Key.String(),
		Subject:      r.Key.Subject,
		Resource:     string(r.Key.Resource),
		TicketID:     r.TicketID,
		Status:       string(r.Status),
		UpdateType:   string(r.UpdateType),
		EntryVersion: r.Version,
		ItemCount:    r.ItemCount,
		Waiters:      r.Waiters,
		DurationMs:   float64(r.Duration) / float64(time.Millisecond),
		CompletedAt:  r.StartedAt.Add(r.Duration),
	}
	if r.Err != nil {
		event.Error = errorKind(r.Err)
	}
	if event.Status == "" {
		// hard failures carry no result
		event.Status = string(models.StatusUnavailable)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.PublishTimeout)
	defer cancel()
	if err := s.publisher.PublishRefreshCompleted(ctx, event); err != nil {
		s.metrics.PublishErrors.Add(1)
		rlog.Warn("publishing refresh outcome failed", "key", event.Key, "ticket", r.TicketID, "err", err)
		return
	}
	s.metrics.RefreshEvents.Add(1)
}

func errorKind(err error) string {
	var uerr *synerr.UpstreamError
	switch {
	case errors.As(err, &uerr):
		return uerr.Kind.String()
	case synerr.IsStorage(err):
		return "storage"
	case synerr.IsConfiguration(err):
		return "configuration"
	default:
		return "unknown"
	}
}
