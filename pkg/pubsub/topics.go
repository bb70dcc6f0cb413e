// Package pubsub provides topic names and event type definitions shared by
// the sync services.
//
// Topic Naming Convention:
//   - cache-invalidate: cache lines cleared by key, subject or pattern
//   - refresh-completed: one refresh ticket finished (any outcome)
//   - prefetch-completed: one warming run finished
//
// Design Notes:
//   - Version field in events enables schema evolution without breaking consumers
//   - Keys travel in their flat "subject|resource|window" form
//   - Names are kebab-case so services can pass them to Encore topics unchanged
//   - No direct Encore dependencies to keep pkg/ reusable across services
package pubsub

const (
	// TopicCacheInvalidate is published after cache lines were cleared.
	// Event type: InvalidationEvent
	// Publishers: cache-manager, invalidation
	// Subscribers: cache-manager (clears backoff), invalidation (audit), monitoring
	TopicCacheInvalidate = "cache-invalidate"

	// TopicRefreshCompleted is published when a refresh ticket completes.
	// Event type: RefreshCompletedEvent
	// Publishers: cache-manager
	// Subscribers: warming (access log), monitoring
	TopicRefreshCompleted = "refresh-completed"

	// TopicPrefetchCompleted is published when a warming run completes.
	// Event type: PrefetchCompletedEvent
	// Publishers: warming
	// Subscribers: monitoring
	TopicPrefetchCompleted = "prefetch-completed"
)

// AllTopics returns all defined topic names.
func AllTopics() []string {
	return []string{
		TopicCacheInvalidate,
		TopicRefreshCompleted,
		TopicPrefetchCompleted,
	}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}
