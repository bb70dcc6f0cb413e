package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"assistantsync.app/pkg/models"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)
// - Consumers should check Version and handle appropriately

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// InvalidationEvent announces that cache lines were cleared.
// This event is published to TopicCacheInvalidate.
//
// Invalidation modes:
//   - Exact keys: Keys holds flat cache keys
//   - Subject: every line of Subject
//   - Pattern: glob over "subject|resource|window" (e.g. "u1|*|*")
type InvalidationEvent struct {
	// Version of the event schema (for backward compatibility)
	Version int `json:"version"`

	// Service that triggered the invalidation
	Service string `json:"service"`

	// Keys cleared by exact match, in "subject|resource|window" form.
	Keys []string `json:"keys,omitempty"`

	// Subject whose lines were all cleared. Optional.
	Subject string `json:"subject,omitempty"`

	// Pattern that selected the cleared lines. Optional.
	Pattern string `json:"pattern,omitempty"`

	// TriggeredAt is the time the invalidation was requested
	TriggeredAt time.Time `json:"triggered_at"`

	// Meta contains optional metadata (e.g., reason)
	Meta map[string]string `json:"meta,omitempty"`

	// RequestID for correlation with the audit log
	RequestID string `json:"request_id"`
}

// Validate checks if the InvalidationEvent is well-formed.
func (e *InvalidationEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("service field is required")
	}
	if len(e.Keys) == 0 && e.Subject == "" && e.Pattern == "" {
		return errors.New("at least one of keys, subject or pattern must be set")
	}
	for _, k := range e.Keys {
		if _, err := models.ParseCacheKey(k); err != nil {
			return err
		}
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}

// CacheKeys parses Keys. Call Validate first.
func (e *InvalidationEvent) CacheKeys() ([]models.CacheKey, error) {
	out := make([]models.CacheKey, 0, len(e.Keys))
	for _, k := range e.Keys {
		key, err := models.ParseCacheKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// ToJSON serializes the event to JSON.
func (e *InvalidationEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// InvalidationEventFromJSON deserializes an InvalidationEvent from JSON.
func InvalidationEventFromJSON(data []byte) (*InvalidationEvent, error) {
	var e InvalidationEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal InvalidationEvent: %w", err)
	}
	return &e, nil
}

// RefreshCompletedEvent reports the outcome of one refresh ticket.
// This event is published to TopicRefreshCompleted.
type RefreshCompletedEvent struct {
	Version int `json:"version"`

	// Key is the refreshed line in "subject|resource|window" form.
	Key      string `json:"key"`
	Subject  string `json:"subject"`
	Resource string `json:"resource"`

	TicketID   string `json:"ticket_id"`
	Status     string `json:"status"`
	UpdateType string `json:"update_type,omitempty"`

	// EntryVersion is the cache line version after the refresh; 0 when nothing is cached.
	EntryVersion uint64 `json:"entry_version"`
	ItemCount    int    `json:"item_count"`

	// Waiters is how many callers blocked on the ticket.
	Waiters    int     `json:"waiters"`
	DurationMs float64 `json:"duration_ms"`

	// Error is the upstream failure kind, if any ("rate_limited", "transient", ...).
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

var validStatuses = map[string]bool{
	string(models.StatusFresh):       true,
	string(models.StatusStale):       true,
	string(models.StatusDegraded):    true,
	string(models.StatusUnavailable): true,
}

// Validate checks if the RefreshCompletedEvent is well-formed.
func (e *RefreshCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if _, err := models.ParseCacheKey(e.Key); err != nil {
		return err
	}
	if e.TicketID == "" {
		return errors.New("ticket_id is required")
	}
	if !validStatuses[e.Status] {
		return fmt.Errorf("invalid status: %q", e.Status)
	}
	if e.DurationMs < 0 {
		return errors.New("duration cannot be negative")
	}
	if e.CompletedAt.IsZero() {
		return errors.New("completed_at cannot be zero")
	}
	return nil
}

// Failed reports whether the refresh did not produce upstream data.
func (e *RefreshCompletedEvent) Failed() bool {
	return e.Error != "" || e.Status == string(models.StatusDegraded) || e.Status == string(models.StatusUnavailable)
}

// PrefetchCompletedEvent represents the completion of a warming run.
// This event is published to TopicPrefetchCompleted.
type PrefetchCompletedEvent struct {
	Version int `json:"version"`

	// Service that performed the warming (typically "warming")
	Service string `json:"service"`

	// Status of the run ("success", "partial", "failed")
	Status string `json:"status"`

	Duration    time.Duration `json:"duration"`
	KeysWarmed  int           `json:"keys_warmed"`
	KeysFailed  int           `json:"keys_failed"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`

	// RequestID for correlation
	RequestID string `json:"request_id"`
}

// Validate checks if the PrefetchCompletedEvent is well-formed.
func (e *PrefetchCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("service field is required")
	}
	switch e.Status {
	case "success", "partial", "failed":
	default:
		return fmt.Errorf("invalid status: %s (must be success, partial, or failed)", e.Status)
	}
	if e.Duration < 0 {
		return errors.New("duration cannot be negative")
	}
	if e.KeysWarmed < 0 || e.KeysFailed < 0 {
		return errors.New("keys_warmed and keys_failed cannot be negative")
	}
	if e.CompletedAt.IsZero() {
		return errors.New("completed_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}

// PrefetchStatus derives the run status from its counts.
func PrefetchStatus(warmed, failed int) string {
	switch {
	case failed == 0:
		return "success"
	case warmed == 0:
		return "failed"
	default:
		return "partial"
	}
}
