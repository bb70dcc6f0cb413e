// Package models provides the canonical data model shared by the sync cache engine.
//
// Design Philosophy:
// - A cache line is identified by (subject, resource, window) and nothing else
// - Entries are immutable values: every write produces a new CacheEntry
// - Expiry is derived from the sync time and the resource window at write time
// - Payloads are opaque to the engine; only the Diff Engine looks at items
package models

import (
	"fmt"
	"strings"
	"time"
)

// ResourceType names an upstream data source (email, calendar, ...).
type ResourceType string

const (
	ResourceEmail    ResourceType = "email"
	ResourceCalendar ResourceType = "calendar"
	ResourceTasks    ResourceType = "tasks"
	ResourceContacts ResourceType = "contacts"
	ResourceConcepts ResourceType = "concepts"
)

// WindowID identifies the time window a cache line covers ("today", "week:2026-42", ...).
type WindowID string

// keySeparator joins key parts. Subjects and windows must not contain it.
const keySeparator = "|"

// CacheKey identifies one cache line. Treat it as immutable once constructed.
type CacheKey struct {
	Subject  string       `json:"subject"`
	Resource ResourceType `json:"resource"`
	Window   WindowID     `json:"window"`
}

// NewCacheKey builds and validates a key.
func NewCacheKey(subject string, resource ResourceType, window WindowID) (CacheKey, error) {
	k := CacheKey{Subject: subject, Resource: resource, Window: window}
	if err := k.Validate(); err != nil {
		return CacheKey{}, err
	}
	return k, nil
}

// Validate checks that every part is present and free of the separator.
func (k CacheKey) Validate() error {
	if k.Subject == "" {
		return fmt.Errorf("cache key: subject cannot be empty")
	}
	if k.Resource == "" {
		return fmt.Errorf("cache key: resource cannot be empty")
	}
	if k.Window == "" {
		return fmt.Errorf("cache key: window cannot be empty")
	}
	for _, part := range []string{k.Subject, string(k.Resource), string(k.Window)} {
		if strings.Contains(part, keySeparator) {
			return fmt.Errorf("cache key: %q contains reserved separator %q", part, keySeparator)
		}
	}
	return nil
}

// ValidateSubject checks a subject on its own, as for subject-wide invalidation.
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("cache key: subject cannot be empty")
	}
	if strings.Contains(subject, keySeparator) {
		return fmt.Errorf("cache key: %q contains reserved separator %q", subject, keySeparator)
	}
	return nil
}

// String returns the flat storage form "subject|resource|window".
func (k CacheKey) String() string {
	return k.Subject + keySeparator + string(k.Resource) + keySeparator + string(k.Window)
}

// SubjectPrefix returns the storage prefix shared by every line of a subject.
func SubjectPrefix(subject string) string {
	return subject + keySeparator
}

// ParseCacheKey is the inverse of CacheKey.String.
func ParseCacheKey(s string) (CacheKey, error) {
	parts := strings.Split(s, keySeparator)
	if len(parts) != 3 {
		return CacheKey{}, fmt.Errorf("cache key: malformed %q", s)
	}
	return NewCacheKey(parts[0], ResourceType(parts[1]), WindowID(parts[2]))
}

// UpdateType describes how an entry was produced.
type UpdateType string

const (
	UpdateNone        UpdateType = "none"
	UpdateIncremental UpdateType = "incremental"
	UpdateFull        UpdateType = "full"
)

// ChangeMetadata tracks whether an entry came from a full replace or an incremental merge.
type ChangeMetadata struct {
	LastFullSync                    time.Time `json:"last_full_sync"`
	IncrementalUpdatesSinceFullSync int       `json:"incremental_updates_since_full_sync"`
	ChangesSinceLastSync            int       `json:"changes_since_last_sync"`
}

// CacheEntry is one stored cache line. Owned by the Cache Store; callers get copies.
type CacheEntry struct {
	Key          CacheKey       `json:"key"`
	Payload      []byte         `json:"payload"`     // canonical JSON array of items
	Fingerprint  string         `json:"fingerprint"` // digest of Payload
	Version      uint64         `json:"version"`
	ItemCount    int            `json:"item_count"`
	LastSyncedAt time.Time      `json:"last_synced_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Change       ChangeMetadata `json:"change"`
}

// IsFresh reports whether the entry may be served without refreshing.
// Complexity: O(1)
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Age returns how long ago the entry was synced.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.LastSyncedAt)
}

// Window returns the window length the entry was written with.
func (e *CacheEntry) Window() time.Duration {
	return e.ExpiresAt.Sub(e.LastSyncedAt)
}

// Clone returns a deep copy so callers can never mutate stored state.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = make([]byte, len(e.Payload))
	copy(c.Payload, e.Payload)
	return &c
}

// Write is the input of a Cache Store put.
type Write struct {
	Payload   []byte
	ItemCount int
	Change    ChangeMetadata
	SyncedAt  time.Time
	Window    time.Duration
}
