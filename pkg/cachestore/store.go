// Package cachestore implements the Cache Store: durable key-value storage of
// cache lines keyed by (subject, resource, window).
//
// Design Philosophy:
// - Get is a pure lookup; expiration is the caller's policy, since expired data
//   is still the fallback when the upstream fails
// - Put always produces a new entry with the next version and a fresh fingerprint
// - Versions are per-key counters that survive Delete, so they never go backwards
// - Writes are not merged here; the coordinator serializes writes per key
// - Every backend error is surfaced as *synerr.StorageError
//
// Backends:
// - Memory: process-local map with an opt-in LRU bound, used in tests
// - SQLite: on-device persistence (modernc.org/sqlite, pure Go)
// - SQLDB: Encore-managed Postgres shared by several processes
package cachestore

import (
	"context"
	"fmt"
	"time"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/utils"
)

// Store is the Cache Store contract.
type Store interface {
	// Get returns synerr.ErrNotFound for absent keys. It never checks expiry.
	Get(ctx context.Context, key models.CacheKey) (*models.CacheEntry, error)
	// Put replaces the line with a new entry and returns it.
	Put(ctx context.Context, key models.CacheKey, w models.Write) (*models.CacheEntry, error)
	// Delete removes a line. It reports whether the line existed.
	Delete(ctx context.Context, key models.CacheKey) (bool, error)
	// DeleteSubject removes every line of a subject.
	DeleteSubject(ctx context.Context, subject string) (int, error)
	// Keys lists the lines of a subject.
	Keys(ctx context.Context, subject string) ([]models.CacheKey, error)
}

// StatsStore persists the per-subject Stats rows.
type StatsStore interface {
	// LoadStats reports false when the subject has no row yet.
	LoadStats(ctx context.Context, subject string) (models.Stats, bool, error)
	SaveStats(ctx context.Context, stats models.Stats) error
	DeleteStats(ctx context.Context, subject string) error
}

// Backend is what the engine is built on: lines plus stats rows.
type Backend interface {
	Store
	StatsStore
	Close() error
}

// validateWrite rejects writes that would break the expiry invariant.
func validateWrite(key models.CacheKey, w models.Write) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if w.Window <= 0 {
		return fmt.Errorf("write %s: window must be positive", key)
	}
	if w.SyncedAt.IsZero() {
		return fmt.Errorf("write %s: synced time is required", key)
	}
	return nil
}

// buildEntry assembles the entry a Put stores.
// ExpiresAt is derived here and nowhere else.
func buildEntry(key models.CacheKey, version uint64, w models.Write) *models.CacheEntry {
	payload := make([]byte, len(w.Payload))
	copy(payload, w.Payload)
	return &models.CacheEntry{
		Key:          key,
		Payload:      payload,
		Fingerprint:  utils.Fingerprint(payload),
		Version:      version,
		ItemCount:    w.ItemCount,
		LastSyncedAt: w.SyncedAt,
		ExpiresAt:    w.SyncedAt.Add(w.Window),
		Change:       w.Change,
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
