// Package stats implements the per-subject Stats Aggregator.
//
// Design Philosophy:
// - One mutex-protected map of subjects; updates are O(1) and never block on I/O
// - avgResponseTimeMs is an exact running mean over hits and misses
// - Counters never decrease; Reset is the only way back to zero
// - Persistence is optional and batched: Flush writes dirty subjects through a StatsStore
// - Every update is mirrored to OpenTelemetry instruments for export
package stats

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"assistantsync.app/pkg/cachestore"
	"assistantsync.app/pkg/models"
)

type subjectState struct {
	stats  models.Stats
	dirty  bool // changed since the last Flush
	loaded bool // persisted row merged in (or known absent)
}

// Aggregator tracks Stats for every subject the engine has seen.
type Aggregator struct {
	mu       sync.Mutex
	subjects map[string]*subjectState

	store cachestore.StatsStore
	loads singleflight.Group
	inst  *Instruments
	now   func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithStore enables Load and Flush against persisted stats rows.
func WithStore(s cachestore.StatsStore) Option {
	return func(a *Aggregator) { a.store = s }
}

// WithInstruments replaces the default (global meter provider) instruments.
func WithInstruments(inst *Instruments) Option {
	return func(a *Aggregator) {
		if inst != nil {
			a.inst = inst
		}
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		subjects: make(map[string]*subjectState),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.inst == nil {
		a.inst = defaultInstruments()
	}
	return a
}

// stateLocked returns the state of a subject, creating it on first use.
// Caller must hold a.mu.
func (a *Aggregator) stateLocked(subject string) *subjectState {
	st, ok := a.subjects[subject]
	if !ok {
		st = &subjectState{stats: models.Stats{Subject: subject}}
		a.subjects[subject] = st
	}
	return st
}

// RecordHit counts a read served from a valid cache line.
func (a *Aggregator) RecordHit(subject string, latencyMs float64) {
	a.mu.Lock()
	st := a.stateLocked(subject)
	st.stats.AvgResponseTimeMs = runningMean(st.stats.AvgResponseTimeMs, st.stats.Requests(), latencyMs)
	st.stats.Hits++
	st.stats.UpdatedAt = a.now()
	st.dirty = true
	a.mu.Unlock()

	a.inst.lookup(resultHit, latencyMs)
}

// RecordMiss counts a read that needed the upstream (or fell back).
func (a *Aggregator) RecordMiss(subject string, latencyMs float64) {
	a.mu.Lock()
	st := a.stateLocked(subject)
	st.stats.AvgResponseTimeMs = runningMean(st.stats.AvgResponseTimeMs, st.stats.Requests(), latencyMs)
	st.stats.Misses++
	st.stats.UpdatedAt = a.now()
	st.dirty = true
	a.mu.Unlock()

	a.inst.lookup(resultMiss, latencyMs)
}

// RecordWrite counts a successful Cache Store write of itemCount items.
func (a *Aggregator) RecordWrite(subject string, itemCount int, updateType models.UpdateType) {
	if itemCount < 0 {
		itemCount = 0
	}
	a.mu.Lock()
	st := a.stateLocked(subject)
	st.stats.Writes++
	st.stats.TotalItemsCached += uint64(itemCount)
	st.stats.LastUpdateType = updateType
	st.stats.UpdatedAt = a.now()
	st.dirty = true
	a.mu.Unlock()

	a.inst.write(updateType, itemCount)
}

// Snapshot returns a copy of a subject's stats. Unknown subjects read as zero.
func (a *Aggregator) Snapshot(subject string) models.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.subjects[subject]; ok {
		return st.stats
	}
	return models.Stats{Subject: subject}
}

// Subjects lists every subject with in-memory stats, sorted.
func (a *Aggregator) Subjects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.subjects))
	for s := range a.subjects {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Reset zeroes a subject's counters. The zero row is persisted on the next Flush.
func (a *Aggregator) Reset(subject string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects[subject] = &subjectState{
		stats:  models.Stats{Subject: subject, UpdatedAt: a.now()},
		dirty:  true,
		loaded: true,
	}
}

// Load merges the persisted row of a subject into memory, once per subject.
// Concurrent loads of the same subject share one store read.
func (a *Aggregator) Load(ctx context.Context, subject string) error {
	if a.store == nil {
		return nil
	}
	a.mu.Lock()
	if st, ok := a.subjects[subject]; ok && st.loaded {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	_, err, _ := a.loads.Do(subject, func() (interface{}, error) {
		persisted, found, err := a.store.LoadStats(ctx, subject)
		if err != nil {
			return nil, err
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		st := a.stateLocked(subject)
		if st.loaded {
			return nil, nil
		}
		if found {
			st.stats = mergeStats(persisted, st.stats)
		}
		st.loaded = true
		return nil, nil
	})
	return err
}

// Flush persists every subject changed since the previous Flush.
// Subjects that fail to save stay dirty for the next attempt.
func (a *Aggregator) Flush(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, nil
	}

	a.mu.Lock()
	pending := make([]models.Stats, 0)
	for _, st := range a.subjects {
		if st.dirty {
			pending = append(pending, st.stats)
			st.dirty = false
		}
	}
	a.mu.Unlock()

	var errs []error
	saved := 0
	for _, s := range pending {
		if err := a.store.SaveStats(ctx, s); err != nil {
			errs = append(errs, err)
			a.mu.Lock()
			if st, ok := a.subjects[s.Subject]; ok {
				st.dirty = true
			}
			a.mu.Unlock()
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// runningMean folds one sample into a mean of prevCount samples.
func runningMean(prevAvg float64, prevCount uint64, sample float64) float64 {
	n := float64(prevCount)
	return (prevAvg*n + sample) / (n + 1)
}

// mergeStats combines a persisted row with counts recorded before it was loaded.
func mergeStats(base, recent models.Stats) models.Stats {
	out := base
	n1, n2 := float64(base.Requests()), float64(recent.Requests())
	if n1+n2 > 0 {
		out.AvgResponseTimeMs = (base.AvgResponseTimeMs*n1 + recent.AvgResponseTimeMs*n2) / (n1 + n2)
	}
	out.Hits += recent.Hits
	out.Misses += recent.Misses
	out.Writes += recent.Writes
	out.TotalItemsCached += recent.TotalItemsCached
	if recent.LastUpdateType != "" {
		out.LastUpdateType = recent.LastUpdateType
	}
	if recent.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = recent.UpdatedAt
	}
	return out
}
