package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistantsync.app/pkg/cachestore"
	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/registry"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingRecorder is a Recorder that keeps plain counters.
type countingRecorder struct {
	hits, misses, writes atomic.Int64
	mu                   sync.Mutex
	lastUpdate           models.UpdateType
}

func (r *countingRecorder) RecordHit(string, float64)  { r.hits.Add(1) }
func (r *countingRecorder) RecordMiss(string, float64) { r.misses.Add(1) }
func (r *countingRecorder) RecordWrite(_ string, _ int, ut models.UpdateType) {
	r.writes.Add(1)
	r.mu.Lock()
	r.lastUpdate = ut
	r.mu.Unlock()
}

// recordingLogger keeps the messages it is given.
type recordingLogger struct {
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) warned() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

// mockFetcher returns a scripted answer and counts calls.
type mockFetcher struct {
	mu    sync.Mutex
	items models.Collection
	err   error
	calls atomic.Int32
	gate  chan struct{} // when set, fetch blocks until closed
}

func (f *mockFetcher) set(items models.Collection, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items, f.err = items, err
}

func (f *mockFetcher) Fetch(ctx context.Context) (models.Collection, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items, f.err
}

func makeItems(n int) models.Collection {
	out := make(models.Collection, n)
	for i := range out {
		out[i] = models.Item{"id": fmt.Sprintf("item-%03d", i), "title": fmt.Sprintf("title %d", i)}
	}
	return out
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(
		registry.ResourceStrategy{
			Resource:       models.ResourceEmail,
			Window:         5 * time.Minute,
			RefreshPolicy:  registry.RefreshImmediate,
			Priority:       registry.PriorityHigh,
			Budget:         "google",
			IdentityFields: []string{"id"},
		},
		registry.ResourceStrategy{
			Resource:       models.ResourceTasks,
			Window:         10 * time.Minute,
			RefreshPolicy:  registry.RefreshBackgroundBatched,
			Priority:       registry.PriorityMedium,
			Budget:         "google",
			IdentityFields: []string{"id"},
		},
		registry.ResourceStrategy{
			Resource:       models.ResourceContacts,
			Window:         time.Hour,
			RefreshPolicy:  registry.RefreshBackgroundDeferred,
			Priority:       registry.PriorityLow,
			Budget:         "google",
			IdentityFields: []string{"id"},
		},
		registry.ResourceStrategy{
			Resource:       models.ResourceConcepts,
			Window:         30 * time.Minute,
			RefreshPolicy:  registry.RefreshImmediate,
			Priority:       registry.PriorityMedium,
			Budget:         "graph",
			FetchTimeout:   30 * time.Millisecond,
			IdentityFields: []string{"id"},
		},
	)
	require.NoError(t, err)
	return reg
}

type harness struct {
	coord    *Coordinator
	store    *cachestore.MemoryStore
	clock    *fakeClock
	recorder *countingRecorder
}

func newHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		store:    cachestore.NewMemoryStore(0),
		clock:    newFakeClock(),
		recorder: &countingRecorder{},
	}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	c, err := New(cfg, h.store, testRegistry(t), h.recorder, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	h.coord = c
	return h
}

func key(res models.ResourceType) models.CacheKey {
	return models.CacheKey{Subject: "user-1", Resource: res, Window: "today"}
}
