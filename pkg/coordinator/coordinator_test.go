package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantsync.app/pkg/cachestore"
	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/synerr"
)

func TestResolve_MissWritesFullEntry(t *testing.T) {
	h := newHarness(t, nil)
	f := &mockFetcher{items: makeItems(10)}

	res, err := h.coord.Resolve(context.Background(), key(models.ResourceEmail), false, f.Fetch)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFresh, res.Status)
	assert.Equal(t, models.SourceUpstream, res.Source)
	assert.Equal(t, models.UpdateFull, res.UpdateType)
	assert.Len(t, res.Items, 10)
	require.NotNil(t, res.Entry)
	assert.Equal(t, uint64(1), res.Entry.Version)
	assert.Equal(t, epoch.Add(5*time.Minute), res.Entry.ExpiresAt)
	assert.Equal(t, epoch, res.Entry.Change.LastFullSync)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int64(1), h.recorder.misses.Load())
	assert.Equal(t, int64(1), h.recorder.writes.Load())
}

func TestResolve_FreshHitSkipsUpstream(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	f := &mockFetcher{items: makeItems(3)}

	_, err := h.coord.Resolve(ctx, key(models.ResourceEmail), false, f.Fetch)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	res, err := h.coord.Resolve(ctx, key(models.ResourceEmail), false, f.Fetch)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFresh, res.Status)
	assert.Equal(t, models.SourceCache, res.Source)
	assert.Len(t, res.Items, 3)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int64(1), h.recorder.hits.Load())
}

func TestResolve_SingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	f := &mockFetcher{items: makeItems(5), gate: make(chan struct{})}
	k := key(models.ResourceEmail)

	const n = 25
	results := make([]*models.CacheResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.coord.Resolve(context.Background(), k, true, f.Fetch)
		}(i)
	}

	require.Eventually(t, func() bool {
		tk, ok := h.coord.tickets.lookup(k)
		return ok && tk.waiters.Load() == n
	}, 2*time.Second, time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load(), "exactly one upstream fetch")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, models.StatusFresh, results[i].Status)
		assert.Equal(t, uint64(1), results[i].Entry.Version)
		assert.Equal(t, results[0].Entry.Fingerprint, results[i].Entry.Fingerprint)
	}
	assert.Equal(t, int64(1), h.recorder.writes.Load())
	assert.Equal(t, int64(n), h.recorder.misses.Load())
	assert.Equal(t, int64(n-1), h.coord.Metrics().Joined.Load())
	assert.Zero(t, h.coord.InFlight())
}

func TestResolve_NoChangeSkipsWrite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	f := &mockFetcher{items: makeItems(10)}
	k := key(models.ResourceEmail)

	_, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	res, err := h.coord.Resolve(ctx, k, true, f.Fetch)
	require.NoError(t, err)

	assert.Equal(t, models.UpdateNone, res.UpdateType)
	assert.Equal(t, uint64(1), res.Entry.Version)
	stored, err := h.store.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Version)
	assert.Equal(t, epoch.Add(5*time.Minute), stored.ExpiresAt, "untouched by a no-op refresh")
	assert.Equal(t, int64(1), h.recorder.writes.Load())
}

func TestResolve_IncrementalThenFull(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	k := key(models.ResourceEmail)
	f := &mockFetcher{items: makeItems(100)}

	_, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)

	// 15 of 100 titles change: incremental
	next := makeItems(100)
	for i := 0; i < 15; i++ {
		next[i]["title"] = "edited"
	}
	f.set(next, nil)
	h.clock.Advance(6 * time.Minute)

	res, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateIncremental, res.UpdateType)
	assert.Equal(t, uint64(2), res.Entry.Version)
	assert.Equal(t, 1, res.Entry.Change.IncrementalUpdatesSinceFullSync)
	assert.Equal(t, 15, res.Entry.Change.ChangesSinceLastSync)
	assert.Equal(t, epoch, res.Entry.Change.LastFullSync)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), res.Entry.ExpiresAt)

	// 40 of 100 change: full
	for i := 0; i < 40; i++ {
		next[i]["title"] = "rewritten"
	}
	f.set(next, nil)
	h.clock.Advance(6 * time.Minute)

	res, err = h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateFull, res.UpdateType)
	assert.Equal(t, uint64(3), res.Entry.Version)
	assert.Zero(t, res.Entry.Change.IncrementalUpdatesSinceFullSync)
	assert.Equal(t, h.clock.Now(), res.Entry.Change.LastFullSync)
}

func TestResolve_RateLimitedServesDegradedAndBacksOff(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BackoffCooldown = time.Minute })
	ctx := context.Background()
	k := key(models.ResourceEmail)
	f := &mockFetcher{items: makeItems(4)}

	_, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)

	f.set(nil, synerr.RateLimited(0, errors.New("429")))
	h.clock.Advance(10 * time.Minute)

	res, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, res.Status)
	assert.Equal(t, models.SourceCache, res.Source)
	assert.Len(t, res.Items, 4)
	assert.True(t, synerr.IsRateLimited(res.Err))
	assert.True(t, h.coord.InBackoff(k))
	assert.Equal(t, int32(2), f.calls.Load())

	// while backing off the upstream is not touched, even when forced
	res, err = h.coord.Resolve(ctx, k, true, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, res.Status)
	assert.Equal(t, int32(2), f.calls.Load())

	// cooldown over: back to Idle, upstream healthy again
	h.clock.Advance(time.Minute)
	f.set(makeItems(4), nil)
	res, err = h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFresh, res.Status)
	assert.Equal(t, int32(3), f.calls.Load())
	assert.False(t, h.coord.InBackoff(k))
}

func TestResolve_RetryAfterOverridesCooldown(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BackoffCooldown = time.Minute })
	ctx := context.Background()
	k := key(models.ResourceEmail)
	f := &mockFetcher{err: synerr.RateLimited(10*time.Minute, errors.New("429"))}

	_, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	assert.True(t, h.coord.InBackoff(k))
	h.clock.Advance(5 * time.Minute)
	assert.False(t, h.coord.InBackoff(k))
}

func TestResolve_RateLimitedWithoutEntryIsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	f := &mockFetcher{err: synerr.RateLimited(0, errors.New("429"))}

	res, err := h.coord.Resolve(context.Background(), key(models.ResourceEmail), false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnavailable, res.Status)
	assert.Equal(t, models.SourceNone, res.Source)
	assert.False(t, res.HasData())
	assert.True(t, synerr.IsRateLimited(res.Err))
	assert.Equal(t, int64(1), h.recorder.misses.Load())
}

func TestResolve_TransientFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	k := key(models.ResourceEmail)

	f := &mockFetcher{err: synerr.AuthRequired(errors.New("token expired"))}
	res, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnavailable, res.Status)

	var ue *synerr.UpstreamError
	require.True(t, errors.As(res.Err, &ue))
	assert.Equal(t, synerr.KindAuthRequired, ue.Kind)
	assert.False(t, h.coord.InBackoff(k), "only rate limiting backs off")

	f.set(makeItems(2), nil)
	_, err = h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)

	// plain errors are transient and fall back to the stored entry
	f.set(nil, errors.New("connection reset"))
	res, err = h.coord.Resolve(ctx, k, true, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, res.Status)
	assert.Len(t, res.Items, 2)
	require.True(t, errors.As(res.Err, &ue))
	assert.Equal(t, synerr.KindTransient, ue.Kind)
}

func TestResolve_FailuresGoToConfiguredLogger(t *testing.T) {
	logs := &recordingLogger{}
	h := newHarness(t, nil, WithLogger(logs))
	ctx := context.Background()

	limited := &mockFetcher{err: synerr.RateLimited(0, errors.New("429"))}
	_, err := h.coord.Resolve(ctx, key(models.ResourceEmail), false, limited.Fetch)
	require.NoError(t, err)

	denied := &mockFetcher{err: synerr.AuthRequired(errors.New("token expired"))}
	_, err = h.coord.Resolve(ctx, key(models.ResourceConcepts), false, denied.Fetch)
	require.NoError(t, err)

	assert.Equal(t, []string{"upstream rate limited, backing off", "upstream fetch failed"}, logs.warned())
}

func TestResolve_NilLoggerKeepsDefault(t *testing.T) {
	h := newHarness(t, nil, WithLogger(nil))
	f := &mockFetcher{err: synerr.RateLimited(0, errors.New("429"))}

	res, err := h.coord.Resolve(context.Background(), key(models.ResourceEmail), false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnavailable, res.Status)
}

func TestResolve_DuplicateIdentitiesStoredOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	k := key(models.ResourceEmail)

	f := &mockFetcher{items: models.Collection{
		{"id": "a", "title": "first"},
		{"id": "b", "title": "only"},
		{"id": "a", "title": "second"},
	}}
	res, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateFull, res.UpdateType)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "first", res.Items[0]["title"])
	assert.Equal(t, 2, res.Entry.ItemCount)

	stored, err := h.store.Get(ctx, k)
	require.NoError(t, err)
	items, err := models.DecodeCollection(stored.Payload)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// the same duplicated answer again changes nothing
	res, err = h.coord.Resolve(ctx, k, true, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateNone, res.UpdateType)
	assert.Equal(t, uint64(1), res.Entry.Version)
}

func TestResolve_FetchTimeout(t *testing.T) {
	h := newHarness(t, nil)
	// concepts carry a 30ms fetch timeout; this fetch never answers
	hang := make(chan struct{})
	defer close(hang)
	fetch := func(ctx context.Context) (models.Collection, error) {
		<-hang
		return makeItems(1), nil
	}

	start := time.Now()
	res, err := h.coord.Resolve(context.Background(), key(models.ResourceConcepts), false, fetch)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, models.StatusUnavailable, res.Status)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))

	var ue *synerr.UpstreamError
	require.True(t, errors.As(res.Err, &ue))
	assert.Equal(t, synerr.KindTransient, ue.Kind)
}

func TestResolve_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	h := newHarness(t, nil)
	k := key(models.ResourceEmail)
	f := &mockFetcher{items: makeItems(3), gate: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Resolve(ctx, k, false, f.Fetch)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(f.gate)
	require.Eventually(t, func() bool { return h.coord.InFlight() == 0 }, time.Second, time.Millisecond)

	entry, err := h.store.Get(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Version)
}

func TestResolve_StaleWhileRefresh(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	k := key(models.ResourceTasks)
	f := &mockFetcher{items: makeItems(3)}

	_, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	f.set(makeItems(4), nil)

	res, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStale, res.Status)
	assert.Equal(t, models.SourceCache, res.Source)
	assert.Len(t, res.Items, 3)

	require.Eventually(t, func() bool {
		e, err := h.store.Get(ctx, k)
		return err == nil && e.Version == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), h.coord.Metrics().StaleServed.Load())
}

func TestResolve_DeferredRefreshIsExpeditedByBlockingCaller(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DeferDelay = time.Hour })
	ctx := context.Background()
	k := key(models.ResourceContacts)
	f := &mockFetcher{items: makeItems(2)}

	_, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	f.set(makeItems(3), nil)

	res, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStale, res.Status)
	assert.Equal(t, 1, h.coord.InFlight())
	assert.Equal(t, int32(1), f.calls.Load(), "deferred refresh has not fetched yet")

	res, err = h.coord.Resolve(ctx, k, true, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFresh, res.Status)
	assert.Len(t, res.Items, 3)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestResolve_ConcurrencyLimitAcrossSubjects(t *testing.T) {
	h := newHarness(t, nil)
	var active, peak atomic.Int32
	fetch := func(ctx context.Context) (models.Collection, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return makeItems(1), nil
	}

	var wg sync.WaitGroup
	for _, subject := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			k := models.CacheKey{Subject: subject, Resource: models.ResourceEmail, Window: "today"}
			_, err := h.coord.Resolve(context.Background(), k, false, fetch)
			assert.NoError(t, err)
		}(subject)
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load(), "email allows one refresh at a time")
}

func TestResolve_HardErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	f := &mockFetcher{items: makeItems(1)}

	_, err := h.coord.Resolve(ctx, models.CacheKey{Subject: "u", Resource: "fax", Window: "today"}, false, f.Fetch)
	assert.True(t, synerr.IsConfiguration(err))

	_, err = h.coord.Resolve(ctx, models.CacheKey{Subject: "a|b", Resource: models.ResourceEmail, Window: "today"}, false, f.Fetch)
	assert.True(t, synerr.IsConfiguration(err))

	_, err = h.coord.Resolve(ctx, key(models.ResourceEmail), false, nil)
	assert.True(t, synerr.IsConfiguration(err))
	assert.Zero(t, f.calls.Load())
}

type brokenStore struct {
	*cachestore.MemoryStore
	failGet bool
	failPut bool
}

func (b *brokenStore) Get(ctx context.Context, k models.CacheKey) (*models.CacheEntry, error) {
	if b.failGet {
		return nil, errors.New("disk I/O error")
	}
	return b.MemoryStore.Get(ctx, k)
}

func (b *brokenStore) Put(ctx context.Context, k models.CacheKey, w models.Write) (*models.CacheEntry, error) {
	if b.failPut {
		return nil, errors.New("disk full")
	}
	return b.MemoryStore.Put(ctx, k, w)
}

func TestResolve_StorageErrorsPropagate(t *testing.T) {
	store := &brokenStore{MemoryStore: cachestore.NewMemoryStore(0), failPut: true}
	c, err := New(DefaultConfig(), store, testRegistry(t), nil)
	require.NoError(t, err)
	defer c.Close()

	f := &mockFetcher{items: makeItems(2)}
	_, err = c.Resolve(context.Background(), key(models.ResourceEmail), false, f.Fetch)
	assert.True(t, synerr.IsStorage(err), "a failed write is never a successful refresh")

	store.failPut, store.failGet = false, true
	_, err = c.Resolve(context.Background(), key(models.ResourceEmail), false, f.Fetch)
	assert.True(t, synerr.IsStorage(err))
}

func TestInvalidate_ClearsEntryAndBackoff(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	k := key(models.ResourceEmail)
	f := &mockFetcher{items: makeItems(2)}

	_, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	f.set(nil, synerr.RateLimited(0, nil))
	_, err = h.coord.Resolve(ctx, k, true, f.Fetch)
	require.NoError(t, err)
	require.True(t, h.coord.InBackoff(k))

	ok, err := h.coord.Invalidate(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, h.coord.InBackoff(k))

	f.set(makeItems(2), nil)
	res, err := h.coord.Resolve(ctx, k, false, f.Fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Entry.Version, "versions survive invalidation")
	assert.Equal(t, models.UpdateFull, res.UpdateType)

	n, err := h.coord.InvalidateSubject(ctx, k.Subject)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRefreshHookReportsTicket(t *testing.T) {
	reports := make(chan RefreshReport, 1)
	h := newHarness(t, nil, WithRefreshHook(func(r RefreshReport) { reports <- r }))

	f := &mockFetcher{items: makeItems(3)}
	_, err := h.coord.Resolve(context.Background(), key(models.ResourceEmail), false, f.Fetch)
	require.NoError(t, err)

	select {
	case r := <-reports:
		assert.NotEmpty(t, r.TicketID)
		assert.Equal(t, models.UpdateFull, r.UpdateType)
		assert.Equal(t, uint64(1), r.Version)
		assert.Equal(t, 3, r.ItemCount)
		assert.Equal(t, 1, r.Waiters)
		assert.Equal(t, epoch, r.StartedAt)
		assert.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("no refresh report")
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coord.Close())
	require.NoError(t, h.coord.Close())

	_, err := h.coord.Resolve(context.Background(), key(models.ResourceEmail), false, (&mockFetcher{}).Fetch)
	assert.ErrorIs(t, err, synerr.ErrClosed)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BudgetCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Policy.IncrementalRatio = 0
	assert.Error(t, cfg.Validate())
}
