// Package coordinator implements the Refresh Coordinator, the concurrency
// core of the sync engine.
//
// Per key state machine:
//   - Idle: no ticket. A resolve that needs the upstream creates one.
//   - Refreshing: a ticket is in the table. Later resolves join it and get
//     the same result; at most one upstream fetch per key is in flight.
//   - Backoff: the upstream signalled rate limiting. Resolves skip the
//     upstream and serve the last stored entry as degraded until the
//     cooldown ends.
//
// Fetches run on a context detached from the caller, bounded by a timeout.
// A caller that gives up stops waiting; the refresh still completes and is
// written for everyone else.
//
// Single-flight is per process. Two processes sharing one Cache Store may
// refresh the same key concurrently; the store's per-key version counter
// still orders their writes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"assistantsync.app/pkg/cachestore"
	"assistantsync.app/pkg/diff"
	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/registry"
	"assistantsync.app/pkg/synerr"
)

// FetchFunc reads the current collection from the upstream. Failures should
// be *synerr.UpstreamError; anything else is treated as transient.
type FetchFunc func(ctx context.Context) (models.Collection, error)

// Recorder receives hit, miss and write accounting.
type Recorder interface {
	RecordHit(subject string, latencyMs float64)
	RecordMiss(subject string, latencyMs float64)
	RecordWrite(subject string, itemCount int, updateType models.UpdateType)
}

// Logger receives diagnostics as a message plus key/value pairs. Both
// *slog.Logger and the services' rlog adapter satisfy it.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NopLogger discards everything. It is the default.
type NopLogger struct{}

func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// Config holds the coordinator's tunables.
type Config struct {
	// BackoffCooldown applies when a rate-limit error carries no Retry-After hint.
	BackoffCooldown time.Duration `env:"SYNC_BACKOFF_COOLDOWN" envDefault:"2m"`
	// FetchTimeout bounds a fetch whose strategy sets no timeout of its own.
	FetchTimeout time.Duration `env:"SYNC_FETCH_TIMEOUT" envDefault:"10s"`
	// DeferDelay is how long a BackgroundDeferred refresh waits before fetching.
	DeferDelay time.Duration `env:"SYNC_DEFER_DELAY" envDefault:"30s"`
	// BudgetCapacity is the number of concurrent fetches per shared budget.
	BudgetCapacity int `env:"SYNC_BUDGET_CAPACITY" envDefault:"4"`
	// BudgetRPS caps fetch starts per second per budget; 0 disables the limiter.
	BudgetRPS float64 `env:"SYNC_BUDGET_RPS" envDefault:"0"`

	Policy diff.Policy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BackoffCooldown: 2 * time.Minute,
		FetchTimeout:    10 * time.Second,
		DeferDelay:      30 * time.Second,
		BudgetCapacity:  4,
		Policy:          diff.DefaultPolicy(),
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.BackoffCooldown <= 0 {
		return fmt.Errorf("backoff cooldown must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	if c.DeferDelay < 0 {
		return fmt.Errorf("defer delay cannot be negative")
	}
	if c.BudgetCapacity < 1 {
		return fmt.Errorf("budget capacity must be at least 1")
	}
	if c.BudgetRPS < 0 {
		return fmt.Errorf("budget rps cannot be negative")
	}
	return c.Policy.Validate()
}

// RefreshReport describes one finished ticket.
type RefreshReport struct {
	TicketID   string
	Key        models.CacheKey
	StartedAt  time.Time
	Status     models.ResultStatus
	UpdateType models.UpdateType
	Version    uint64
	ItemCount  int
	Waiters    int
	Duration   time.Duration
	Err        error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now for cache timestamps and backoff expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRefreshHook is called after every ticket completes, off the caller's path.
func WithRefreshHook(fn func(RefreshReport)) Option {
	return func(c *Coordinator) { c.onRefresh = fn }
}

// WithLogger sets where backoff, fallback and storage warnings go.
func WithLogger(l Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// Metrics tracks coordinator activity.
type Metrics struct {
	Fetches       atomic.Int64
	Joined        atomic.Int64 // resolves that waited on another caller's ticket
	Writes        atomic.Int64
	NoOps         atomic.Int64
	RateLimited   atomic.Int64
	Failures      atomic.Int64
	Degraded      atomic.Int64
	StaleServed   atomic.Int64
	BackoffServed atomic.Int64
}

// Coordinator resolves cache keys against the store and the upstream.
type Coordinator struct {
	cfg       Config
	store     cachestore.Store
	registry  *registry.Registry
	recorder  Recorder
	tickets   *ticketTable
	backoff   *backoffTable
	admission *admission
	metrics   *Metrics
	now       func() time.Time
	onRefresh func(RefreshReport)
	log       Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New builds a coordinator. recorder may be nil.
func New(cfg Config, store cachestore.Store, reg *registry.Registry, recorder Recorder, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if reg == nil {
		return nil, errors.New("coordinator: registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	baseCtx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		recorder:  recorder,
		tickets:   newTicketTable(),
		admission: newAdmission(reg, cfg.BudgetCapacity, cfg.BudgetRPS),
		metrics:   &Metrics{},
		now:       time.Now,
		log:       NopLogger{},
		baseCtx:   baseCtx,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.backoff = newBackoffTable(c.now)
	return c, nil
}

// Resolve returns fresh-or-cached data for key.
//
// Upstream trouble never surfaces as an error: it is reported through the
// result's Status (Degraded or Unavailable) and Err. The returned error is
// reserved for ConfigurationError, StorageError, ErrClosed and the caller's
// own context ending.
func (c *Coordinator) Resolve(ctx context.Context, key models.CacheKey, forceRefresh bool, fetch FetchFunc) (*models.CacheResult, error) {
	start := time.Now()

	if c.closed.Load() {
		return nil, synerr.ErrClosed
	}
	strat, err := c.registry.Lookup(key.Resource)
	if err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, &synerr.ConfigurationError{Resource: key.Resource, Reason: err.Error()}
	}
	if fetch == nil {
		return nil, &synerr.ConfigurationError{Resource: key.Resource, Reason: "fetch function is required"}
	}

	entry, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	now := c.now()

	if !forceRefresh && entry != nil && entry.IsFresh(now) {
		items, derr := models.DecodeCollection(entry.Payload)
		if derr == nil {
			c.recorder.RecordHit(key.Subject, sinceMs(start))
			return &models.CacheResult{
				Key:        key,
				Status:     models.StatusFresh,
				Source:     models.SourceCache,
				Items:      items,
				Entry:      entry,
				UpdateType: models.UpdateNone,
			}, nil
		}
		c.log.Warn("cached payload unreadable, refreshing", "key", key.String(), "err", derr)
	}

	if st, ok := c.backoff.active(key); ok {
		c.metrics.BackoffServed.Add(1)
		c.recorder.RecordMiss(key.Subject, sinceMs(start))
		return fallback(key, entry, st.cause), nil
	}

	// stale-while-refresh: the caller gets the expired line now
	if !forceRefresh && entry != nil && strat.RefreshPolicy != registry.RefreshImmediate {
		if items, derr := models.DecodeCollection(entry.Payload); derr == nil {
			delay := time.Duration(0)
			if strat.RefreshPolicy == registry.RefreshBackgroundDeferred {
				delay = c.cfg.DeferDelay
			}
			c.startTicket(key, strat, fetch, delay, false)
			c.metrics.StaleServed.Add(1)
			c.recorder.RecordMiss(key.Subject, sinceMs(start))
			return &models.CacheResult{
				Key:        key,
				Status:     models.StatusStale,
				Source:     models.SourceCache,
				Items:      items,
				Entry:      entry,
				UpdateType: models.UpdateNone,
			}, nil
		}
	}

	t, joined := c.startTicket(key, strat, fetch, 0, true)
	if joined {
		c.metrics.Joined.Add(1)
		t.hurry()
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if errors.Is(t.err, synerr.ErrClosed) {
		return nil, t.err
	}
	c.recorder.RecordMiss(key.Subject, sinceMs(start))
	if t.err != nil {
		return nil, t.err
	}
	return cloneResult(t.result), nil
}

// startTicket joins the ticket for key or starts a new refresh.
// joined reports whether another caller already owned it.
func (c *Coordinator) startTicket(key models.CacheKey, strat registry.ResourceStrategy, fetch FetchFunc, delay time.Duration, waiting bool) (t *ticket, joined bool) {
	t, created := c.tickets.acquire(c.baseCtx, key, c.now(), waiting)
	if !created {
		return t, true
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer t.cancel()
		c.runTicket(t.ctx, t, strat, fetch, delay)
	}()
	return t, false
}

func (c *Coordinator) runTicket(ctx context.Context, t *ticket, strat registry.ResourceStrategy, fetch FetchFunc, delay time.Duration) {
	started := time.Now()
	result, err := c.refresh(ctx, t, strat, fetch, delay)
	c.tickets.complete(t, result, err)

	if c.onRefresh == nil {
		return
	}
	report := RefreshReport{
		TicketID:  t.id,
		Key:       t.key,
		StartedAt: t.started,
		Waiters:   int(t.waiters.Load()),
		Duration:  time.Since(started),
		Err:       err,
	}
	if result != nil {
		report.Status = result.Status
		report.UpdateType = result.UpdateType
		if result.Entry != nil {
			report.Version = result.Entry.Version
			report.ItemCount = result.Entry.ItemCount
		}
		if err == nil {
			report.Err = result.Err
		}
	}
	c.onRefresh(report)
}

// refresh runs one ticket: wait out the defer delay, get admitted, fetch,
// then write or fall back.
func (c *Coordinator) refresh(ctx context.Context, t *ticket, strat registry.ResourceStrategy, fetch FetchFunc, delay time.Duration) (*models.CacheResult, error) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-t.expedite:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil, synerr.ErrClosed
		}
	}

	release, err := c.admission.acquire(ctx, strat)
	if err != nil {
		if ctx.Err() != nil {
			return nil, synerr.ErrClosed
		}
		return nil, &synerr.ConfigurationError{Resource: strat.Resource, Reason: err.Error()}
	}

	timeout := strat.FetchTimeout
	if timeout <= 0 {
		timeout = c.cfg.FetchTimeout
	}
	c.metrics.Fetches.Add(1)
	items, ferr := fetchWithTimeout(ctx, timeout, fetch)
	release()

	// storage work outlives the ticket's cancellation so a finished fetch is not lost on Close
	writeCtx := context.WithoutCancel(ctx)
	if ferr != nil {
		return c.fail(writeCtx, t.key, synerr.Classify(ferr))
	}
	return c.apply(writeCtx, t.key, strat, items)
}

type fetchOutcome struct {
	items models.Collection
	err   error
}

// fetchWithTimeout bounds fetch even when it ignores its context.
func fetchWithTimeout(ctx context.Context, timeout time.Duration, fetch FetchFunc) (models.Collection, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan fetchOutcome, 1)
	go func() {
		items, err := fetch(fetchCtx)
		ch <- fetchOutcome{items: items, err: err}
	}()

	select {
	case out := <-ch:
		return out.items, out.err
	case <-fetchCtx.Done():
		return nil, fetchCtx.Err()
	}
}

// apply diffs the fetched items against the stored entry and writes the outcome.
func (c *Coordinator) apply(ctx context.Context, key models.CacheKey, strat registry.ResourceStrategy, fresh models.Collection) (*models.CacheResult, error) {
	identity := strat.Identity()
	fresh = diff.Dedup(fresh, identity)
	if fresh == nil {
		fresh = models.Collection{}
	}
	prev, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	now := c.now()

	var prevItems models.Collection
	if prev != nil {
		prevItems, err = models.DecodeCollection(prev.Payload)
		if err != nil {
			c.log.Warn("stored payload unreadable, replacing", "key", key.String(), "err", err)
			prev = nil
		}
	}

	updateType := models.UpdateFull
	items := fresh
	change := models.ChangeMetadata{LastFullSync: now, ChangesSinceLastSync: len(fresh)}

	if prev != nil {
		res := diff.Diff(prevItems, fresh, identity, strat.Compare())
		updateType = c.cfg.Policy.Classify(res)

		switch updateType {
		case models.UpdateNone:
			c.metrics.NoOps.Add(1)
			return &models.CacheResult{
				Key:        key,
				Status:     models.StatusFresh,
				Source:     models.SourceUpstream,
				Items:      prevItems,
				Entry:      prev,
				UpdateType: models.UpdateNone,
			}, nil
		case models.UpdateIncremental:
			items = diff.Merge(prevItems, res, identity)
			change = models.ChangeMetadata{
				LastFullSync:                    prev.Change.LastFullSync,
				IncrementalUpdatesSinceFullSync: prev.Change.IncrementalUpdatesSinceFullSync + 1,
				ChangesSinceLastSync:            res.Changed(),
			}
		default:
			change.ChangesSinceLastSync = res.Changed()
		}
	}

	payload, err := models.EncodeCollection(items)
	if err != nil {
		return nil, synerr.NewStorageError("encode", key.String(), err)
	}
	entry, err := c.store.Put(ctx, key, models.Write{
		Payload:   payload,
		ItemCount: len(items),
		Change:    change,
		SyncedAt:  now,
		Window:    strat.Window,
	})
	if err != nil {
		c.log.Error("cache write failed", "key", key.String(), "err", err)
		return nil, synerr.NewStorageError("put", key.String(), err)
	}

	c.metrics.Writes.Add(1)
	c.recorder.RecordWrite(key.Subject, entry.ItemCount, updateType)
	return &models.CacheResult{
		Key:        key,
		Status:     models.StatusFresh,
		Source:     models.SourceUpstream,
		Items:      items,
		Entry:      entry,
		UpdateType: updateType,
	}, nil
}

// fail turns an upstream failure into a degraded or unavailable result.
func (c *Coordinator) fail(ctx context.Context, key models.CacheKey, uerr *synerr.UpstreamError) (*models.CacheResult, error) {
	if uerr.Kind == synerr.KindRateLimited {
		c.metrics.RateLimited.Add(1)
		cooldown := c.cfg.BackoffCooldown
		if uerr.RetryAfter > 0 {
			cooldown = uerr.RetryAfter
		}
		until := c.backoff.enter(key, cooldown, uerr)
		c.log.Warn("upstream rate limited, backing off", "key", key.String(), "until", until)
	} else {
		c.metrics.Failures.Add(1)
		c.log.Warn("upstream fetch failed", "key", key.String(), "kind", uerr.Kind.String(), "err", uerr.Err)
	}

	prev, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	res := fallback(key, prev, uerr)
	if res.Status == models.StatusDegraded {
		c.metrics.Degraded.Add(1)
	}
	return res, nil
}

// Invalidate deletes the line and clears its backoff. An in-flight ticket is
// left to finish and will write a fresh entry.
func (c *Coordinator) Invalidate(ctx context.Context, key models.CacheKey) (bool, error) {
	c.backoff.clear(key)
	return c.store.Delete(ctx, key)
}

// InvalidateSubject deletes every line of subject and clears their backoff.
func (c *Coordinator) InvalidateSubject(ctx context.Context, subject string) (int, error) {
	c.backoff.clearSubject(subject)
	return c.store.DeleteSubject(ctx, subject)
}

// InBackoff reports whether key is cooling down after a rate limit.
func (c *Coordinator) InBackoff(key models.CacheKey) bool {
	_, ok := c.backoff.active(key)
	return ok
}

// InFlight returns the number of running refreshes.
func (c *Coordinator) InFlight() int {
	return c.tickets.inFlight()
}

// Queued returns how many refreshes wait for a slot of the named budget.
func (c *Coordinator) Queued(budget string) int {
	return c.admission.queued(budget)
}

// Metrics exposes the coordinator counters.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// Close cancels pending refreshes and waits for running ones to finish.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stop()
	c.tickets.cancelAll()
	c.wg.Wait()
	return nil
}

// lookup reads the store, mapping ErrNotFound to a nil entry.
func (c *Coordinator) lookup(ctx context.Context, key models.CacheKey) (*models.CacheEntry, error) {
	entry, err := c.store.Get(ctx, key)
	if errors.Is(err, synerr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, synerr.NewStorageError("get", key.String(), err)
	}
	return entry, nil
}

// fallback serves the last stored entry as degraded, or reports no data.
func fallback(key models.CacheKey, entry *models.CacheEntry, cause error) *models.CacheResult {
	if entry != nil {
		if items, err := models.DecodeCollection(entry.Payload); err == nil {
			return &models.CacheResult{
				Key:        key,
				Status:     models.StatusDegraded,
				Source:     models.SourceCache,
				Items:      items,
				Entry:      entry,
				UpdateType: models.UpdateNone,
				Err:        cause,
			}
		}
	}
	return &models.CacheResult{
		Key:        key,
		Status:     models.StatusUnavailable,
		Source:     models.SourceNone,
		UpdateType: models.UpdateNone,
		Err:        cause,
	}
}

// cloneResult gives each waiter its own result value over shared items.
func cloneResult(r *models.CacheResult) *models.CacheResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Entry = r.Entry.Clone()
	return &out
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

type nopRecorder struct{}

func (nopRecorder) RecordHit(string, float64)                  {}
func (nopRecorder) RecordMiss(string, float64)                 {}
func (nopRecorder) RecordWrite(string, int, models.UpdateType) {}
