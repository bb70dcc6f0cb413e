// Package engine exposes the sync cache as one explicitly constructed
// CacheEngine. A process builds one engine at startup and shares it by
// reference; there is no package-level state.
//
// The query surface is Resolve, Invalidate and StatsSnapshot. The rest
// (InvalidateSubject, InvalidatePattern, Prefetch, FlushStats) serves the
// service layer and background jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"assistantsync.app/pkg/cachestore"
	"assistantsync.app/pkg/coordinator"
	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/registry"
	"assistantsync.app/pkg/stats"
	"assistantsync.app/pkg/utils"
)

// FetchFunc is the per-call upstream collaborator.
type FetchFunc = coordinator.FetchFunc

// Option configures a CacheEngine.
type Option func(*options)

type options struct {
	now       func() time.Time
	meter     metric.Meter
	onRefresh func(coordinator.RefreshReport)
	log       coordinator.Logger
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMeter exports stats instruments through meter instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithRefreshHook observes every finished refresh.
func WithRefreshHook(fn func(coordinator.RefreshReport)) Option {
	return func(o *options) { o.onRefresh = fn }
}

// WithLogger routes engine and coordinator warnings to l. Without it they
// are discarded.
func WithLogger(l coordinator.Logger) Option {
	return func(o *options) { o.log = l }
}

// CacheEngine wires the store, registry, coordinator and stats together.
type CacheEngine struct {
	cfg      Config
	registry *registry.Registry
	backend  cachestore.Backend
	coord    *coordinator.Coordinator
	stats    *stats.Aggregator
	log      coordinator.Logger
	owned    bool // backend opened by Open and closed by Close
}

// New builds an engine over a caller-owned backend.
func New(cfg Config, reg *registry.Registry, backend cachestore.Backend, opts ...Option) (*CacheEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if reg == nil {
		return nil, errors.New("engine: registry is required")
	}
	if backend == nil {
		return nil, errors.New("engine: backend is required")
	}

	o := options{now: time.Now, log: coordinator.NopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}

	statOpts := []stats.Option{stats.WithStore(backend), stats.WithClock(o.now)}
	if o.meter != nil {
		inst, err := stats.NewInstruments(o.meter)
		if err != nil {
			return nil, fmt.Errorf("engine instruments: %w", err)
		}
		statOpts = append(statOpts, stats.WithInstruments(inst))
	}
	agg := stats.New(statOpts...)

	if o.log == nil {
		o.log = coordinator.NopLogger{}
	}
	coordOpts := []coordinator.Option{coordinator.WithClock(o.now), coordinator.WithLogger(o.log)}
	if o.onRefresh != nil {
		coordOpts = append(coordOpts, coordinator.WithRefreshHook(o.onRefresh))
	}
	coord, err := coordinator.New(cfg.Coordinator, backend, reg, agg, coordOpts...)
	if err != nil {
		return nil, err
	}

	return &CacheEngine{
		cfg:      cfg,
		registry: reg,
		backend:  backend,
		coord:    coord,
		stats:    agg,
		log:      o.log,
	}, nil
}

// Open builds an engine with the backend selected by cfg: SQLite when
// SQLitePath is set, otherwise a memory store (unbounded unless
// L1MaxEntries is set).
func Open(cfg Config, reg *registry.Registry, opts ...Option) (*CacheEngine, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	e, err := New(cfg, reg, backend, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	e.owned = true
	return e, nil
}

func openBackend(cfg Config) (cachestore.Backend, error) {
	if cfg.SQLitePath != "" {
		s, err := cachestore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		return s, nil
	}
	return cachestore.NewMemoryStore(cfg.L1MaxEntries), nil
}

// Resolve returns fresh-or-cached data for key. See coordinator.Resolve for
// how upstream failures are reported.
func (e *CacheEngine) Resolve(ctx context.Context, key models.CacheKey, forceRefresh bool, fetch FetchFunc) (*models.CacheResult, error) {
	if err := e.stats.Load(ctx, key.Subject); err != nil {
		// stats rows are advisory; the resolve itself must not fail on them
		e.log.Warn("loading subject stats failed", "subject", key.Subject, "err", err)
	}
	return e.coord.Resolve(ctx, key, forceRefresh, fetch)
}

// Invalidate deletes one cache line.
func (e *CacheEngine) Invalidate(ctx context.Context, key models.CacheKey) (bool, error) {
	return e.coord.Invalidate(ctx, key)
}

// InvalidateSubject deletes every cache line of a subject, as after a data re-import.
func (e *CacheEngine) InvalidateSubject(ctx context.Context, subject string) (int, error) {
	if subject == "" {
		return 0, errors.New("subject is required")
	}
	return e.coord.InvalidateSubject(ctx, subject)
}

// InvalidatePattern deletes the lines of one subject matching a
// "subject|resource|window" glob. The subject part must be literal.
func (e *CacheEngine) InvalidatePattern(ctx context.Context, pattern string) ([]models.CacheKey, error) {
	p, err := utils.ParseKeyPattern(pattern)
	if err != nil {
		return nil, err
	}
	if !p.LiteralSubject() {
		return nil, fmt.Errorf("pattern %q: subject must be literal", pattern)
	}

	keys, err := e.backend.Keys(ctx, p.Subject)
	if err != nil {
		return nil, err
	}
	matched, err := utils.FilterKeys(p, keys)
	if err != nil {
		return nil, err
	}
	if p.SubjectOnly() {
		if _, err := e.coord.InvalidateSubject(ctx, p.Subject); err != nil {
			return nil, err
		}
		return matched, nil
	}

	deleted := make([]models.CacheKey, 0, len(matched))
	for _, k := range matched {
		ok, err := e.coord.Invalidate(ctx, k)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, k)
		}
	}
	return deleted, nil
}

// StatsSnapshot returns the subject's aggregate.
func (e *CacheEngine) StatsSnapshot(subject string) models.Stats {
	return e.stats.Snapshot(subject)
}

// ResetStats zeroes a subject's aggregate.
func (e *CacheEngine) ResetStats(subject string) {
	e.stats.Reset(subject)
}

// FlushStats persists stats changed since the previous flush.
func (e *CacheEngine) FlushStats(ctx context.Context) (int, error) {
	return e.stats.Flush(ctx)
}

// PrefetchRequest asks for one key to be warmed.
type PrefetchRequest struct {
	Key   models.CacheKey
	Fetch FetchFunc
}

// PrefetchOutcome is what happened to one PrefetchRequest.
type PrefetchOutcome struct {
	Key    models.CacheKey
	Status models.ResultStatus
	Err    error
}

// Prefetch resolves keys ahead of need, highest sync priority first, with at
// most PrefetchConcurrency resolves in flight. Valid lines are left alone.
// Outcomes are returned in request order.
func (e *CacheEngine) Prefetch(ctx context.Context, reqs []PrefetchRequest) []PrefetchOutcome {
	out := make([]PrefetchOutcome, len(reqs))
	order := make([]int, len(reqs))
	prio := make([]registry.SyncPriority, len(reqs))
	for i, r := range reqs {
		order[i] = i
		out[i].Key = r.Key
		if s, err := e.registry.Lookup(r.Key.Resource); err == nil {
			prio[i] = s.Priority
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return prio[order[a]] > prio[order[b]] })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PrefetchConcurrency)
	for _, i := range order {
		g.Go(func() error {
			res, err := e.Resolve(gctx, reqs[i].Key, false, reqs[i].Fetch)
			if err != nil {
				out[i].Err = err
				// one failed key does not cancel the others
				return nil
			}
			out[i].Status = res.Status
			out[i].Err = res.Err
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Registry returns the strategies the engine was built with.
func (e *CacheEngine) Registry() *registry.Registry {
	return e.registry
}

// Coordinator exposes refresh state for monitoring.
func (e *CacheEngine) Coordinator() *coordinator.Coordinator {
	return e.coord
}

// Close stops refreshes, flushes stats and, when Open created it, closes the backend.
func (e *CacheEngine) Close(ctx context.Context) error {
	err := e.coord.Close()
	if _, ferr := e.stats.Flush(ctx); ferr != nil {
		err = errors.Join(err, ferr)
	}
	if e.owned {
		err = errors.Join(err, e.backend.Close())
	}
	return err
}
