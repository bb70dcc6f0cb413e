// Package cachemanager is the Encore service in front of the sync cache
// engine. Assistant screens resolve (subject, resource, window) lines through
// it; it owns the shared store, publishes refresh outcomes and keeps every
// instance's backoff state in line with invalidations.
//
// Design Choices:
//   - One engine.CacheEngine per process, built once by initService and shared by reference.
//   - Upstream clients register a Fetcher per resource; a resource without one
//     resolves to cached data (Degraded) or Unavailable, never to an API error.
//   - The store defaults to the Encore-managed database so instances share cache lines.
//     SQLite and memory backends are selectable for on-device and test deployments.
//   - Single-flight and backoff are per-process. Invalidation events carry the
//     publishing instance id so an instance skips its own broadcasts.
//
// Performance Characteristics:
//   - Fresh hit: one store read plus a stats update, no upstream call
//   - Miss: one upstream call per key per process, however many callers are waiting
//   - Refresh events are published from the ticket goroutine, off the caller's path
package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"assistantsync.app/pkg/cachestore"
	"assistantsync.app/pkg/engine"
	"assistantsync.app/pkg/models"
	events "assistantsync.app/pkg/pubsub"
	"assistantsync.app/pkg/registry"
	"assistantsync.app/pkg/synerr"
)

// cacheDB holds cache lines and subject stats shared by all instances.
var cacheDB = sqldb.NewDatabase("assistant_cache", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// Backend names accepted by SYNC_BACKEND.
const (
	BackendSQLDB  = "sqldb"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Service wraps the engine with upstream fetchers and event publishing.
//
//encore:service
type Service struct {
	engine     *engine.CacheEngine
	backend    cachestore.Backend
	ownBackend bool
	publisher  eventPublisher
	config     Config
	instanceID string

	mu       sync.RWMutex
	fetchers map[models.ResourceType]Fetcher

	metrics *Metrics
}

// Config holds runtime configuration for the cache manager.
type Config struct {
	Engine engine.Config

	// Backend selects the store: sqldb, sqlite (needs SYNC_SQLITE_PATH) or memory.
	Backend string `env:"SYNC_BACKEND" envDefault:"sqldb"`
	// PublishTimeout bounds one event publish from a refresh hook.
	PublishTimeout time.Duration `env:"SYNC_PUBLISH_TIMEOUT" envDefault:"5s"`
}

// DefaultConfig returns the configuration used when no environment overrides are set.
func DefaultConfig() Config {
	return Config{
		Engine:         engine.DefaultConfig(),
		Backend:        BackendSQLDB,
		PublishTimeout: 5 * time.Second,
	}
}

// LoadConfig reads the service and engine configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the backend selection.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLDB, BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Engine.SQLitePath) == "" {
			return errors.New("sqlite backend requires SYNC_SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.PublishTimeout <= 0 {
		return errors.New("publish timeout must be positive")
	}
	return c.Engine.Validate()
}

// Fetcher loads the current upstream collection for one cache line.
type Fetcher interface {
	Fetch(ctx context.Context, key models.CacheKey) (models.Collection, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key models.CacheKey) (models.Collection, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, key models.CacheKey) (models.Collection, error) {
	return f(ctx, key)
}

// Metrics tracks service-level counters. Cache hit/miss accounting lives in the engine.
type Metrics struct {
	Resolves            atomic.Int64
	ResolveErrors       atomic.Int64
	Invalidated         atomic.Int64
	RemoteInvalidations atomic.Int64
	RefreshEvents       atomic.Int64
	PublishErrors       atomic.Int64
	MissingFetcherCalls atomic.Int64
	StatsFlushes        atomic.Int64
	StatsFlushFailures  atomic.Int64
}

var (
	// Global service instance (initialized by initService)
	svc     *Service
	once    sync.Once
	initErr error
)

// initService builds the service from the environment.
func initService() (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("cache-manager config: %w", err)
	}

	var (
		backend cachestore.Backend
		owned   bool
	)
	switch cfg.Backend {
	case BackendSQLite:
		backend, err = cachestore.OpenSQLite(cfg.Engine.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		owned = true
	case BackendMemory:
		backend = cachestore.NewMemoryStore(cfg.Engine.L1MaxEntries)
	default:
		backend = cachestore.NewSQLDBStore(cacheDB)
	}

	s, err := newService(cfg, registry.Default(), backend, topicPublisher{},
		engine.WithMeter(otel.Meter("assistantsync.app/cache-manager")),
		engine.WithLogger(rlogLogger{}))
	if err != nil {
		if owned {
			_ = backend.Close()
		}
		return nil, err
	}
	s.ownBackend = owned

	rlog.Info("cache-manager started", "backend", cfg.Backend, "instance", s.instanceID)
	return s, nil
}

// rlogLogger sends engine diagnostics to the Encore request log.
type rlogLogger struct{}

func (rlogLogger) Warn(msg string, keysAndValues ...any)  { rlog.Warn(msg, keysAndValues...) }
func (rlogLogger) Error(msg string, keysAndValues ...any) { rlog.Error(msg, keysAndValues...) }

// getService returns the process-wide service, building it on first use.
func getService() (*Service, error) {
	once.Do(func() {
		svc, initErr = initService()
	})
	if initErr != nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "cache-manager not initialized: " + initErr.Error()}
	}
	return svc, nil
}

func newService(cfg Config, reg *registry.Registry, backend cachestore.Backend, pub eventPublisher, opts ...engine.Option) (*Service, error) {
	s := &Service{
		backend:    backend,
		publisher:  pub,
		config:     cfg,
		instanceID: uuid.NewString(),
		fetchers:   make(map[models.ResourceType]Fetcher),
		metrics:    &Metrics{},
	}
	opts = append(opts, engine.WithRefreshHook(s.publishRefresh))
	eng, err := engine.New(cfg.Engine, reg, backend, opts...)
	if err != nil {
		return nil, err
	}
	s.engine = eng
	return s, nil
}

// RegisterFetcher installs the upstream client for a resource type on the
// process-wide service.
func RegisterFetcher(resource models.ResourceType, f Fetcher) error {
	s, err := getService()
	if err != nil {
		return err
	}
	return s.RegisterFetcher(resource, f)
}

// RegisterFetcher installs the upstream client for a resource type.
func (s *Service) RegisterFetcher(resource models.ResourceType, f Fetcher) error {
	if f == nil {
		return errors.New("fetcher cannot be nil")
	}
	if _, err := s.engine.Registry().Lookup(resource); err != nil {
		return err
	}
	s.mu.Lock()
	s.fetchers[resource] = f
	s.mu.Unlock()
	return nil
}

// fetchFor binds the registered fetcher to one key.
func (s *Service) fetchFor(key models.CacheKey) engine.FetchFunc {
	s.mu.RLock()
	f := s.fetchers[key.Resource]
	s.mu.RUnlock()

	if f == nil {
		return func(context.Context) (models.Collection, error) {
			s.metrics.MissingFetcherCalls.Add(1)
			return nil, synerr.Transient(fmt.Errorf("no fetcher registered for %s", key.Resource))
		}
	}
	return func(ctx context.Context) (models.Collection, error) {
		return f.Fetch(ctx, key)
	}
}

// Request and response types for API endpoints.

// KeyRef names one cache line in API payloads.
type KeyRef struct {
	Subject  string `json:"subject"`
	Resource string `json:"resource"`
	Window   string `json:"window"`
}

func (r KeyRef) cacheKey() (models.CacheKey, error) {
	return models.NewCacheKey(r.Subject, models.ResourceType(r.Resource), models.WindowID(r.Window))
}

func keyRef(k models.CacheKey) KeyRef {
	return KeyRef{Subject: k.Subject, Resource: string(k.Resource), Window: string(k.Window)}
}

type ResolveRequest struct {
	Subject      string `json:"subject"`
	Resource     string `json:"resource"`
	Window       string `json:"window"`
	ForceRefresh bool   `json:"force_refresh"`
}

type ResolveResponse struct {
	Key        KeyRef           `json:"key"`
	Status     string           `json:"status"` // fresh, stale, degraded, unavailable
	Source     string           `json:"source"` // cache, upstream, none
	UpdateType string           `json:"update_type,omitempty"`
	Items      []map[string]any `json:"items"`
	ItemCount  int              `json:"item_count"`
	Version    uint64           `json:"version,omitempty"`
	SyncedAt   *time.Time       `json:"synced_at,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	// Error names the upstream failure behind a degraded or unavailable result.
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type InvalidateRequest struct {
	Keys    []KeyRef `json:"keys,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Pattern string   `json:"pattern,omitempty"` // e.g. "u1|email|*"
	Reason  string   `json:"reason,omitempty"`
}

type InvalidateResponse struct {
	Invalidated int  `json:"invalidated"`
	Success     bool `json:"success"`
}

type StatsResponse struct {
	Subject           string     `json:"subject"`
	Hits              uint64     `json:"hits"`
	Misses            uint64     `json:"misses"`
	HitRate           float64    `json:"hit_rate"`
	Writes            uint64     `json:"writes"`
	TotalItemsCached  uint64     `json:"total_items_cached"`
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
	LastUpdateType    string     `json:"last_update_type,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

type PrefetchRequest struct {
	Keys []KeyRef `json:"keys"`
}

type PrefetchResult struct {
	Key       KeyRef `json:"key"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type PrefetchResponse struct {
	Results []PrefetchResult `json:"results"`
	Warmed  int              `json:"warmed"`
	Failed  int              `json:"failed"`
}

type StatusResponse struct {
	InstanceID    string         `json:"instance_id"`
	Backend       string         `json:"backend"`
	InFlight      int            `json:"in_flight"`
	Queued        map[string]int `json:"queued"`
	Fetches       int64          `json:"fetches"`
	Joined        int64          `json:"joined"`
	Writes        int64          `json:"writes"`
	NoOps         int64          `json:"no_ops"`
	RateLimited   int64          `json:"rate_limited"`
	Failures      int64          `json:"failures"`
	Degraded      int64          `json:"degraded"`
	StaleServed   int64          `json:"stale_served"`
	BackoffServed int64          `json:"backoff_served"`
	Resolves      int64          `json:"resolves"`
	PublishErrors int64          `json:"publish_errors"`
}

// Resolve returns fresh-or-cached data for one cache line.
// Upstream failures come back as a degraded or unavailable response, not an error.
//
//encore:api public method=POST path=/api/sync/resolve
func Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	s, err := getService()
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, req)
}

func (s *Service) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	key, err := models.NewCacheKey(req.Subject, models.ResourceType(req.Resource), models.WindowID(req.Window))
	if err != nil {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	}

	s.metrics.Resolves.Add(1)
	res, err := s.engine.Resolve(ctx, key, req.ForceRefresh, s.fetchFor(key))
	if err != nil {
		s.metrics.ResolveErrors.Add(1)
		return nil, toAPIError(err)
	}
	return toResolveResponse(res), nil
}

func toResolveResponse(res *models.CacheResult) *ResolveResponse {
	resp := &ResolveResponse{
		Key:        keyRef(res.Key),
		Status:     string(res.Status),
		Source:     string(res.Source),
		UpdateType: string(res.UpdateType),
		Items:      make([]map[string]any, 0, len(res.Items)),
		ItemCount:  len(res.Items),
	}
	for _, it := range res.Items {
		resp.Items = append(resp.Items, map[string]any(it))
	}
	if res.Entry != nil {
		synced, expires := res.Entry.LastSyncedAt, res.Entry.ExpiresAt
		resp.Version = res.Entry.Version
		resp.SyncedAt = &synced
		resp.ExpiresAt = &expires
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
		var uerr *synerr.UpstreamError
		if errors.As(res.Err, &uerr) {
			resp.ErrorKind = uerr.Kind.String()
		}
	}
	return resp
}

// Invalidate clears cache lines by key, subject or pattern and broadcasts the
// invalidation to the other instances.
//
//encore:api public method=POST path=/api/sync/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	s, err := getService()
	if err != nil {
		return nil, err
	}
	return s.Invalidate(ctx, req)
}

func (s *Service) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if len(req.Keys) == 0 && req.Subject == "" && req.Pattern == "" {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "at least one of keys, subject or pattern must be set"}
	}
	keys := make([]models.CacheKey, 0, len(req.Keys))
	for _, ref := range req.Keys {
		k, err := ref.cacheKey()
		if err != nil {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
		}
		keys = append(keys, k)
	}

	count := 0
	cleared := make([]string, 0, len(keys))
	for _, k := range keys {
		ok, err := s.engine.Invalidate(ctx, k)
		if err != nil {
			return nil, toAPIError(err)
		}
		if ok {
			count++
		}
		cleared = append(cleared, k.String())
	}
	if req.Subject != "" {
		n, err := s.engine.InvalidateSubject(ctx, req.Subject)
		if err != nil {
			return nil, toAPIError(err)
		}
		count += n
	}
	if req.Pattern != "" {
		deleted, err := s.engine.InvalidatePattern(ctx, req.Pattern)
		if err != nil {
			if synerr.IsStorage(err) {
				return nil, toAPIError(err)
			}
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
		}
		count += len(deleted)
	}
	s.metrics.Invalidated.Add(int64(count))

	// Broadcast even when nothing was deleted here: the shared store may
	// already be clean while other instances still hold backoff state.
	event := s.invalidationEvent(cleared, req.Subject, req.Pattern, req.Reason)
	if err := s.publisher.PublishInvalidation(ctx, event); err != nil {
		s.metrics.PublishErrors.Add(1)
		rlog.Warn("publishing invalidation failed", "request_id", event.RequestID, "err", err)
	}

	return &InvalidateResponse{Invalidated: count, Success: true}, nil
}

func (s *Service) invalidationEvent(keys []string, subject, pattern, reason string) *events.InvalidationEvent {
	meta := map[string]string{"instance": s.instanceID}
	if reason != "" {
		meta["reason"] = reason
	}
	return &events.InvalidationEvent{
		Version:     events.EventVersion1,
		Service:     "cache-manager",
		Keys:        keys,
		Subject:     subject,
		Pattern:     pattern,
		TriggeredAt: time.Now(),
		Meta:        meta,
		RequestID:   uuid.NewString(),
	}
}

// GetStats returns the stats aggregate of one subject.
//
//encore:api public method=GET path=/api/sync/stats/:subject
func GetStats(ctx context.Context, subject string) (*StatsResponse, error) {
	s, err := getService()
	if err != nil {
		return nil, err
	}
	return s.GetStats(ctx, subject)
}

func (s *Service) GetStats(ctx context.Context, subject string) (*StatsResponse, error) {
	if subject == "" {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "subject is required"}
	}
	st := s.engine.StatsSnapshot(subject)
	resp := &StatsResponse{
		Subject:           subject,
		Hits:              st.Hits,
		Misses:            st.Misses,
		HitRate:           st.HitRate(),
		Writes:            st.Writes,
		TotalItemsCached:  st.TotalItemsCached,
		AvgResponseTimeMs: st.AvgResponseTimeMs,
		LastUpdateType:    string(st.LastUpdateType),
	}
	if !st.UpdatedAt.IsZero() {
		updated := st.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp, nil
}

// ResetStats zeroes the stats aggregate of one subject.
//
//encore:api public method=POST path=/api/sync/stats/:subject/reset
func ResetStats(ctx context.Context, subject string) error {
	s, err := getService()
	if err != nil {
		return err
	}
	return s.ResetStats(ctx, subject)
}

func (s *Service) ResetStats(ctx context.Context, subject string) error {
	if subject == "" {
		return &errs.Error{Code: errs.InvalidArgument, Message: "subject is required"}
	}
	s.engine.ResetStats(subject)
	return nil
}

// Prefetch warms cache lines in the background order of their sync priority.
// Called by the warming service.
//
//encore:api private method=POST path=/api/sync/prefetch
func Prefetch(ctx context.Context, req *PrefetchRequest) (*PrefetchResponse, error) {
	s, err := getService()
	if err != nil {
		return nil, err
	}
	return s.Prefetch(ctx, req)
}

func (s *Service) Prefetch(ctx context.Context, req *PrefetchRequest) (*PrefetchResponse, error) {
	reqs := make([]engine.PrefetchRequest, 0, len(req.Keys))
	for _, ref := range req.Keys {
		k, err := ref.cacheKey()
		if err != nil {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
		}
		reqs = append(reqs, engine.PrefetchRequest{Key: k, Fetch: s.fetchFor(k)})
	}

	resp := &PrefetchResponse{Results: make([]PrefetchResult, 0, len(reqs))}
	for _, out := range s.engine.Prefetch(ctx, reqs) {
		r := PrefetchResult{Key: keyRef(out.Key), Status: string(out.Status)}
		if out.Err != nil {
			r.Error = out.Err.Error()
			r.ErrorKind = errorKind(out.Err)
			resp.Failed++
		} else {
			resp.Warmed++
		}
		resp.Results = append(resp.Results, r)
	}
	return resp, nil
}

// Status reports refresh activity of this instance.
//
//encore:api public method=GET path=/api/sync/status
func Status(ctx context.Context) (*StatusResponse, error) {
	s, err := getService()
	if err != nil {
		return nil, err
	}
	return s.Status(ctx)
}

func (s *Service) Status(ctx context.Context) (*StatusResponse, error) {
	coord := s.engine.Coordinator()
	m := coord.Metrics()

	queued := make(map[string]int)
	for _, b := range s.engine.Registry().Budgets() {
		queued[b] = coord.Queued(b)
	}

	return &StatusResponse{
		InstanceID:    s.instanceID,
		Backend:       s.config.Backend,
		InFlight:      coord.InFlight(),
		Queued:        queued,
		Fetches:       m.Fetches.Load(),
		Joined:        m.Joined.Load(),
		Writes:        m.Writes.Load(),
		NoOps:         m.NoOps.Load(),
		RateLimited:   m.RateLimited.Load(),
		Failures:      m.Failures.Load(),
		Degraded:      m.Degraded.Load(),
		StaleServed:   m.StaleServed.Load(),
		BackoffServed: m.BackoffServed.Load(),
		Resolves:      s.metrics.Resolves.Load(),
		PublishErrors: s.metrics.PublishErrors.Load(),
	}, nil
}

// toAPIError maps engine errors onto Encore error codes.
func toAPIError(err error) error {
	switch {
	case synerr.IsConfiguration(err):
		return &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	case synerr.IsStorage(err):
		return &errs.Error{Code: errs.Unavailable, Message: err.Error()}
	case errors.Is(err, synerr.ErrClosed):
		return &errs.Error{Code: errs.Unavailable, Message: "cache engine is shutting down"}
	case errors.Is(err, context.Canceled):
		return &errs.Error{Code: errs.Canceled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &errs.Error{Code: errs.DeadlineExceeded, Message: err.Error()}
	default:
		return &errs.Error{Code: errs.Internal, Message: err.Error()}
	}
}

// Shutdown stops refreshes, flushes stats and closes a backend the service opened.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.engine.Close(ctx)
	if s.ownBackend {
		err = errors.Join(err, s.backend.Close())
	}
	return err
}
