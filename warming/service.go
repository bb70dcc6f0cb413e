// Package warming prefetches cache lines before an assistant screen asks
// for them, so the morning briefing opens on fresh email and calendar data.
//
// Design Philosophy:
// - Learn what to warm from refresh outcomes published by cache-manager
// - Multiple planning strategies (selective, breadth-first, priority-based)
// - Rate limiting and a pause on upstream rate limits, interactive reads keep the budget
// - Worker pool for concurrent warming with per-line deduplication
// - Every run ends with one prefetch-completed event
//
// Performance Characteristics:
// - Worker pool processes N tasks concurrently (WARM_CONCURRENT_WARMERS)
// - Rate limiter bounds prefetch calls per second (WARM_MAX_ORIGIN_RPS)
// - Lines that are still valid cost one store read in cache-manager
//
// Trade-offs:
// - In-memory queue; a dropped task is picked up by the next scheduled run
// - Heuristic predictor, state is per instance and lost on restart
package warming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/pubsub"
	"encore.dev/rlog"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	cachemanager "assistantsync.app/cache-manager"
	"assistantsync.app/pkg/models"
	events "assistantsync.app/pkg/pubsub"
	"assistantsync.app/pkg/registry"
)

//encore:service
type Service struct {
	config      Config
	registry    *registry.Registry
	strategies  map[string]Strategy
	predictor   *DefaultPredictor
	cacheClient CacheClient
	publish     func(ctx context.Context, e *events.PrefetchCompletedEvent) error
	workerPool  *WorkerPool
	metrics     *Metrics
	rateLimiter *rate.Limiter
	deduper     singleflight.Group
	pausedUntil atomic.Int64 // unix nanoseconds, zero when not paused
	lastRun     *RunSummary
	now         func() time.Time
	mu          sync.RWMutex
}

// Config holds runtime configuration for the warming service.
type Config struct {
	MaxOriginRPS      int           `json:"max_origin_rps" env:"WARM_MAX_ORIGIN_RPS" envDefault:"20"`
	ConcurrentWarmers int           `json:"concurrent_warmers" env:"WARM_CONCURRENT_WARMERS" envDefault:"4"`
	QueueSize         int           `json:"queue_size" env:"WARM_QUEUE_SIZE" envDefault:"1000"`
	TaskTimeout       time.Duration `json:"task_timeout" env:"WARM_TASK_TIMEOUT" envDefault:"30s"`
	RetryAttempts     int           `json:"retry_attempts" env:"WARM_RETRY_ATTEMPTS" envDefault:"2"`
	BackoffBase       time.Duration `json:"backoff_base" env:"WARM_BACKOFF_BASE" envDefault:"200ms"`
	RateLimitPause    time.Duration `json:"rate_limit_pause" env:"WARM_RATE_LIMIT_PAUSE" envDefault:"5m"` // Warming stops this long after an upstream rate limit
	DefaultStrategy   string        `json:"default_strategy" env:"WARM_DEFAULT_STRATEGY" envDefault:"priority"`
	DefaultWindow     string        `json:"default_window" env:"WARM_DEFAULT_WINDOW" envDefault:"today"`
	PredictWindow     time.Duration `json:"predict_window" env:"WARM_PREDICT_WINDOW" envDefault:"1h"`
	PredictLimit      int           `json:"predict_limit" env:"WARM_PREDICT_LIMIT" envDefault:"100"`
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	return Config{
		MaxOriginRPS:      20,
		ConcurrentWarmers: 4,
		QueueSize:         1000,
		TaskTimeout:       30 * time.Second,
		RetryAttempts:     2,
		BackoffBase:       200 * time.Millisecond,
		RateLimitPause:    5 * time.Minute,
		DefaultStrategy:   "priority",
		DefaultWindow:     "today",
		PredictWindow:     time.Hour,
		PredictLimit:      100,
	}
}

// LoadConfig reads the configuration from WARM_* environment variables.
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

// Validate checks limits and durations.
func (c Config) Validate() error {
	switch {
	case c.MaxOriginRPS <= 0:
		return errors.New("max origin rps must be positive")
	case c.ConcurrentWarmers <= 0:
		return errors.New("concurrent warmers must be positive")
	case c.QueueSize <= 0:
		return errors.New("queue size must be positive")
	case c.TaskTimeout <= 0:
		return errors.New("task timeout must be positive")
	case c.RetryAttempts < 0:
		return errors.New("retry attempts cannot be negative")
	case c.BackoffBase <= 0:
		return errors.New("backoff base must be positive")
	case c.RateLimitPause < 0:
		return errors.New("rate limit pause cannot be negative")
	case c.DefaultWindow == "":
		return errors.New("default window cannot be empty")
	case c.PredictWindow <= 0:
		return errors.New("predict window must be positive")
	case c.PredictLimit <= 0:
		return errors.New("predict limit must be positive")
	}
	return nil
}

// Metrics tracks warming service performance.
type Metrics struct {
	RunsTotal     atomic.Int64
	TasksQueued   atomic.Int64
	SuccessTotal  atomic.Int64
	FailureTotal  atomic.Int64
	Prefetches    atomic.Int64
	Deduplicated  atomic.Int64
	Retries       atomic.Int64
	Dropped       atomic.Int64
	Skipped       atomic.Int64 // Tasks not run while paused
	RateLimitHits atomic.Int64
	Pauses        atomic.Int64
	Accesses      atomic.Int64
	PublishErrors atomic.Int64
	TotalDuration atomic.Int64 // Cumulative milliseconds
}

// CacheClient abstracts the cache-manager API for warming.
type CacheClient interface {
	Prefetch(ctx context.Context, req *cachemanager.PrefetchRequest) (*cachemanager.PrefetchResponse, error)
}

// cacheManagerClient calls the cache-manager service.
type cacheManagerClient struct{}

func (cacheManagerClient) Prefetch(ctx context.Context, req *cachemanager.PrefetchRequest) (*cachemanager.PrefetchResponse, error) {
	return cachemanager.Prefetch(ctx, req)
}

// PrefetchCompletedTopic carries the outcome of every warming run.
var PrefetchCompletedTopic = pubsub.NewTopic[*events.PrefetchCompletedEvent](
	"prefetch-completed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

func publishToTopic(ctx context.Context, e *events.PrefetchCompletedEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := PrefetchCompletedTopic.Publish(ctx, e)
	return err
}

// Request and response types

type WarmKeysRequest struct {
	Keys     []cachemanager.KeyRef `json:"keys"`
	Priority int                   `json:"priority,omitempty"` // 0-100, zero lets the strategy decide
	Strategy string                `json:"strategy,omitempty"`
}

type WarmSubjectRequest struct {
	Subject   string   `json:"subject"`
	Window    string   `json:"window,omitempty"`    // Defaults to WARM_DEFAULT_WINDOW
	Resources []string `json:"resources,omitempty"` // Defaults to every registered resource
	Strategy  string   `json:"strategy,omitempty"`
}

type TriggerRequest struct {
	Strategy string `json:"strategy,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type WarmResponse struct {
	JobID    string   `json:"job_id,omitempty"`
	Strategy string   `json:"strategy"`
	Planned  int      `json:"planned"`
	Queued   int      `json:"queued"`
	Keys     []string `json:"keys"`
}

// RunSummary describes the last finished warming run.
type RunSummary struct {
	JobID       string        `json:"job_id"`
	Strategy    string        `json:"strategy"`
	Status      string        `json:"status"`
	Warmed      int           `json:"warmed"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

type StatusResponse struct {
	ActiveTasks int             `json:"active_tasks"`
	QueuedTasks int             `json:"queued_tasks"`
	Workers     []WorkerStatus  `json:"workers"`
	Paused      bool            `json:"paused"`
	PausedUntil *time.Time      `json:"paused_until,omitempty"`
	Predictor   PredictorStats  `json:"predictor"`
	LastRun     *RunSummary     `json:"last_run,omitempty"`
	Metrics     MetricsSnapshot `json:"metrics"`
}

type WorkerStatus struct {
	ID         int        `json:"id"`
	State      string     `json:"state"` // "idle", "busy", "stopped"
	CurrentKey string     `json:"current_key,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

type MetricsSnapshot struct {
	RunsTotal     int64   `json:"runs_total"`
	TasksQueued   int64   `json:"tasks_queued"`
	SuccessTotal  int64   `json:"success_total"`
	FailureTotal  int64   `json:"failure_total"`
	SuccessRate   float64 `json:"success_rate"`
	Prefetches    int64   `json:"prefetches"`
	Deduplicated  int64   `json:"deduplicated"`
	Retries       int64   `json:"retries"`
	Dropped       int64   `json:"dropped"`
	Skipped       int64   `json:"skipped"`
	RateLimitHits int64   `json:"rate_limit_hits"`
	Pauses        int64   `json:"pauses"`
	Accesses      int64   `json:"accesses_recorded"`
	PublishErrors int64   `json:"publish_errors"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

type ConfigResponse struct {
	Config Config `json:"config"`
}

type UpdateConfigRequest struct {
	MaxOriginRPS    *int   `json:"max_origin_rps,omitempty"`
	DefaultStrategy string `json:"default_strategy,omitempty"`
}

type ForgetResponse struct {
	Subject string `json:"subject"`
	Removed int    `json:"removed"`
}

// Global service instance
var svc *Service

// initService initializes the warming service from the environment.
func initService() (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return newService(cfg, registry.Default(), cacheManagerClient{}, publishToTopic), nil
}

func newService(cfg Config, reg *registry.Registry, client CacheClient, publish func(context.Context, *events.PrefetchCompletedEvent) error) *Service {
	s := &Service{
		config:   cfg,
		registry: reg,
		strategies: map[string]Strategy{
			"selective": NewSelectiveHotKeysStrategy(),
			"breadth":   NewBreadthFirstStrategy(),
			"priority":  NewPriorityBasedStrategy(reg),
		},
		predictor:   NewDefaultPredictor(),
		cacheClient: client,
		publish:     publish,
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.MaxOriginRPS), cfg.MaxOriginRPS),
		now:         time.Now,
	}
	s.workerPool = NewWorkerPool(s, cfg.ConcurrentWarmers, cfg.QueueSize)
	return s
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize warming service: %v", err))
	}
}

func serviceUnavailable() error {
	return &errs.Error{Code: errs.Unavailable, Message: "warming service not initialized"}
}

// WarmKeys warms specific cache lines.
//
//encore:api public method=POST path=/warm/keys
func WarmKeys(ctx context.Context, req *WarmKeysRequest) (*WarmResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.WarmKeys(ctx, req)
}

func (s *Service) WarmKeys(ctx context.Context, req *WarmKeysRequest) (*WarmResponse, error) {
	if len(req.Keys) == 0 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "keys cannot be empty"}
	}
	if req.Priority < 0 || req.Priority > 100 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "priority must be between 0 and 100"}
	}

	keys := make([]models.CacheKey, 0, len(req.Keys))
	seen := make(map[string]struct{}, len(req.Keys))
	for _, ref := range req.Keys {
		k, err := models.NewCacheKey(ref.Subject, models.ResourceType(ref.Resource), models.WindowID(ref.Window))
		if err != nil {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
		}
		if _, err := s.registry.Lookup(k.Resource); err != nil {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
		}
		if _, dup := seen[k.String()]; dup {
			continue
		}
		seen[k.String()] = struct{}{}
		keys = append(keys, k)
	}

	return s.warm(ctx, keys, req.Strategy, req.Priority, 0)
}

// WarmSubject warms every resource of one subject for a window.
//
//encore:api public method=POST path=/warm/subject
func WarmSubject(ctx context.Context, req *WarmSubjectRequest) (*WarmResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.WarmSubject(ctx, req)
}

func (s *Service) WarmSubject(ctx context.Context, req *WarmSubjectRequest) (*WarmResponse, error) {
	subject := strings.TrimSpace(req.Subject)
	if err := models.ValidateSubject(subject); err != nil {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	}

	window := req.Window
	if window == "" {
		window = s.config.DefaultWindow
	}

	resources := s.registry.Resources()
	if len(req.Resources) > 0 {
		resources = make([]models.ResourceType, 0, len(req.Resources))
		for _, r := range req.Resources {
			resources = append(resources, models.ResourceType(r))
		}
	}

	keys := make([]models.CacheKey, 0, len(resources))
	for _, r := range resources {
		if _, err := s.registry.Lookup(r); err != nil {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
		}
		k, err := models.NewCacheKey(subject, r, models.WindowID(window))
		if err != nil {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
		}
		keys = append(keys, k)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = "priority"
	}
	return s.warm(ctx, keys, strategy, 0, 0)
}

// TriggerPredictive warms the lines the predictor expects to be read next.
//
//encore:api public method=POST path=/warm/trigger-predictive
func TriggerPredictive(ctx context.Context, req *TriggerRequest) (*WarmResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.TriggerPredictive(ctx, req)
}

func (s *Service) TriggerPredictive(ctx context.Context, req *TriggerRequest) (*WarmResponse, error) {
	if req.Limit < 0 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "limit cannot be negative"}
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.config.PredictLimit
	}

	hotKeys, err := s.predictor.PredictHotKeys(ctx, s.config.PredictWindow, limit)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	return s.warm(ctx, hotKeys, req.Strategy, 0, limit)
}

// warm plans keys with the named strategy and queues the tasks as one run.
func (s *Service) warm(ctx context.Context, keys []models.CacheKey, strategyName string, priority, limit int) (*WarmResponse, error) {
	s.mu.RLock()
	if strategyName == "" {
		strategyName = s.config.DefaultStrategy
	}
	s.mu.RUnlock()

	strategy, exists := s.strategies[strategyName]
	if !exists {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: fmt.Sprintf("unknown strategy: %s", strategyName)}
	}

	resp := &WarmResponse{Strategy: strategyName, Keys: []string{}}
	if len(keys) == 0 {
		return resp, nil
	}
	if s.paused() {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "warming paused after an upstream rate limit"}
	}

	tasks, err := strategy.Plan(ctx, PlanOptions{Keys: keys, Priority: priority, Limit: limit})
	if err != nil {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: fmt.Sprintf("strategy planning failed: %v", err)}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})

	resp.Planned = len(tasks)
	for _, t := range tasks {
		resp.Keys = append(resp.Keys, t.Key.String())
	}
	if len(tasks) == 0 {
		return resp, nil
	}

	run := newWarmRun("warm-"+uuid.NewString(), strategyName, s.now())
	resp.JobID = run.id
	s.metrics.RunsTotal.Add(1)
	resp.Queued = s.workerPool.QueueTasks(run, tasks)
	s.metrics.TasksQueued.Add(int64(resp.Queued))

	rlog.Info("warming run queued", "job_id", run.id, "strategy", strategyName, "planned", resp.Planned, "queued", resp.Queued)
	return resp, nil
}

// GetStatus returns current warming service status and metrics.
//
//encore:api public method=GET path=/warm/status
func GetStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.GetStatus(ctx)
}

func (s *Service) GetStatus(ctx context.Context) (*StatusResponse, error) {
	m := s.metrics
	success := m.SuccessTotal.Load()
	failure := m.FailureTotal.Load()

	successRate := 0.0
	if total := success + failure; total > 0 {
		successRate = float64(success) / float64(total)
	}
	avgDuration := 0.0
	if success+failure > 0 {
		avgDuration = float64(m.TotalDuration.Load()) / float64(success+failure)
	}

	resp := &StatusResponse{
		ActiveTasks: s.workerPool.ActiveCount(),
		QueuedTasks: s.workerPool.QueueSize(),
		Workers:     s.workerPool.GetWorkerStatus(),
		Paused:      s.paused(),
		Predictor:   s.predictor.GetStats(),
		Metrics: MetricsSnapshot{
			RunsTotal:     m.RunsTotal.Load(),
			TasksQueued:   m.TasksQueued.Load(),
			SuccessTotal:  success,
			FailureTotal:  failure,
			SuccessRate:   successRate,
			Prefetches:    m.Prefetches.Load(),
			Deduplicated:  m.Deduplicated.Load(),
			Retries:       m.Retries.Load(),
			Dropped:       m.Dropped.Load(),
			Skipped:       m.Skipped.Load(),
			RateLimitHits: m.RateLimitHits.Load(),
			Pauses:        m.Pauses.Load(),
			Accesses:      m.Accesses.Load(),
			PublishErrors: m.PublishErrors.Load(),
			AvgDurationMs: avgDuration,
		},
	}
	if resp.Paused {
		until := time.Unix(0, s.pausedUntil.Load())
		resp.PausedUntil = &until
	}

	s.mu.RLock()
	if s.lastRun != nil {
		last := *s.lastRun
		resp.LastRun = &last
	}
	s.mu.RUnlock()
	return resp, nil
}

// Resume lifts a rate-limit pause before it expires.
//
//encore:api public method=POST path=/warm/resume
func Resume(ctx context.Context) error {
	if svc == nil {
		return serviceUnavailable()
	}
	svc.Resume()
	return nil
}

func (s *Service) Resume() {
	if s.pausedUntil.Swap(0) != 0 {
		rlog.Info("warming resumed")
	}
}

// ForgetSubject drops the access history of a subject, e.g. after sign-out.
//
//encore:api public method=POST path=/warm/forget/:subject
func ForgetSubject(ctx context.Context, subject string) (*ForgetResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.ForgetSubject(ctx, subject)
}

func (s *Service) ForgetSubject(ctx context.Context, subject string) (*ForgetResponse, error) {
	if err := models.ValidateSubject(subject); err != nil {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	}
	return &ForgetResponse{Subject: subject, Removed: s.predictor.Forget(subject)}, nil
}

// GetConfig returns current service configuration.
//
//encore:api public method=GET path=/warm/config
func GetConfig(ctx context.Context) (*ConfigResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.GetConfig(ctx)
}

func (s *Service) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &ConfigResponse{Config: s.config}, nil
}

// UpdateConfig updates the rate limit and default strategy at runtime.
//
//encore:api public method=POST path=/warm/config
func UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.UpdateConfig(ctx, req)
}

func (s *Service) UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.MaxOriginRPS != nil {
		if *req.MaxOriginRPS <= 0 {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: "max origin rps must be positive"}
		}
		s.config.MaxOriginRPS = *req.MaxOriginRPS
		s.rateLimiter.SetLimit(rate.Limit(*req.MaxOriginRPS))
		s.rateLimiter.SetBurst(*req.MaxOriginRPS)
	}
	if req.DefaultStrategy != "" {
		if _, exists := s.strategies[req.DefaultStrategy]; !exists {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: fmt.Sprintf("unknown strategy: %s", req.DefaultStrategy)}
		}
		s.config.DefaultStrategy = req.DefaultStrategy
	}
	return &ConfigResponse{Config: s.config}, nil
}

// Task execution

var (
	errWarmingPaused    = errors.New("warming paused after an upstream rate limit")
	errRetriesExhausted = errors.New("retries exhausted")
)

// taskError is a prefetch that cache-manager answered with an error.
type taskError struct {
	Key     models.CacheKey
	Kind    string // error kind reported by cache-manager
	Message string
}

func (e *taskError) Error() string {
	return fmt.Sprintf("prefetch %s failed (%s): %s", e.Key, e.Kind, e.Message)
}

// retryable reports whether another attempt at the same line can succeed.
// Rate limits pause warming instead; auth and malformed data need a human.
func retryable(err error) bool {
	var te *taskError
	if errors.As(err, &te) {
		return te.Kind == "transient" || te.Kind == "storage"
	}
	if errors.Is(err, errWarmingPaused) {
		return false
	}
	return errs.Code(err) != errs.InvalidArgument
}

// ExecuteWarmTask prefetches one line. Concurrent tasks for the same line
// share one prefetch call.
func (s *Service) ExecuteWarmTask(ctx context.Context, task WarmTask) error {
	if s.paused() {
		s.metrics.Skipped.Add(1)
		return errWarmingPaused
	}

	start := s.now()
	leader := false
	_, err, shared := s.deduper.Do(task.Key.String(), func() (interface{}, error) {
		leader = true
		return nil, s.prefetchLine(ctx, task.Key)
	})
	if shared && !leader {
		s.metrics.Deduplicated.Add(1)
	}
	s.metrics.TotalDuration.Add(s.now().Sub(start).Milliseconds())

	if err != nil {
		s.metrics.FailureTotal.Add(1)
		return err
	}
	s.metrics.SuccessTotal.Add(1)
	return nil
}

func (s *Service) prefetchLine(ctx context.Context, key models.CacheKey) error {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.metrics.RateLimitHits.Add(1)
		return &taskError{Key: key, Kind: "transient", Message: "rate limit: " + err.Error()}
	}

	s.metrics.Prefetches.Add(1)
	resp, err := s.cacheClient.Prefetch(ctx, &cachemanager.PrefetchRequest{
		Keys: []cachemanager.KeyRef{{Subject: key.Subject, Resource: string(key.Resource), Window: string(key.Window)}},
	})
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", key, err)
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("prefetch %s: empty response", key)
	}

	r := resp.Results[0]
	if r.Error == "" {
		return nil
	}
	if r.ErrorKind == "rate_limited" {
		s.pause()
	}
	return &taskError{Key: key, Kind: r.ErrorKind, Message: r.Error}
}

func (s *Service) paused() bool {
	until := s.pausedUntil.Load()
	return until != 0 && s.now().UnixNano() < until
}

func (s *Service) pause() {
	if s.config.RateLimitPause == 0 {
		return
	}
	until := s.now().Add(s.config.RateLimitPause)
	s.pausedUntil.Store(until.UnixNano())
	s.metrics.Pauses.Add(1)
	rlog.Warn("upstream rate limited, pausing warming", "until", until)
}

// Runs

// warmRun tracks the tasks of one WarmKeys, WarmSubject or predictive call.
type warmRun struct {
	id        string
	strategy  string
	started   time.Time
	remaining atomic.Int64
	warmed    atomic.Int64
	failed    atomic.Int64
}

func newWarmRun(id, strategy string, started time.Time) *warmRun {
	return &warmRun{id: id, strategy: strategy, started: started}
}

func (r *warmRun) expect(n int) {
	r.remaining.Add(int64(n))
}

// finish settles one task and reports whether it was the last one.
func (r *warmRun) finish(ok bool) bool {
	if ok {
		r.warmed.Add(1)
	} else {
		r.failed.Add(1)
	}
	return r.remaining.Add(-1) == 0
}

// completeRun publishes the outcome of a finished run.
func (s *Service) completeRun(run *warmRun) {
	now := s.now()
	warmed, failed := int(run.warmed.Load()), int(run.failed.Load())
	summary := &RunSummary{
		JobID:       run.id,
		Strategy:    run.strategy,
		Status:      events.PrefetchStatus(warmed, failed),
		Warmed:      warmed,
		Failed:      failed,
		Duration:    now.Sub(run.started),
		CompletedAt: now,
	}

	s.mu.Lock()
	s.lastRun = summary
	s.mu.Unlock()

	event := &events.PrefetchCompletedEvent{
		Version:     events.EventVersion1,
		Service:     "warming",
		Status:      summary.Status,
		Duration:    summary.Duration,
		KeysWarmed:  warmed,
		KeysFailed:  failed,
		CompletedAt: now,
		RequestID:   run.id,
	}
	if failed > 0 && s.paused() {
		event.Error = errWarmingPaused.Error()
	}

	rlog.Info("warming run completed", "job_id", run.id, "status", summary.Status, "warmed", warmed, "failed", failed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publish(ctx, event); err != nil {
		s.metrics.PublishErrors.Add(1)
		rlog.Warn("publishing warming outcome failed", "job_id", run.id, "err", err)
	}
}

// Shutdown gracefully stops the warming service.
func (s *Service) Shutdown() {
	s.workerPool.Shutdown()
}
