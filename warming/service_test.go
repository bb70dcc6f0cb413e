package warming

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore.dev/beta/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemanager "assistantsync.app/cache-manager"
	"assistantsync.app/pkg/models"
	events "assistantsync.app/pkg/pubsub"
	"assistantsync.app/pkg/registry"
)

// MockCacheClient simulates the cache-manager prefetch endpoint.
type MockCacheClient struct {
	mu       sync.Mutex
	failures map[string][]string // key -> error kinds returned in order
	calls    map[string]int
	total    atomic.Int64
	block    chan struct{}
}

func NewMockCacheClient() *MockCacheClient {
	return &MockCacheClient{
		failures: make(map[string][]string),
		calls:    make(map[string]int),
	}
}

func (m *MockCacheClient) Prefetch(ctx context.Context, req *cachemanager.PrefetchRequest) (*cachemanager.PrefetchResponse, error) {
	m.total.Add(1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ref := req.Keys[0]
	id := ref.Subject + "|" + ref.Resource + "|" + ref.Window

	m.mu.Lock()
	m.calls[id]++
	var kind string
	if kinds := m.failures[id]; len(kinds) > 0 {
		kind = kinds[0]
		m.failures[id] = kinds[1:]
	}
	m.mu.Unlock()

	res := cachemanager.PrefetchResult{Key: ref, Status: "fresh"}
	if kind != "" {
		res.Status = "unavailable"
		res.Error = kind + " failure"
		res.ErrorKind = kind
		return &cachemanager.PrefetchResponse{Results: []cachemanager.PrefetchResult{res}, Failed: 1}, nil
	}
	return &cachemanager.PrefetchResponse{Results: []cachemanager.PrefetchResult{res}, Warmed: 1}, nil
}

func (m *MockCacheClient) SetFailures(key string, kinds ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = kinds
}

func (m *MockCacheClient) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// MockPublisher records prefetch-completed events.
type MockPublisher struct {
	events chan *events.PrefetchCompletedEvent
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{events: make(chan *events.PrefetchCompletedEvent, 32)}
}

func (m *MockPublisher) Publish(ctx context.Context, e *events.PrefetchCompletedEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.events <- e
	return nil
}

func (m *MockPublisher) Next(t *testing.T) *events.PrefetchCompletedEvent {
	t.Helper()
	select {
	case e := <-m.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no prefetch-completed event published")
		return nil
	}
}

// setupTestService creates a test service with mocks.
func setupTestService(t *testing.T) (*Service, *MockCacheClient, *MockPublisher) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxOriginRPS = 1000
	cfg.ConcurrentWarmers = 3
	cfg.TaskTimeout = time.Second
	cfg.BackoffBase = time.Millisecond

	client := NewMockCacheClient()
	pub := NewMockPublisher()
	s := newService(cfg, registry.Default(), client, pub.Publish)
	t.Cleanup(s.Shutdown)
	return s, client, pub
}

func ref(subject, resource string) cachemanager.KeyRef {
	return cachemanager.KeyRef{Subject: subject, Resource: resource, Window: "today"}
}

func TestService_WarmKeys_Success(t *testing.T) {
	s, client, pub := setupTestService(t)
	ctx := context.Background()

	resp, err := s.WarmKeys(ctx, &WarmKeysRequest{
		Keys: []cachemanager.KeyRef{ref("u1", "email"), ref("u1", "calendar"), ref("u1", "email")},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "priority", resp.Strategy)
	assert.Equal(t, 2, resp.Planned, "duplicates are dropped")
	assert.Equal(t, 2, resp.Queued)

	event := pub.Next(t)
	assert.Equal(t, resp.JobID, event.RequestID)
	assert.Equal(t, "success", event.Status)
	assert.Equal(t, 2, event.KeysWarmed)
	assert.Zero(t, event.KeysFailed)
	assert.Equal(t, 1, client.Calls("u1|email|today"))
	assert.Equal(t, 1, client.Calls("u1|calendar|today"))

	status, err := s.GetStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, resp.JobID, status.LastRun.JobID)
	assert.Equal(t, int64(2), status.Metrics.SuccessTotal)
	assert.Equal(t, 1.0, status.Metrics.SuccessRate)
	assert.Len(t, status.Workers, 3)
}

func TestService_WarmKeys_InvalidRequests(t *testing.T) {
	s, _, _ := setupTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *WarmKeysRequest
	}{
		{"empty keys", &WarmKeysRequest{}},
		{"missing window", &WarmKeysRequest{Keys: []cachemanager.KeyRef{{Subject: "u1", Resource: "email"}}}},
		{"unknown resource", &WarmKeysRequest{Keys: []cachemanager.KeyRef{ref("u1", "photos")}}},
		{"priority out of range", &WarmKeysRequest{Keys: []cachemanager.KeyRef{ref("u1", "email")}, Priority: 101}},
		{"unknown strategy", &WarmKeysRequest{Keys: []cachemanager.KeyRef{ref("u1", "email")}, Strategy: "random"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.WarmKeys(ctx, tt.req)
			assert.Equal(t, errs.InvalidArgument, errs.Code(err))
		})
	}
}

func TestService_WarmSubject_ExpandsResources(t *testing.T) {
	s, client, pub := setupTestService(t)
	ctx := context.Background()

	resp, err := s.WarmSubject(ctx, &WarmSubjectRequest{Subject: " u1 "})
	require.NoError(t, err)
	assert.Equal(t, len(s.registry.Resources()), resp.Planned)

	// High priority resources are planned first
	require.NotEmpty(t, resp.Keys)
	first, err := models.ParseCacheKey(resp.Keys[0])
	require.NoError(t, err)
	strategy, err := s.registry.Lookup(first.Resource)
	require.NoError(t, err)
	assert.Equal(t, registry.PriorityHigh, strategy.Priority)

	event := pub.Next(t)
	assert.Equal(t, resp.Planned, event.KeysWarmed)
	assert.Equal(t, 1, client.Calls("u1|contacts|today"))

	resp, err = s.WarmSubject(ctx, &WarmSubjectRequest{Subject: "u2", Window: "week:2026-42", Resources: []string{"tasks"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2|tasks|week:2026-42"}, resp.Keys)
	pub.Next(t)

	_, err = s.WarmSubject(ctx, &WarmSubjectRequest{Subject: ""})
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
	_, err = s.WarmSubject(ctx, &WarmSubjectRequest{Subject: "a|b"})
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
	_, err = s.WarmSubject(ctx, &WarmSubjectRequest{Subject: "u1", Resources: []string{"photos"}})
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
}

func TestService_TransientFailureRetried(t *testing.T) {
	s, client, pub := setupTestService(t)
	client.SetFailures("u1|email|today", "transient", "transient")

	_, err := s.WarmKeys(context.Background(), &WarmKeysRequest{Keys: []cachemanager.KeyRef{ref("u1", "email")}})
	require.NoError(t, err)

	event := pub.Next(t)
	assert.Equal(t, "success", event.Status)
	assert.Equal(t, 3, client.Calls("u1|email|today"))
	assert.Equal(t, int64(2), s.metrics.Retries.Load())
}

func TestService_AuthFailureNotRetried(t *testing.T) {
	s, client, pub := setupTestService(t)
	client.SetFailures("u1|email|today", "auth_required")

	_, err := s.WarmKeys(context.Background(), &WarmKeysRequest{
		Keys: []cachemanager.KeyRef{ref("u1", "email"), ref("u1", "tasks")},
	})
	require.NoError(t, err)

	event := pub.Next(t)
	assert.Equal(t, "partial", event.Status)
	assert.Equal(t, 1, event.KeysWarmed)
	assert.Equal(t, 1, event.KeysFailed)
	assert.Equal(t, 1, client.Calls("u1|email|today"))
	assert.Zero(t, s.metrics.Retries.Load())
}

func TestService_RateLimitPausesWarming(t *testing.T) {
	s, client, pub := setupTestService(t)
	ctx := context.Background()
	client.SetFailures("u1|email|today", "rate_limited")

	_, err := s.WarmKeys(ctx, &WarmKeysRequest{Keys: []cachemanager.KeyRef{ref("u1", "email")}})
	require.NoError(t, err)

	event := pub.Next(t)
	assert.Equal(t, "failed", event.Status)
	assert.NotEmpty(t, event.Error)
	assert.Equal(t, 1, client.Calls("u1|email|today"), "rate limits are not retried")

	status, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Paused)
	require.NotNil(t, status.PausedUntil)
	assert.Equal(t, int64(1), status.Metrics.Pauses)

	_, err = s.WarmKeys(ctx, &WarmKeysRequest{Keys: []cachemanager.KeyRef{ref("u1", "tasks")}})
	assert.Equal(t, errs.Unavailable, errs.Code(err))
	require.NoError(t, s.scheduledWarmup(ctx, "selective", 10), "scheduled runs skip while paused")

	s.Resume()
	assert.False(t, s.paused())
	_, err = s.WarmKeys(ctx, &WarmKeysRequest{Keys: []cachemanager.KeyRef{ref("u1", "tasks")}})
	require.NoError(t, err)
	assert.Equal(t, "success", pub.Next(t).Status)
}

func TestService_PauseExpires(t *testing.T) {
	s, _, _ := setupTestService(t)
	clock := time.Now()
	s.now = func() time.Time { return clock }

	s.pause()
	assert.True(t, s.paused())
	clock = clock.Add(s.config.RateLimitPause + time.Second)
	assert.False(t, s.paused())
}

func TestService_TriggerPredictive(t *testing.T) {
	s, client, pub := setupTestService(t)
	ctx := context.Background()

	resp, err := s.TriggerPredictive(ctx, &TriggerRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.JobID, "nothing to warm without history")
	assert.Zero(t, resp.Queued)

	for i := 0; i < 3; i++ {
		s.recordRefresh(&events.RefreshCompletedEvent{
			Version: events.EventVersion1, Key: "u1|email|today", TicketID: "t1",
			Status: "fresh", Waiters: 2, CompletedAt: time.Now(),
		})
	}
	s.recordRefresh(&events.RefreshCompletedEvent{
		Version: events.EventVersion1, Key: "u2|contacts|today", TicketID: "t2",
		Status: "fresh", Waiters: 1, CompletedAt: time.Now(),
	})
	assert.Equal(t, int64(4), s.metrics.Accesses.Load())

	resp, err = s.TriggerPredictive(ctx, &TriggerRequest{Strategy: "selective", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1|email|today"}, resp.Keys)

	pub.Next(t)
	assert.Equal(t, 1, client.Calls("u1|email|today"))
	assert.Zero(t, client.Calls("u2|contacts|today"))

	_, err = s.TriggerPredictive(ctx, &TriggerRequest{Limit: -1})
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
}

func TestService_RecordRefreshDropsInvalidEvents(t *testing.T) {
	s, _, _ := setupTestService(t)

	s.recordRefresh(&events.RefreshCompletedEvent{Version: events.EventVersion1, Key: "not-a-key", TicketID: "t", Status: "fresh", CompletedAt: time.Now()})
	s.recordRefresh(&events.RefreshCompletedEvent{Version: 99, Key: "u1|email|today", TicketID: "t", Status: "fresh", CompletedAt: time.Now()})

	assert.Zero(t, s.metrics.Accesses.Load())
	assert.Zero(t, s.predictor.GetStats().TrackedKeys)
}

func TestService_ForgetSubject(t *testing.T) {
	s, _, _ := setupTestService(t)
	ctx := context.Background()
	s.predictor.RecordAccess(models.CacheKey{Subject: "u1", Resource: "email", Window: "today"}, 1)
	s.predictor.RecordAccess(models.CacheKey{Subject: "u2", Resource: "email", Window: "today"}, 1)

	resp, err := s.ForgetSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Removed)
	assert.Equal(t, 1, s.predictor.GetStats().TrackedKeys)

	_, err = s.ForgetSubject(ctx, "")
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
}

func TestService_ConcurrentTasksShareOnePrefetch(t *testing.T) {
	s, client, _ := setupTestService(t)
	client.block = make(chan struct{})
	task := WarmTask{Key: models.CacheKey{Subject: "u1", Resource: "email", Window: "today"}}

	var wg sync.WaitGroup
	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.ExecuteWarmTask(context.Background(), task)
		}()
	}

	require.Eventually(t, func() bool { return client.total.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(client.block)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), client.total.Load())
	assert.Equal(t, int64(4), s.metrics.Deduplicated.Load())
}

func TestService_UpdateConfig(t *testing.T) {
	s, _, _ := setupTestService(t)
	ctx := context.Background()

	rps := 7
	resp, err := s.UpdateConfig(ctx, &UpdateConfigRequest{MaxOriginRPS: &rps, DefaultStrategy: "breadth"})
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Config.MaxOriginRPS)
	assert.Equal(t, "breadth", resp.Config.DefaultStrategy)
	assert.Equal(t, 7, s.rateLimiter.Burst())

	_, err = s.UpdateConfig(ctx, &UpdateConfigRequest{DefaultStrategy: "random"})
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
	bad := 0
	_, err = s.UpdateConfig(ctx, &UpdateConfigRequest{MaxOriginRPS: &bad})
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))

	got, err := s.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "breadth", got.Config.DefaultStrategy)
}

func TestService_ShutdownSettlesQueuedTasks(t *testing.T) {
	s, client, pub := setupTestService(t)
	client.block = make(chan struct{})

	keys := []cachemanager.KeyRef{
		ref("u1", "email"), ref("u2", "email"), ref("u3", "email"),
		ref("u4", "email"), ref("u5", "email"),
	}
	resp, err := s.WarmKeys(context.Background(), &WarmKeysRequest{Keys: keys})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Queued)

	require.Eventually(t, func() bool { return s.workerPool.ActiveCount() == 3 }, time.Second, time.Millisecond)
	close(client.block)
	s.Shutdown()

	event := pub.Next(t)
	assert.Equal(t, 5, event.KeysWarmed+event.KeysFailed)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rps", func(c *Config) { c.MaxOriginRPS = 0 }},
		{"warmers", func(c *Config) { c.ConcurrentWarmers = 0 }},
		{"queue", func(c *Config) { c.QueueSize = 0 }},
		{"timeout", func(c *Config) { c.TaskTimeout = 0 }},
		{"retries", func(c *Config) { c.RetryAttempts = -1 }},
		{"backoff", func(c *Config) { c.BackoffBase = 0 }},
		{"pause", func(c *Config) { c.RateLimitPause = -time.Second }},
		{"window", func(c *Config) { c.DefaultWindow = "" }},
		{"predict window", func(c *Config) { c.PredictWindow = 0 }},
		{"predict limit", func(c *Config) { c.PredictLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("WARM_MAX_ORIGIN_RPS", "5")
	t.Setenv("WARM_RATE_LIMIT_PAUSE", "90s")
	t.Setenv("WARM_DEFAULT_STRATEGY", "selective")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxOriginRPS)
	assert.Equal(t, 90*time.Second, cfg.RateLimitPause)
	assert.Equal(t, "selective", cfg.DefaultStrategy)
	assert.Equal(t, DefaultConfig().QueueSize, cfg.QueueSize)

	t.Setenv("WARM_QUEUE_SIZE", "0")
	_, err = LoadConfig()
	assert.Error(t, err)
}
