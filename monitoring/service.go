// Package monitoring provides observability for the cache sync engine.
//
// Design Philosophy:
// - Every refresh ticket, invalidation and warming run is an event; nothing polls
// - Minimal-lock metrics collection, atomic lifetime counters
// - Windowed aggregation with exact percentiles from one-second buckets
// - Anomaly detection and threshold rules for proactive alerting
//
// Performance Characteristics:
// - Ingestion is O(1) amortized per event
// - Window queries are O(n log n) in the latency samples they cover
// - Memory is bounded by MONITOR_METRICS_RETENTION
//
// Architecture:
// - Event-driven ingestion via Pub/Sub subscriptions to cache-manager and warming topics
// - In-memory time-series store
// - Aggregator snapshots the trailing window for anomaly detection and alerts
// - Alert engine with threshold-based and dynamic rules
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/pubsub"
	"encore.dev/rlog"
	"github.com/caarlos0/env/v11"

	cachemanager "assistantsync.app/cache-manager"
	events "assistantsync.app/pkg/pubsub"
	"assistantsync.app/warming"
)

//encore:service
type Service struct {
	collector  *MetricsCollector
	aggregator *Aggregator
	alertMgr   *AlertManager
	dashboard  *Dashboard
	config     Config
	now        func() time.Time
}

// Config holds monitoring service configuration.
type Config struct {
	MetricsRetention     time.Duration `json:"metrics_retention" env:"MONITOR_METRICS_RETENTION" envDefault:"1h"`        // How long to keep raw metrics
	AggregationWindow    time.Duration `json:"aggregation_window" env:"MONITOR_AGGREGATION_WINDOW" envDefault:"1m"`      // Trailing window judged by alerts
	AggregationInterval  time.Duration `json:"aggregation_interval" env:"MONITOR_AGGREGATION_INTERVAL" envDefault:"10s"` // How often the window is snapshotted
	AlertEvalInterval    time.Duration `json:"alert_eval_interval" env:"MONITOR_ALERT_EVAL_INTERVAL" envDefault:"10s"`
	FailureRateThreshold float64       `json:"failure_rate_threshold" env:"MONITOR_FAILURE_RATE_THRESHOLD" envDefault:"0.2"`
	LatencyThresholdMs   float64       `json:"latency_threshold_ms" env:"MONITOR_LATENCY_THRESHOLD_MS" envDefault:"5000"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MetricsRetention:     time.Hour,
		AggregationWindow:    time.Minute,
		AggregationInterval:  10 * time.Second,
		AlertEvalInterval:    10 * time.Second,
		FailureRateThreshold: 0.2,
		LatencyThresholdMs:   5000,
	}
}

// LoadConfig reads the configuration from MONITOR_* environment variables.
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

// Validate checks windows and thresholds.
func (c Config) Validate() error {
	switch {
	case c.MetricsRetention <= 0:
		return errors.New("metrics retention must be positive")
	case c.AggregationWindow <= 0:
		return errors.New("aggregation window must be positive")
	case c.AggregationWindow > c.MetricsRetention:
		return errors.New("aggregation window cannot exceed metrics retention")
	case c.AggregationInterval <= 0:
		return errors.New("aggregation interval must be positive")
	case c.AlertEvalInterval <= 0:
		return errors.New("alert eval interval must be positive")
	case c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1:
		return errors.New("failure rate threshold must be in (0, 1]")
	case c.LatencyThresholdMs <= 0:
		return errors.New("latency threshold must be positive")
	}
	return nil
}

// Request and response types

type GetMetricsRequest struct {
	WindowSeconds int `query:"window_seconds"` // Trailing window, defaults to MONITOR_AGGREGATION_WINDOW
}

type GetMetricsResponse struct {
	Stats    AggregatedStats `json:"stats"`
	Counters Counters        `json:"counters"` // Since start
}

type GetAggregatedRequest struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Interval  time.Duration `json:"interval"` // Aggregation interval
}

type AggregatedDataPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	Refreshes       int64     `json:"refreshes"`
	FailureRate     float64   `json:"failure_rate"`
	CoalescingRatio float64   `json:"coalescing_ratio"`
	AvgLatency      float64   `json:"avg_latency_ms"`
	P95Latency      float64   `json:"p95_latency_ms"`
	RefreshRate     float64   `json:"refresh_rate"`
	RateLimited     int64     `json:"rate_limited"`
	Invalidations   int64     `json:"invalidations"`
	KeysWarmed      int64     `json:"keys_warmed"`
}

type GetAggregatedResponse struct {
	DataPoints []AggregatedDataPoint `json:"data_points"`
	Summary    AggregatedStats       `json:"summary"`
}

type GetAlertsResponse struct {
	ActiveAlerts []Alert    `json:"active_alerts"`
	RecentAlerts []Alert    `json:"recent_alerts"` // Last 10 resolved alerts
	AlertStats   AlertStats `json:"alert_stats"`
}

// maxDataPoints bounds GetAggregated responses.
const maxDataPoints = 1440

// Global service instance
var svc *Service

// initService initializes the monitoring service.
func initService() (*Service, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	s := newService(config)

	// Start background workers
	s.aggregator.Start()
	s.alertMgr.Start()

	return s, nil
}

func newService(config Config) *Service {
	collector := NewMetricsCollector(config)
	aggregator := NewAggregator(collector, config)
	alertMgr := NewAlertManager(aggregator, config)

	return &Service{
		collector:  collector,
		aggregator: aggregator,
		alertMgr:   alertMgr,
		dashboard:  NewDashboard(aggregator, collector, alertMgr, config),
		config:     config,
		now:        time.Now,
	}
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(err)
	}
}

func serviceUnavailable() error {
	return &errs.Error{Code: errs.Unavailable, Message: "monitoring service not initialized"}
}

// GetMetrics returns refresh statistics for a trailing time window.
//
//encore:api public method=GET path=/monitoring/metrics
func GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.GetMetrics(ctx, req)
}

func (s *Service) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	window := time.Duration(req.WindowSeconds) * time.Second
	if window < 0 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "window cannot be negative"}
	}
	if window == 0 {
		window = s.config.AggregationWindow
	}

	now := s.now()
	return &GetMetricsResponse{
		Stats:    s.aggregator.GetStats(now.Add(-window), now),
		Counters: s.collector.GetCounters(),
	}, nil
}

// GetAggregated returns time-series aggregated metrics.
//
//encore:api public method=POST path=/monitoring/aggregated
func GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.GetAggregated(ctx, req)
}

func (s *Service) GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if !req.EndTime.After(req.StartTime) {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "end_time must be after start_time"}
	}

	interval := req.Interval
	if interval < 0 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "interval cannot be negative"}
	}
	if interval == 0 {
		interval = time.Minute
	}
	if req.EndTime.Sub(req.StartTime)/interval > maxDataPoints {
		return nil, &errs.Error{
			Code:    errs.InvalidArgument,
			Message: fmt.Sprintf("range holds more than %d intervals", maxDataPoints),
		}
	}

	dataPoints := make([]AggregatedDataPoint, 0)
	for current := req.StartTime; current.Before(req.EndTime); {
		next := current.Add(interval)
		if next.After(req.EndTime) {
			next = req.EndTime
		}

		stats := s.aggregator.GetStats(current, next)
		dataPoints = append(dataPoints, AggregatedDataPoint{
			Timestamp:       current,
			Refreshes:       stats.Refreshes,
			FailureRate:     stats.FailureRate,
			CoalescingRatio: stats.CoalescingRatio,
			AvgLatency:      stats.AvgLatency,
			P95Latency:      stats.P95Latency,
			RefreshRate:     stats.RefreshRate,
			RateLimited:     stats.RateLimited,
			Invalidations:   stats.Invalidations,
			KeysWarmed:      stats.KeysWarmed,
		})

		current = next
	}

	return &GetAggregatedResponse{
		DataPoints: dataPoints,
		Summary:    s.aggregator.GetStats(req.StartTime, req.EndTime),
	}, nil
}

// GetAlerts returns current active alerts and alert statistics.
//
//encore:api public method=GET path=/monitoring/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.GetAlerts(ctx)
}

func (s *Service) GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	return &GetAlertsResponse{
		ActiveAlerts: s.alertMgr.GetActiveAlerts(),
		RecentAlerts: s.alertMgr.GetRecentResolvedAlerts(10),
		AlertStats:   s.alertMgr.GetStats(),
	}, nil
}

// Pub/Sub subscriptions for metric events

var _ = pubsub.NewSubscription(
	cachemanager.RefreshCompletedTopic,
	"monitoring-refresh-completed",
	pubsub.SubscriptionConfig[*events.RefreshCompletedEvent]{
		Handler: HandleRefreshCompleted,
	},
)

// HandleRefreshCompleted records the outcome of one refresh ticket.
func HandleRefreshCompleted(ctx context.Context, event *events.RefreshCompletedEvent) error {
	if svc == nil {
		return nil
	}
	svc.recordRefresh(event)
	return nil
}

func (s *Service) recordRefresh(event *events.RefreshCompletedEvent) {
	if err := event.Validate(); err != nil {
		rlog.Warn("dropping invalid refresh event", "ticket", event.TicketID, "err", err)
		return
	}

	ts := event.CompletedAt
	s.collector.RecordMetric(MetricEvent{
		Type:      MetricRefresh,
		Value:     1,
		Timestamp: ts,
		Source:    "cache-manager",
		Labels: map[string]string{
			"resource":    event.Resource,
			"status":      event.Status,
			"update_type": event.UpdateType,
		},
	})
	s.collector.RecordMetric(MetricEvent{
		Type:      MetricLatency,
		Value:     event.DurationMs,
		Timestamp: ts,
		Source:    "cache-manager",
		Labels:    map[string]string{"resource": event.Resource},
	})

	if event.Waiters > 1 {
		s.collector.RecordMetric(MetricEvent{
			Type:      MetricCoalesced,
			Value:     float64(event.Waiters - 1),
			Timestamp: ts,
			Source:    "cache-manager",
		})
	}

	if event.Failed() {
		kind := event.Error
		if kind == "" {
			kind = "unknown"
		}
		s.collector.RecordMetric(MetricEvent{
			Type:      MetricRefreshError,
			Value:     1,
			Timestamp: ts,
			Source:    "cache-manager",
			Labels:    map[string]string{"resource": event.Resource, "kind": kind},
		})
	}
}

var _ = pubsub.NewSubscription(
	warming.PrefetchCompletedTopic,
	"monitoring-prefetch-completed",
	pubsub.SubscriptionConfig[*events.PrefetchCompletedEvent]{
		Handler: HandlePrefetchCompleted,
	},
)

// HandlePrefetchCompleted records one finished warming run.
func HandlePrefetchCompleted(ctx context.Context, event *events.PrefetchCompletedEvent) error {
	if svc == nil {
		return nil
	}
	svc.recordPrefetch(event)
	return nil
}

func (s *Service) recordPrefetch(event *events.PrefetchCompletedEvent) {
	if err := event.Validate(); err != nil {
		rlog.Warn("dropping invalid prefetch event", "request_id", event.RequestID, "err", err)
		return
	}

	ts := event.CompletedAt
	labels := map[string]string{"status": event.Status}
	s.collector.RecordMetric(MetricEvent{Type: MetricPrefetchRun, Value: 1, Timestamp: ts, Source: "warming", Labels: labels})
	s.collector.RecordMetric(MetricEvent{Type: MetricPrefetchWarmed, Value: float64(event.KeysWarmed), Timestamp: ts, Source: "warming"})
	s.collector.RecordMetric(MetricEvent{Type: MetricPrefetchFailed, Value: float64(event.KeysFailed), Timestamp: ts, Source: "warming"})
}

var _ = pubsub.NewSubscription(
	cachemanager.InvalidateTopic,
	"monitoring-invalidations",
	pubsub.SubscriptionConfig[*events.InvalidationEvent]{
		Handler: HandleInvalidation,
	},
)

// HandleInvalidation counts invalidations from any service.
func HandleInvalidation(ctx context.Context, event *events.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	svc.recordInvalidation(event)
	return nil
}

func (s *Service) recordInvalidation(event *events.InvalidationEvent) {
	if err := event.Validate(); err != nil {
		rlog.Warn("dropping invalid invalidation event", "request_id", event.RequestID, "err", err)
		return
	}

	// Subject and pattern invalidations count once; their fan-out is not in the event.
	n := len(event.Keys)
	if n == 0 {
		n = 1
	}
	s.collector.RecordMetric(MetricEvent{
		Type:      MetricInvalidation,
		Value:     float64(n),
		Timestamp: event.TriggeredAt,
		Source:    event.Service,
	})
}

// Shutdown gracefully stops the monitoring service.
func (s *Service) Shutdown() {
	s.aggregator.Stop()
	s.alertMgr.Stop()
}
