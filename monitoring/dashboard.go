package monitoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"encore.dev/beta/errs"
)

// Dashboard provides visualization-ready data for monitoring dashboards.
//
// Design Philosophy:
// - One overview call renders the whole page
// - Timelines sized for charting libraries
// - Health score folds alert-worthy conditions into one number
type Dashboard struct {
	aggregator *Aggregator
	collector  *MetricsCollector
	alertMgr   *AlertManager
	detector   *AnomalyDetector
	config     Config
}

// NewDashboard creates a new dashboard instance.
func NewDashboard(aggregator *Aggregator, collector *MetricsCollector, alertMgr *AlertManager, config Config) *Dashboard {
	return &Dashboard{
		aggregator: aggregator,
		collector:  collector,
		alertMgr:   alertMgr,
		detector:   aggregator.detector,
		config:     config,
	}
}

// Request and response types for dashboard endpoints

type GetOverviewRequest struct {
	TimeRange time.Duration `json:"time_range"` // e.g., 1h
}

type GetOverviewResponse struct {
	Summary         SummaryStats    `json:"summary"`
	Timeline        []TimelinePoint `json:"timeline"`
	Resources       []ResourceStats `json:"resources"`
	SystemHealth    SystemHealth    `json:"system_health"`
	RecentAlerts    []Alert         `json:"recent_alerts"`
	RecentAnomalies []Anomaly       `json:"recent_anomalies"`
}

type SummaryStats struct {
	Refreshes        int64   `json:"refreshes"`
	FailureRate      float64 `json:"failure_rate"`
	CoalescingRatio  float64 `json:"coalescing_ratio"`
	AvgLatency       float64 `json:"avg_latency_ms"`
	P95Latency       float64 `json:"p95_latency_ms"`
	RefreshRate      float64 `json:"refresh_rate"`
	KeysWarmed       int64   `json:"keys_warmed"`
	TrendFailureRate string  `json:"trend_failure_rate"` // "up", "down", "stable"
	TrendLatency     string  `json:"trend_latency"`      // "up", "down", "stable"
	TrendRefreshRate string  `json:"trend_refresh_rate"` // "up", "down", "stable"
}

type TimelinePoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Refreshes   int64     `json:"refreshes"`
	Fresh       int64     `json:"fresh"`
	Stale       int64     `json:"stale"`
	Degraded    int64     `json:"degraded"`
	Unavailable int64     `json:"unavailable"`
	P50Latency  float64   `json:"p50_latency_ms"`
	P95Latency  float64   `json:"p95_latency_ms"`
	FailureRate float64   `json:"failure_rate"`
}

type SystemHealth struct {
	Status          string        `json:"status"` // "healthy", "degraded", "critical"
	Score           float64       `json:"score"`  // 0-100
	Issues          []HealthIssue `json:"issues"`
	Recommendations []string      `json:"recommendations"`
}

type HealthIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Impact   string `json:"impact"`
}

type GetLatencyDistributionRequest struct {
	Window time.Duration `json:"window"`
}

type GetLatencyDistributionResponse struct {
	Buckets []LatencyBucket `json:"buckets"`
	Stats   LatencyStats    `json:"stats"`
}

type LatencyBucket struct {
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// timelinePoints is the number of points in an overview timeline.
const timelinePoints = 60

// GetOverview returns a dashboard overview.
//
//encore:api public method=POST path=/monitoring/dashboard/overview
func GetOverview(ctx context.Context, req *GetOverviewRequest) (*GetOverviewResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.dashboard.GetOverview(ctx, req)
}

func (d *Dashboard) GetOverview(ctx context.Context, req *GetOverviewRequest) (*GetOverviewResponse, error) {
	timeRange := req.TimeRange
	if timeRange < 0 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "time_range cannot be negative"}
	}
	if timeRange == 0 {
		timeRange = time.Hour
	}

	now := d.aggregator.now()
	startTime := now.Add(-timeRange)

	current := d.aggregator.GetStats(startTime, now)
	previous := d.aggregator.GetStats(startTime.Add(-timeRange), startTime)

	summary := SummaryStats{
		Refreshes:        current.Refreshes,
		FailureRate:      current.FailureRate,
		CoalescingRatio:  current.CoalescingRatio,
		AvgLatency:       current.AvgLatency,
		P95Latency:       current.P95Latency,
		RefreshRate:      current.RefreshRate,
		KeysWarmed:       current.KeysWarmed,
		TrendFailureRate: calculateTrend(current.FailureRate, previous.FailureRate),
		TrendLatency:     calculateTrend(current.P95Latency, previous.P95Latency),
		TrendRefreshRate: calculateTrend(current.RefreshRate, previous.RefreshRate),
	}

	recentAlerts := append(d.alertMgr.GetActiveAlerts(), d.alertMgr.GetRecentResolvedAlerts(5)...)

	return &GetOverviewResponse{
		Summary:         summary,
		Timeline:        d.generateTimeline(startTime, now, timelinePoints),
		Resources:       current.Resources,
		SystemHealth:    d.calculateSystemHealth(current),
		RecentAlerts:    recentAlerts,
		RecentAnomalies: d.detector.GetRecentAnomalies(startTime),
	}, nil
}

// GetLatencyDistribution returns a refresh latency histogram.
//
//encore:api public method=POST path=/monitoring/dashboard/latency-distribution
func GetLatencyDistribution(ctx context.Context, req *GetLatencyDistributionRequest) (*GetLatencyDistributionResponse, error) {
	if svc == nil {
		return nil, serviceUnavailable()
	}
	return svc.dashboard.GetLatencyDistribution(ctx, req)
}

func (d *Dashboard) GetLatencyDistribution(ctx context.Context, req *GetLatencyDistributionRequest) (*GetLatencyDistributionResponse, error) {
	window := req.Window
	if window < 0 {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "window cannot be negative"}
	}
	if window == 0 {
		window = 5 * time.Minute
	}

	now := d.aggregator.now()
	var samples []float64
	d.collector.timeSeries.Fold(now.Add(-window), now, func(b *Bucket) {
		samples = append(samples, b.Latencies...)
	})
	if len(samples) == 0 {
		return &GetLatencyDistributionResponse{
			Buckets: []LatencyBucket{},
			Stats:   LatencyStats{},
		}, nil
	}

	// Upstream calls, so buckets start at 10ms
	buckets := []LatencyBucket{
		{MinMs: 0, MaxMs: 10},
		{MinMs: 10, MaxMs: 50},
		{MinMs: 50, MaxMs: 100},
		{MinMs: 100, MaxMs: 250},
		{MinMs: 250, MaxMs: 500},
		{MinMs: 500, MaxMs: 1000},
		{MinMs: 1000, MaxMs: 2500},
		{MinMs: 2500, MaxMs: 5000},
		{MinMs: 5000, MaxMs: 10000},
		{MinMs: 10000, MaxMs: math.MaxFloat64},
	}

	for _, sample := range samples {
		for i := range buckets {
			if sample >= buckets[i].MinMs && sample < buckets[i].MaxMs {
				buckets[i].Count++
				break
			}
		}
	}

	total := len(samples)
	for i := range buckets {
		buckets[i].Percent = float64(buckets[i].Count) / float64(total) * 100
	}

	return &GetLatencyDistributionResponse{
		Buckets: buckets,
		Stats:   calculateLatencyStats(samples),
	}, nil
}

// Helper functions

// generateTimeline creates timeline data points for charting.
func (d *Dashboard) generateTimeline(start, end time.Time, numPoints int) []TimelinePoint {
	interval := end.Sub(start) / time.Duration(numPoints)
	if interval < time.Second {
		interval = time.Second
	}

	timeline := make([]TimelinePoint, 0, numPoints)
	current := start
	for i := 0; i < numPoints && current.Before(end); i++ {
		next := current.Add(interval)
		stats := d.aggregator.GetStats(current, next)

		timeline = append(timeline, TimelinePoint{
			Timestamp:   current,
			Refreshes:   stats.Refreshes,
			Fresh:       stats.Fresh,
			Stale:       stats.Stale,
			Degraded:    stats.Degraded,
			Unavailable: stats.Unavailable,
			P50Latency:  stats.P50Latency,
			P95Latency:  stats.P95Latency,
			FailureRate: stats.FailureRate,
		})

		current = next
	}
	return timeline
}

// calculateSystemHealth computes overall sync health score.
func (d *Dashboard) calculateSystemHealth(stats AggregatedStats) SystemHealth {
	score := 100.0
	issues := make([]HealthIssue, 0)
	recommendations := make([]string, 0)

	if stats.AuthRequired > 0 {
		score -= 30
		issues = append(issues, HealthIssue{
			Type:     "authorization",
			Severity: "critical",
			Message:  fmt.Sprintf("%d refreshes need re-authentication", stats.AuthRequired),
			Impact:   "Affected resources serve stale data until the user signs in again",
		})
		recommendations = append(recommendations, "Prompt affected users to reconnect their accounts")
	}

	if stats.FailureRate > 0.05 {
		score -= 20
		severity := "warning"
		if stats.FailureRate > d.config.FailureRateThreshold {
			severity = "critical"
			score -= 20
		}
		issues = append(issues, HealthIssue{
			Type:     "reliability",
			Severity: severity,
			Message:  fmt.Sprintf("Refresh failure rate is high (%.2f%%)", stats.FailureRate*100),
			Impact:   "Screens show stale or missing data",
		})
		recommendations = append(recommendations, "Check upstream error kinds per resource")
	}

	if stats.RateLimited > 0 {
		score -= 10
		issues = append(issues, HealthIssue{
			Type:     "rate_limit",
			Severity: "warning",
			Message:  fmt.Sprintf("%d refreshes were rate limited", stats.RateLimited),
			Impact:   "Refreshes back off and serve cached data",
		})
		recommendations = append(recommendations, "Lower WARM_MAX_ORIGIN_RPS or move resources to batched refresh")
	}

	if stats.P95Latency > d.config.LatencyThresholdMs {
		score -= 15
		issues = append(issues, HealthIssue{
			Type:     "performance",
			Severity: "warning",
			Message:  fmt.Sprintf("P95 refresh latency is elevated (%.1fms)", stats.P95Latency),
			Impact:   "Callers wait longer for fresh data",
		})
		recommendations = append(recommendations, "Prefer incremental refresh for slow resources")
	}

	if stats.PrefetchFailureRate > 0.5 {
		score -= 10
		issues = append(issues, HealthIssue{
			Type:     "prefetch",
			Severity: "info",
			Message:  fmt.Sprintf("Prefetch failure rate is %.1f%%", stats.PrefetchFailureRate*100),
			Impact:   "Cold reads on screens that should open warm",
		})
		recommendations = append(recommendations, "Check warming status for a rate-limit pause")
	}

	status := "healthy"
	if score < 80 {
		status = "degraded"
	}
	if score < 60 {
		status = "critical"
	}

	return SystemHealth{
		Status:          status,
		Score:           math.Max(0, score),
		Issues:          issues,
		Recommendations: recommendations,
	}
}

// calculateTrend determines if a metric is trending up, down, or stable.
func calculateTrend(current, previous float64) string {
	if previous == 0 {
		return "stable"
	}

	change := (current - previous) / previous
	if change > 0.05 {
		return "up"
	} else if change < -0.05 {
		return "down"
	}
	return "stable"
}
