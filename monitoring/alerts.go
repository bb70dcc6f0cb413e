package monitoring

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"encore.dev/rlog"
)

// maxResolvedAlerts bounds the resolved alert history.
const maxResolvedAlerts = 100

// AlertManager evaluates rules against the aggregator's latest snapshot.
// An alert stays active while its rule keeps firing and resolves on the
// first evaluation where it does not.
type AlertManager struct {
	aggregator *Aggregator
	config     Config
	rules      []AlertRule

	mu       sync.RWMutex
	active   map[string]*Alert
	resolved []Alert // oldest first
	counts   alertCounts

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type alertCounts struct {
	triggered     int64
	resolved      int64
	totalDuration time.Duration
}

// Alert is an active or resolved alert.
type Alert struct {
	ID           string        `json:"id"`
	Rule         string        `json:"rule"`
	Type         AlertType     `json:"type"`
	Severity     string        `json:"severity"`
	Metric       string        `json:"metric"`
	CurrentValue float64       `json:"current_value"`
	Threshold    float64       `json:"threshold"`
	Message      string        `json:"message"`
	TriggeredAt  time.Time     `json:"triggered_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
	Duration     time.Duration `json:"duration"`
	Resolved     bool          `json:"resolved"`
}

// AlertType is the category of an alert.
type AlertType string

const (
	AlertHighFailureRate AlertType = "high_failure_rate"
	AlertRateLimitStorm  AlertType = "rate_limit_storm"
	AlertLatencySpike    AlertType = "latency_spike"
	AlertAuthRequired    AlertType = "auth_required"
	AlertPrefetchFailure AlertType = "prefetch_failure"
	AlertAbnormalLoad    AlertType = "abnormal_load"
)

// AlertRule returns an alert when its condition holds, nil otherwise.
type AlertRule interface {
	ID() string
	Evaluate(stats AggregatedStats) *Alert
}

// AlertStats summarizes alert activity.
type AlertStats struct {
	TotalTriggered int64   `json:"total_triggered"`
	TotalResolved  int64   `json:"total_resolved"`
	ActiveCount    int     `json:"active_count"`
	AvgDuration    float64 `json:"avg_duration_seconds"`
}

// NewAlertManager creates an alert manager with the default rule set.
func NewAlertManager(aggregator *Aggregator, config Config) *AlertManager {
	return &AlertManager{
		aggregator: aggregator,
		config:     config,
		rules: []AlertRule{
			NewHighFailureRateRule(config.FailureRateThreshold),
			NewRateLimitStormRule(),
			NewLatencySpikeRule(config.LatencyThresholdMs),
			NewAuthRequiredRule(),
			NewPrefetchFailureRule(),
			NewDynamicThresholdRule("refresh_rate_deviation", "refresh_rate", AlertAbnormalLoad, 4.0),
		},
		active:   make(map[string]*Alert),
		stopChan: make(chan struct{}),
	}
}

// Start evaluates the rules every AlertEvalInterval until Stop.
func (am *AlertManager) Start() {
	am.wg.Add(1)
	go func() {
		defer am.wg.Done()
		ticker := time.NewTicker(am.config.AlertEvalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				am.evaluateRules(am.aggregator.Latest(), time.Now())
			case <-am.stopChan:
				return
			}
		}
	}()
}

func (am *AlertManager) evaluateRules(latest AggregatedStats, now time.Time) {
	for _, rule := range am.rules {
		alert := rule.Evaluate(latest)
		if alert == nil {
			am.resolveAlert(rule.ID(), now)
			continue
		}
		am.triggerAlert(alert, now)
	}
}

// triggerAlert opens an alert, or refreshes the values of one already open.
func (am *AlertManager) triggerAlert(alert *Alert, now time.Time) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if cur, ok := am.active[alert.ID]; ok {
		cur.Severity, cur.CurrentValue, cur.Message = alert.Severity, alert.CurrentValue, alert.Message
		return
	}
	alert.TriggeredAt = now
	am.active[alert.ID] = alert
	am.counts.triggered++
	rlog.Warn("alert triggered", "rule", alert.Rule, "severity", alert.Severity, "message", alert.Message)
}

func (am *AlertManager) resolveAlert(id string, now time.Time) {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, ok := am.active[id]
	if !ok {
		return
	}
	delete(am.active, id)

	alert.Resolved = true
	alert.ResolvedAt = &now
	alert.Duration = now.Sub(alert.TriggeredAt)
	am.counts.resolved++
	am.counts.totalDuration += alert.Duration

	am.resolved = append(am.resolved, *alert)
	if over := len(am.resolved) - maxResolvedAlerts; over > 0 {
		am.resolved = append([]Alert(nil), am.resolved[over:]...)
	}
	rlog.Info("alert resolved", "rule", alert.Rule, "duration", alert.Duration)
}

// GetActiveAlerts returns the open alerts, oldest first.
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	alerts := make([]Alert, 0, len(am.active))
	for _, a := range am.active {
		alerts = append(alerts, *a)
	}
	am.mu.RUnlock()

	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].TriggeredAt.Equal(alerts[j].TriggeredAt) {
			return alerts[i].TriggeredAt.Before(alerts[j].TriggeredAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts
}

// GetRecentResolvedAlerts returns up to n resolved alerts, newest first.
func (am *AlertManager) GetRecentResolvedAlerts(n int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	n = min(max(n, 0), len(am.resolved))
	out := make([]Alert, 0, n)
	for i := len(am.resolved) - 1; len(out) < n; i-- {
		out = append(out, am.resolved[i])
	}
	return out
}

func (am *AlertManager) GetStats() AlertStats {
	am.mu.RLock()
	defer am.mu.RUnlock()

	st := AlertStats{
		TotalTriggered: am.counts.triggered,
		TotalResolved:  am.counts.resolved,
		ActiveCount:    len(am.active),
	}
	if am.counts.resolved > 0 {
		st.AvgDuration = am.counts.totalDuration.Seconds() / float64(am.counts.resolved)
	}
	return st
}

// Stop ends the evaluation loop and waits for it.
func (am *AlertManager) Stop() {
	am.stopOnce.Do(func() {
		close(am.stopChan)
		am.wg.Wait()
	})
}

// metricValue reads a named metric from a snapshot.
func metricValue(stats AggregatedStats, metric string) (float64, bool) {
	switch metric {
	case "failure_rate":
		return stats.FailureRate, true
	case "rate_limited":
		return float64(stats.RateLimited), true
	case "auth_required":
		return float64(stats.AuthRequired), true
	case "p95_latency":
		return stats.P95Latency, true
	case "coalescing_ratio":
		return stats.CoalescingRatio, true
	case "refresh_rate":
		return stats.RefreshRate, true
	case "prefetch_failure_rate":
		return stats.PrefetchFailureRate, true
	}
	return 0, false
}

// ThresholdRule fires when a metric crosses a fixed threshold. eligible
// gates the rule on enough volume for the metric to mean something.
type ThresholdRule struct {
	id        string
	alertType AlertType
	metric    string
	threshold float64
	inclusive bool // fire at the threshold, not only above it
	critical  float64
	eligible  func(AggregatedStats) bool
	message   func(value float64, stats AggregatedStats) string
}

func (r *ThresholdRule) ID() string { return r.id }

func (r *ThresholdRule) Evaluate(stats AggregatedStats) *Alert {
	value, ok := metricValue(stats, r.metric)
	if !ok || (r.eligible != nil && !r.eligible(stats)) {
		return nil
	}
	if value < r.threshold || (value == r.threshold && !r.inclusive) {
		return nil
	}

	severity := "warning"
	if value >= r.critical {
		severity = "critical"
	}
	return &Alert{
		ID:           r.id,
		Rule:         r.id,
		Type:         r.alertType,
		Severity:     severity,
		Metric:       r.metric,
		CurrentValue: value,
		Threshold:    r.threshold,
		Message:      r.message(value, stats),
	}
}

// NewHighFailureRateRule fires when more than threshold of at least ten
// refreshes end degraded or unavailable. A majority failing is critical.
func NewHighFailureRateRule(threshold float64) *ThresholdRule {
	return &ThresholdRule{
		id:        "high_failure_rate",
		alertType: AlertHighFailureRate,
		metric:    "failure_rate",
		threshold: threshold,
		critical:  math.Nextafter(0.5, 1),
		eligible:  func(s AggregatedStats) bool { return s.Refreshes >= 10 },
		message: func(v float64, _ AggregatedStats) string {
			return fmt.Sprintf("Refresh failure rate %.2f%% exceeds threshold %.2f%%", v*100, threshold*100)
		},
	}
}

// NewRateLimitStormRule fires on five or more rate-limited refreshes in the
// window, critical at twenty.
func NewRateLimitStormRule() *ThresholdRule {
	return &ThresholdRule{
		id:        "rate_limit_storm",
		alertType: AlertRateLimitStorm,
		metric:    "rate_limited",
		threshold: 5,
		inclusive: true,
		critical:  20,
		message: func(v float64, s AggregatedStats) string {
			return fmt.Sprintf("%.0f rate-limited refreshes in the last %s", v, s.Window)
		},
	}
}

// NewLatencySpikeRule fires when P95 refresh latency exceeds thresholdMs,
// critical past twice that.
func NewLatencySpikeRule(thresholdMs float64) *ThresholdRule {
	return &ThresholdRule{
		id:        "latency_spike",
		alertType: AlertLatencySpike,
		metric:    "p95_latency",
		threshold: thresholdMs,
		critical:  math.Nextafter(thresholdMs*2, math.Inf(1)),
		message: func(v float64, _ AggregatedStats) string {
			return fmt.Sprintf("P95 refresh latency %.2fms exceeds threshold %.2fms", v, thresholdMs)
		},
	}
}

// NewAuthRequiredRule fires on any refresh that needs the user to sign in
// again. Retrying cannot clear these.
func NewAuthRequiredRule() *ThresholdRule {
	return &ThresholdRule{
		id:        "auth_required",
		alertType: AlertAuthRequired,
		metric:    "auth_required",
		threshold: 1,
		inclusive: true,
		critical:  1,
		message: func(v float64, _ AggregatedStats) string {
			return fmt.Sprintf("%.0f refreshes need re-authentication", v)
		},
	}
}

// NewPrefetchFailureRule fires when most of at least ten warmed keys fail.
func NewPrefetchFailureRule() *ThresholdRule {
	return &ThresholdRule{
		id:        "prefetch_failure",
		alertType: AlertPrefetchFailure,
		metric:    "prefetch_failure_rate",
		threshold: 0.5,
		critical:  math.Inf(1),
		eligible:  func(s AggregatedStats) bool { return s.KeysWarmed+s.KeysFailed >= 10 },
		message: func(v float64, _ AggregatedStats) string {
			return fmt.Sprintf("Prefetch failure rate %.2f%% exceeds threshold 50%%", v*100)
		},
	}
}

// DynamicThresholdRule fires when a metric strays more than deviationLimit
// standard deviations from its own recent history.
type DynamicThresholdRule struct {
	id             string
	metric         string
	alertType      AlertType
	baseline       *HistoricalStats
	minSamples     int
	deviationLimit float64
}

func NewDynamicThresholdRule(id, metric string, alertType AlertType, deviationLimit float64) *DynamicThresholdRule {
	return &DynamicThresholdRule{
		id:             id,
		metric:         metric,
		alertType:      alertType,
		baseline:       NewHistoricalStats(100),
		minSamples:     20,
		deviationLimit: deviationLimit,
	}
}

func (r *DynamicThresholdRule) ID() string { return r.id }

// Evaluate compares value against the baseline before adding it.
func (r *DynamicThresholdRule) Evaluate(stats AggregatedStats) *Alert {
	value, ok := metricValue(stats, r.metric)
	if !ok {
		return nil
	}
	defer r.baseline.Add(value)

	if r.baseline.Count() < r.minSamples {
		return nil
	}
	mean, stddev := r.baseline.MeanStdDev()
	if stddev == 0 {
		return nil
	}
	z := (value - mean) / stddev
	if math.Abs(z) <= r.deviationLimit {
		return nil
	}

	severity := "warning"
	if math.Abs(z) > r.deviationLimit*1.5 {
		severity = "critical"
	}
	return &Alert{
		ID:           r.id,
		Rule:         r.id,
		Type:         r.alertType,
		Severity:     severity,
		Metric:       r.metric,
		CurrentValue: value,
		Threshold:    mean,
		Message:      fmt.Sprintf("%s at %.2f is %.1f standard deviations from baseline %.2f", r.metric, value, z, mean),
	}
}
