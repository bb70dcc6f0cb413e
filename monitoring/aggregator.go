package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Aggregator turns the raw time series into windowed refresh statistics.
//
// Design: every tick it aggregates the trailing AggregationWindow, stores the
// snapshot in a sliding window for alert rules and feeds the anomaly
// detector. Range queries go straight to the time series.
type Aggregator struct {
	collector *MetricsCollector
	config    Config

	// Snapshots of the trailing window, one per tick
	snapshots *SlidingWindow

	detector *AnomalyDetector
	now      func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates a new metrics aggregator.
func NewAggregator(collector *MetricsCollector, config Config) *Aggregator {
	return &Aggregator{
		collector: collector,
		config:    config,
		snapshots: NewSlidingWindow(60),
		detector:  NewAnomalyDetector(),
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start runs the aggregation loop in the background until Stop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.config.AggregationInterval)
		defer ticker.Stop()

		for {
			select {
			case <-a.stopChan:
				return
			case <-ticker.C:
				a.aggregate()
			}
		}
	}()
}

// aggregate snapshots the trailing window.
func (a *Aggregator) aggregate() AggregatedStats {
	now := a.now()
	snapshot := a.GetStats(now.Add(-a.config.AggregationWindow), now)
	a.snapshots.Add(snapshot)
	a.detector.Detect(snapshot)
	return snapshot
}

// Latest returns the most recent snapshot of the trailing window.
func (a *Aggregator) Latest() AggregatedStats {
	return a.snapshots.GetLatest()
}

// GetStats returns aggregated statistics for a time range.
// Complexity: O(n log n) where n = latency samples in range.
func (a *Aggregator) GetStats(start, end time.Time) AggregatedStats {
	stats := AggregatedStats{
		Timestamp:  end,
		Window:     end.Sub(start),
		ErrorKinds: make(map[string]int64),
		Resources:  []ResourceStats{},
	}

	var latencies []float64
	type resourceAcc struct {
		refreshes, errors int64
		latencies         []float64
	}
	resources := make(map[string]*resourceAcc)

	a.collector.timeSeries.Fold(start, end, func(b *Bucket) {
		stats.Refreshes += b.Refreshes
		stats.Fresh += b.Statuses["fresh"]
		stats.Stale += b.Statuses["stale"]
		stats.Degraded += b.Statuses["degraded"]
		stats.Unavailable += b.Statuses["unavailable"]
		stats.FullUpdates += b.UpdateTypes["full"]
		stats.IncrementalUpdates += b.UpdateTypes["incremental"]
		stats.NoChange += b.UpdateTypes["none"]
		for kind, n := range b.ErrorKinds {
			stats.ErrorKinds[kind] += n
		}
		stats.Coalesced += b.Coalesced
		stats.Invalidations += b.Invalidations
		stats.PrefetchRuns += b.PrefetchRuns
		stats.KeysWarmed += b.KeysWarmed
		stats.KeysFailed += b.KeysFailed
		latencies = append(latencies, b.Latencies...)

		for name, rb := range b.Resources {
			acc, ok := resources[name]
			if !ok {
				acc = &resourceAcc{}
				resources[name] = acc
			}
			acc.refreshes += rb.Refreshes
			acc.errors += rb.Errors
			acc.latencies = append(acc.latencies, rb.Latencies...)
		}
	})

	stats.RateLimited = stats.ErrorKinds["rate_limited"]
	stats.AuthRequired = stats.ErrorKinds["auth_required"]
	stats.FailureRate = ratio(stats.Degraded+stats.Unavailable, stats.Refreshes)
	stats.CoalescingRatio = ratio(stats.Coalesced, stats.Refreshes+stats.Coalesced)
	stats.PrefetchFailureRate = ratio(stats.KeysFailed, stats.KeysWarmed+stats.KeysFailed)
	if secs := stats.Window.Seconds(); secs > 0 {
		stats.RefreshRate = float64(stats.Refreshes) / secs
	}

	lat := calculateLatencyStats(latencies)
	stats.AvgLatency = lat.Avg
	stats.P50Latency = lat.P50
	stats.P90Latency = lat.P90
	stats.P95Latency = lat.P95
	stats.P99Latency = lat.P99

	for name, acc := range resources {
		rl := calculateLatencyStats(acc.latencies)
		stats.Resources = append(stats.Resources, ResourceStats{
			Resource:     name,
			Refreshes:    acc.refreshes,
			Errors:       acc.errors,
			ErrorRate:    ratio(acc.errors, acc.refreshes),
			AvgLatencyMs: rl.Avg,
			P95LatencyMs: rl.P95,
		})
	}
	sort.Slice(stats.Resources, func(i, j int) bool {
		return stats.Resources[i].Resource < stats.Resources[j].Resource
	})

	return stats
}

// Stop gracefully stops the aggregator.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.wg.Wait()
	})
}

// AggregatedStats holds refresh statistics for a time window.
type AggregatedStats struct {
	Timestamp           time.Time        `json:"timestamp"`
	Window              time.Duration    `json:"window"`
	Refreshes           int64            `json:"refreshes"`
	Fresh               int64            `json:"fresh"`
	Stale               int64            `json:"stale"`
	Degraded            int64            `json:"degraded"`
	Unavailable         int64            `json:"unavailable"`
	FailureRate         float64          `json:"failure_rate"`
	ErrorKinds          map[string]int64 `json:"error_kinds"`
	RateLimited         int64            `json:"rate_limited"`
	AuthRequired        int64            `json:"auth_required"`
	FullUpdates         int64            `json:"full_updates"`
	IncrementalUpdates  int64            `json:"incremental_updates"`
	NoChange            int64            `json:"no_change"`
	Coalesced           int64            `json:"coalesced"`
	CoalescingRatio     float64          `json:"coalescing_ratio"` // Share of waiters served by another caller's refresh
	RefreshRate         float64          `json:"refresh_rate"`     // Refreshes per second
	AvgLatency          float64          `json:"avg_latency_ms"`
	P50Latency          float64          `json:"p50_latency_ms"`
	P90Latency          float64          `json:"p90_latency_ms"`
	P95Latency          float64          `json:"p95_latency_ms"`
	P99Latency          float64          `json:"p99_latency_ms"`
	Invalidations       int64            `json:"invalidations"`
	PrefetchRuns        int64            `json:"prefetch_runs"`
	KeysWarmed          int64            `json:"keys_warmed"`
	KeysFailed          int64            `json:"keys_failed"`
	PrefetchFailureRate float64          `json:"prefetch_failure_rate"`
	Resources           []ResourceStats  `json:"resources"`
}

// ResourceStats is the refresh activity of one resource type.
type ResourceStats struct {
	Resource     string  `json:"resource"`
	Refreshes    int64   `json:"refreshes"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// SlidingWindow keeps the last N snapshots in a circular buffer.
type SlidingWindow struct {
	mu       sync.RWMutex
	buffer   []AggregatedStats
	capacity int
	head     int
	count    int
}

// NewSlidingWindow creates a sliding window holding capacity snapshots.
func NewSlidingWindow(capacity int) *SlidingWindow {
	return &SlidingWindow{
		buffer:   make([]AggregatedStats, capacity),
		capacity: capacity,
	}
}

// Add adds a snapshot to the sliding window.
// Complexity: O(1).
func (sw *SlidingWindow) Add(stats AggregatedStats) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.buffer[sw.head] = stats
	sw.head = (sw.head + 1) % sw.capacity
	if sw.count < sw.capacity {
		sw.count++
	}
}

// GetRange returns snapshots taken within the time range, oldest first.
// Complexity: O(n) where n = window capacity.
func (sw *SlidingWindow) GetRange(start, end time.Time) []AggregatedStats {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	result := make([]AggregatedStats, 0, sw.count)
	for i := 0; i < sw.count; i++ {
		stats := sw.buffer[(sw.head-sw.count+i+sw.capacity)%sw.capacity]
		if !stats.Timestamp.Before(start) && !stats.Timestamp.After(end) {
			result = append(result, stats)
		}
	}
	return result
}

// GetLatest returns the most recent snapshot, or the zero value.
func (sw *SlidingWindow) GetLatest() AggregatedStats {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	if sw.count == 0 {
		return AggregatedStats{}
	}
	return sw.buffer[(sw.head-1+sw.capacity)%sw.capacity]
}

// Helper functions

func ratio(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// AnomalyDetector flags snapshots far from the recent baseline.
//
// Methods:
// - Z-score: values more than 3 standard deviations from the mean
// - Refresh rate uses |z| > 4, both bursts and silences are unusual
type AnomalyDetector struct {
	mu sync.RWMutex

	// Historical statistics for baseline
	failureHistory *HistoricalStats
	latencyHistory *HistoricalStats
	rateHistory    *HistoricalStats

	anomalies []Anomaly
}

// Anomaly represents a detected anomaly.
type Anomaly struct {
	Type      AnomalyType `json:"type"`
	Severity  string      `json:"severity"` // "low", "medium", "high", "critical"
	Metric    string      `json:"metric"`
	Value     float64     `json:"value"`
	Expected  float64     `json:"expected"`
	Deviation float64     `json:"deviation"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message"`
}

// AnomalyType represents the type of anomaly.
type AnomalyType string

const (
	AnomalyLatencySpike     AnomalyType = "latency_spike"
	AnomalyFailureRateSpike AnomalyType = "failure_rate_spike"
	AnomalyRefreshRate      AnomalyType = "refresh_rate_anomaly"
)

// minBaseline is how many snapshots a metric needs before it is judged.
const minBaseline = 10

// NewAnomalyDetector creates a new anomaly detector.
func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{
		failureHistory: NewHistoricalStats(100),
		latencyHistory: NewHistoricalStats(100),
		rateHistory:    NewHistoricalStats(100),
		anomalies:      make([]Anomaly, 0),
	}
}

// Detect judges stats against the baseline, then adds it to the baseline.
func (ad *AnomalyDetector) Detect(stats AggregatedStats) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	if z, mean, ok := zscore(ad.failureHistory, stats.FailureRate); ok && z > 3.0 {
		ad.record(Anomaly{
			Type:      AnomalyFailureRateSpike,
			Severity:  "critical",
			Metric:    "failure_rate",
			Value:     stats.FailureRate,
			Expected:  mean,
			Deviation: z,
			Timestamp: stats.Timestamp,
			Message:   "Refresh failure rate significantly elevated",
		})
	}

	if z, mean, ok := zscore(ad.latencyHistory, stats.P95Latency); ok && z > 3.0 {
		ad.record(Anomaly{
			Type:      AnomalyLatencySpike,
			Severity:  calculateSeverity(z),
			Metric:    "p95_latency",
			Value:     stats.P95Latency,
			Expected:  mean,
			Deviation: z,
			Timestamp: stats.Timestamp,
			Message:   "P95 refresh latency significantly higher than baseline",
		})
	}

	if z, mean, ok := zscore(ad.rateHistory, stats.RefreshRate); ok && math.Abs(z) > 4.0 {
		ad.record(Anomaly{
			Type:      AnomalyRefreshRate,
			Severity:  calculateSeverity(z),
			Metric:    "refresh_rate",
			Value:     stats.RefreshRate,
			Expected:  mean,
			Deviation: z,
			Timestamp: stats.Timestamp,
			Message:   "Unusual refresh traffic pattern detected",
		})
	}

	ad.failureHistory.Add(stats.FailureRate)
	ad.latencyHistory.Add(stats.P95Latency)
	ad.rateHistory.Add(stats.RefreshRate)
}

// zscore reports how far value is from the baseline. ok is false while the
// baseline is too short or flat to judge.
func zscore(h *HistoricalStats, value float64) (z, mean float64, ok bool) {
	if h.Count() < minBaseline {
		return 0, 0, false
	}
	mean, stddev := h.MeanStdDev()
	if stddev == 0 {
		return 0, mean, false
	}
	return (value - mean) / stddev, mean, true
}

func (ad *AnomalyDetector) record(a Anomaly) {
	ad.anomalies = append(ad.anomalies, a)
	// Keep last 100
	if len(ad.anomalies) > 100 {
		ad.anomalies = ad.anomalies[len(ad.anomalies)-100:]
	}
}

// GetRecentAnomalies returns anomalies detected after since.
func (ad *AnomalyDetector) GetRecentAnomalies(since time.Time) []Anomaly {
	ad.mu.RLock()
	defer ad.mu.RUnlock()

	result := make([]Anomaly, 0)
	for _, anomaly := range ad.anomalies {
		if anomaly.Timestamp.After(since) {
			result = append(result, anomaly)
		}
	}
	return result
}

// calculateSeverity calculates severity based on z-score.
func calculateSeverity(z float64) string {
	absZ := math.Abs(z)
	switch {
	case absZ > 5.0:
		return "critical"
	case absZ > 4.0:
		return "high"
	case absZ > 3.5:
		return "medium"
	default:
		return "low"
	}
}

// HistoricalStats maintains rolling statistics over the last N values.
//
// Design: Welford's online algorithm, extended to drop the oldest value once
// the window is full. O(capacity) space, O(1) per update.
type HistoricalStats struct {
	values []float64
	count  int
	index  int
	mean   float64
	m2     float64 // Sum of squared differences from mean
}

// NewHistoricalStats creates a new historical stats tracker.
func NewHistoricalStats(capacity int) *HistoricalStats {
	return &HistoricalStats{values: make([]float64, capacity)}
}

// Add adds a value and updates running statistics.
// Complexity: O(1).
func (hs *HistoricalStats) Add(value float64) {
	if hs.count < len(hs.values) {
		hs.count++
		delta := value - hs.mean
		hs.mean += delta / float64(hs.count)
		hs.m2 += delta * (value - hs.mean)
	} else {
		// Replace the oldest value
		old := hs.values[hs.index]
		oldMean := hs.mean
		hs.mean += (value - old) / float64(hs.count)
		hs.m2 += (value - old) * (value - hs.mean + old - oldMean)
		if hs.m2 < 0 {
			hs.m2 = 0 // rounding
		}
	}

	hs.values[hs.index] = value
	hs.index = (hs.index + 1) % len(hs.values)
}

// MeanStdDev returns the mean and sample standard deviation.
func (hs *HistoricalStats) MeanStdDev() (float64, float64) {
	if hs.count < 2 {
		return hs.mean, 0
	}
	return hs.mean, math.Sqrt(hs.m2 / float64(hs.count-1))
}

// Count returns the number of samples.
func (hs *HistoricalStats) Count() int {
	return hs.count
}
