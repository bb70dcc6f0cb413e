package monitoring

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric being recorded.
type MetricType string

const (
	// MetricRefresh is one finished ticket, labels: resource, status, update_type.
	MetricRefresh MetricType = "refresh"
	// MetricRefreshError labels: resource, kind.
	MetricRefreshError MetricType = "refresh.error"
	// MetricCoalesced counts waiters beyond the first.
	MetricCoalesced MetricType = "refresh.coalesced"
	// MetricLatency is a refresh duration in milliseconds, labels: resource.
	MetricLatency        MetricType = "latency"
	MetricInvalidation   MetricType = "invalidation"
	MetricPrefetchRun    MetricType = "prefetch.run"
	MetricPrefetchWarmed MetricType = "prefetch.warmed"
	MetricPrefetchFailed MetricType = "prefetch.failed"
)

// MetricEvent represents a single metric event from any service.
type MetricEvent struct {
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"` // "cache-manager", "warming", "invalidation"
	Labels    map[string]string `json:"labels,omitempty"`
}

// MetricsCollector keeps lifetime counters and a windowed time series.
//
// Design: atomic counters answer "since start" questions without locks; the
// time series answers windowed questions. Memory is bounded by retention.
type MetricsCollector struct {
	refreshes     atomic.Int64
	refreshErrors atomic.Int64
	coalesced     atomic.Int64
	invalidations atomic.Int64
	prefetchRuns  atomic.Int64
	keysWarmed    atomic.Int64
	keysFailed    atomic.Int64

	timeSeries *TimeSeries
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config Config) *MetricsCollector {
	return &MetricsCollector{
		timeSeries: NewTimeSeries(config.MetricsRetention),
	}
}

// RecordMetric records a metric event.
// Complexity: O(1) amortized.
func (mc *MetricsCollector) RecordMetric(event MetricEvent) {
	switch event.Type {
	case MetricRefresh:
		mc.refreshes.Add(int64(event.Value))
	case MetricRefreshError:
		mc.refreshErrors.Add(int64(event.Value))
	case MetricCoalesced:
		mc.coalesced.Add(int64(event.Value))
	case MetricInvalidation:
		mc.invalidations.Add(int64(event.Value))
	case MetricPrefetchRun:
		mc.prefetchRuns.Add(int64(event.Value))
	case MetricPrefetchWarmed:
		mc.keysWarmed.Add(int64(event.Value))
	case MetricPrefetchFailed:
		mc.keysFailed.Add(int64(event.Value))
	}

	mc.timeSeries.Add(event)
}

// GetCounters returns lifetime counter values.
func (mc *MetricsCollector) GetCounters() Counters {
	return Counters{
		Refreshes:     mc.refreshes.Load(),
		RefreshErrors: mc.refreshErrors.Load(),
		Coalesced:     mc.coalesced.Load(),
		Invalidations: mc.invalidations.Load(),
		PrefetchRuns:  mc.prefetchRuns.Load(),
		KeysWarmed:    mc.keysWarmed.Load(),
		KeysFailed:    mc.keysFailed.Load(),
	}
}

// Counters holds all counter metrics.
type Counters struct {
	Refreshes     int64 `json:"refreshes"`
	RefreshErrors int64 `json:"refresh_errors"`
	Coalesced     int64 `json:"coalesced"`
	Invalidations int64 `json:"invalidations"`
	PrefetchRuns  int64 `json:"prefetch_runs"`
	KeysWarmed    int64 `json:"keys_warmed"`
	KeysFailed    int64 `json:"keys_failed"`
}

// LatencyStats holds latency percentile statistics.
type LatencyStats struct {
	Min   float64
	Max   float64
	Avg   float64
	P50   float64
	P90   float64
	P95   float64
	P99   float64
	Count int
}

// calculateLatencyStats computes percentile statistics from values.
// Complexity: O(n log n) due to sorting.
func calculateLatencyStats(values []float64) LatencyStats {
	if len(values) == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Count: len(sorted),
	}
}

// percentile calculates the p-th percentile of sorted values.
// Assumes values is already sorted.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	index := p * float64(len(values)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return values[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

// TimeSeries stores metric events in one-second buckets for windowed queries.
//
// Design: a map of buckets keyed by unix second with periodic cleanup of
// buckets older than retention. Uses more memory than a ring of snapshots
// but gives exact counts and percentiles for any range.
type TimeSeries struct {
	mu          sync.RWMutex
	buckets     map[int64]*Bucket // Unix timestamp (seconds) -> Bucket
	retention   time.Duration
	lastCleanup time.Time
	now         func() time.Time
}

// Bucket holds metrics for a 1-second time window.
type Bucket struct {
	Timestamp     time.Time
	Refreshes     int64
	Statuses      map[string]int64 // fresh, stale, degraded, unavailable
	UpdateTypes   map[string]int64 // full, incremental, none
	ErrorKinds    map[string]int64 // rate_limited, auth_required, transient, malformed, ...
	Coalesced     int64
	Latencies     []float64
	Invalidations int64
	PrefetchRuns  int64
	KeysWarmed    int64
	KeysFailed    int64
	Resources     map[string]*ResourceBucket
}

// ResourceBucket is the per-resource slice of a Bucket.
type ResourceBucket struct {
	Refreshes int64
	Errors    int64
	Latencies []float64
}

func newBucket(ts time.Time) *Bucket {
	return &Bucket{
		Timestamp:   ts,
		Statuses:    make(map[string]int64),
		UpdateTypes: make(map[string]int64),
		ErrorKinds:  make(map[string]int64),
		Resources:   make(map[string]*ResourceBucket),
	}
}

func (b *Bucket) resource(name string) *ResourceBucket {
	rb, ok := b.Resources[name]
	if !ok {
		rb = &ResourceBucket{}
		b.Resources[name] = rb
	}
	return rb
}

// NewTimeSeries creates a new time series store.
func NewTimeSeries(retention time.Duration) *TimeSeries {
	return &TimeSeries{
		buckets:     make(map[int64]*Bucket),
		retention:   retention,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Add adds an event to the time series.
// Complexity: O(1) amortized (occasional cleanup is O(n)).
func (ts *TimeSeries) Add(event MetricEvent) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	bucketKey := event.Timestamp.Unix()
	bucket, exists := ts.buckets[bucketKey]
	if !exists {
		bucket = newBucket(time.Unix(bucketKey, 0))
		ts.buckets[bucketKey] = bucket
	}

	n := int64(event.Value)
	resource := event.Labels["resource"]
	switch event.Type {
	case MetricRefresh:
		bucket.Refreshes += n
		bucket.Statuses[event.Labels["status"]] += n
		if ut := event.Labels["update_type"]; ut != "" {
			bucket.UpdateTypes[ut] += n
		}
		if resource != "" {
			bucket.resource(resource).Refreshes += n
		}
	case MetricRefreshError:
		bucket.ErrorKinds[event.Labels["kind"]] += n
		if resource != "" {
			bucket.resource(resource).Errors += n
		}
	case MetricCoalesced:
		bucket.Coalesced += n
	case MetricLatency:
		bucket.Latencies = append(bucket.Latencies, event.Value)
		if resource != "" {
			rb := bucket.resource(resource)
			rb.Latencies = append(rb.Latencies, event.Value)
		}
	case MetricInvalidation:
		bucket.Invalidations += n
	case MetricPrefetchRun:
		bucket.PrefetchRuns += n
	case MetricPrefetchWarmed:
		bucket.KeysWarmed += n
	case MetricPrefetchFailed:
		bucket.KeysFailed += n
	}

	if now := ts.now(); now.Sub(ts.lastCleanup) > time.Minute {
		ts.cleanup(now)
		ts.lastCleanup = now
	}
}

// Fold calls fn for every bucket within a time range, oldest first. fn runs
// under the read lock and must not keep the bucket.
// Complexity: O(n log n) where n = number of buckets in range.
func (ts *TimeSeries) Fold(start, end time.Time, fn func(*Bucket)) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	startKey := start.Unix()
	endKey := end.Unix()

	keys := make([]int64, 0)
	for key := range ts.buckets {
		if key >= startKey && key <= endKey {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, key := range keys {
		fn(ts.buckets[key])
	}
}

// Len returns the number of buckets held.
func (ts *TimeSeries) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.buckets)
}

// cleanup removes buckets older than retention period.
func (ts *TimeSeries) cleanup(now time.Time) {
	cutoff := now.Add(-ts.retention).Unix()
	for key := range ts.buckets {
		if key < cutoff {
			delete(ts.buckets, key)
		}
	}
}
