package models

import "time"

// Stats is the per-subject cache aggregate.
//
// Counters only grow; an explicit reset is the only way back to zero.
// AvgResponseTimeMs is the exact mean over every recorded hit and miss.
type Stats struct {
	Subject           string     `json:"subject"`
	Hits              uint64     `json:"hits"`
	Misses            uint64     `json:"misses"`
	Writes            uint64     `json:"writes"`
	TotalItemsCached  uint64     `json:"total_items_cached"`
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
	LastUpdateType    UpdateType `json:"last_update_type,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Requests returns the number of reads that contributed to the mean.
func (s Stats) Requests() uint64 {
	return s.Hits + s.Misses
}

// HitRate returns hits / (hits + misses), or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Requests()
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ResultStatus tags what a caller got back from a resolve.
type ResultStatus string

const (
	// StatusFresh: served from a valid cache line or a successful refresh.
	StatusFresh ResultStatus = "fresh"
	// StatusStale: an expired line served while a background refresh runs.
	StatusStale ResultStatus = "stale"
	// StatusDegraded: last known data served after the upstream failed or is backing off.
	StatusDegraded ResultStatus = "degraded"
	// StatusUnavailable: no upstream data and nothing cached.
	StatusUnavailable ResultStatus = "unavailable"
)

// Source says where the returned data came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
	SourceNone     Source = "none"
)

// CacheResult is what Resolve hands back to callers.
type CacheResult struct {
	Key        CacheKey     `json:"key"`
	Status     ResultStatus `json:"status"`
	Source     Source       `json:"source"`
	Items      Collection   `json:"items,omitempty"`
	Entry      *CacheEntry  `json:"entry,omitempty"`
	UpdateType UpdateType   `json:"update_type,omitempty"`
	// Err carries the upstream failure behind a Degraded or Unavailable result.
	Err error `json:"-"`
}

// HasData reports whether the result carries any items, fresh or not.
func (r *CacheResult) HasData() bool {
	return r != nil && r.Status != StatusUnavailable
}
