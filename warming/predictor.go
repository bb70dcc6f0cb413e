package warming

import (
	"context"
	"sort"
	"sync"
	"time"

	"assistantsync.app/pkg/models"
)

// Predictor predicts which cache lines are likely to be read in the near future.
type Predictor interface {
	RecordAccess(key models.CacheKey, weight int)
	PredictHotKeys(ctx context.Context, window time.Duration, limit int) ([]models.CacheKey, error)
}

// DefaultPredictor is a heuristic predictor fed by refresh outcomes.
//
// Algorithm:
// 1. Track access counts and timestamps for each line
// 2. Calculate access frequency (accesses per hour)
// 3. Calculate growth rate (recent vs historical frequency)
// 4. Score = frequency * (1 + growth_rate) * recency_bonus
// 5. Return top N lines by score
//
// A refresh with several waiters counts as several accesses, since every
// waiter was a screen asking for the line.
type DefaultPredictor struct {
	mu         sync.RWMutex
	accessLog  map[string]*AccessHistory
	maxHistory int
	now        func() time.Time
}

// AccessHistory tracks access patterns for a single cache line.
type AccessHistory struct {
	Key           models.CacheKey
	TotalAccesses int64
	FirstSeen     time.Time
	LastAccessed  time.Time
	AccessTimes   []time.Time
}

// NewDefaultPredictor creates a new default predictor.
func NewDefaultPredictor() *DefaultPredictor {
	return &DefaultPredictor{
		accessLog:  make(map[string]*AccessHistory),
		maxHistory: 100,
		now:        time.Now,
	}
}

// RecordAccess records weight accesses to key. Weights below one count as one.
func (p *DefaultPredictor) RecordAccess(key models.CacheKey, weight int) {
	if weight < 1 {
		weight = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	id := key.String()
	history, exists := p.accessLog[id]
	if !exists {
		history = &AccessHistory{
			Key:         key,
			FirstSeen:   now,
			AccessTimes: make([]time.Time, 0, p.maxHistory),
		}
		p.accessLog[id] = history
	}

	history.TotalAccesses += int64(weight)
	history.LastAccessed = now
	for i := 0; i < weight; i++ {
		history.AccessTimes = append(history.AccessTimes, now)
	}
	if over := len(history.AccessTimes) - p.maxHistory; over > 0 {
		history.AccessTimes = history.AccessTimes[over:]
	}
}

// PredictHotKeys predicts the top N lines likely to be read in the next window.
// Complexity: O(n log n) where n = total tracked lines
func (p *DefaultPredictor) PredictHotKeys(ctx context.Context, window time.Duration, limit int) ([]models.CacheKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	cutoff := now.Add(-window)

	type keyScore struct {
		id    string
		key   models.CacheKey
		score float64
	}
	scores := make([]keyScore, 0, len(p.accessLog))
	for id, history := range p.accessLog {
		if score := calculateScore(history, now, cutoff); score > 0 {
			scores = append(scores, keyScore{id: id, key: history.Key, score: score})
		}
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score == scores[j].score {
			return scores[i].id < scores[j].id
		}
		return scores[i].score > scores[j].score
	})

	if limit > 0 && limit < len(scores) {
		scores = scores[:limit]
	}

	hotKeys := make([]models.CacheKey, len(scores))
	for i, ks := range scores {
		hotKeys[i] = ks.key
	}
	return hotKeys, nil
}

// calculateScore computes a prediction score for a line.
// Higher score = more likely to be read soon.
func calculateScore(history *AccessHistory, now, cutoff time.Time) float64 {
	if history.TotalAccesses == 0 {
		return 0
	}

	// Accesses per hour since first seen, at least one hour of history
	hours := now.Sub(history.FirstSeen).Hours()
	if hours < 1 {
		hours = 1
	}
	frequency := float64(history.TotalAccesses) / hours

	recentCount := 0
	for _, t := range history.AccessTimes {
		if t.After(cutoff) {
			recentCount++
		}
	}

	growthRate := (float64(recentCount) - frequency) / frequency
	if growthRate < -0.9 {
		growthRate = -0.9 // gone quiet, but still known
	}

	recencyBonus := 1.0
	switch sinceLast := now.Sub(history.LastAccessed); {
	case sinceLast < 5*time.Minute:
		recencyBonus = 2.0
	case sinceLast < 30*time.Minute:
		recencyBonus = 1.5
	}

	return frequency * (1.0 + growthRate) * recencyBonus
}

// Forget drops every tracked line of subject.
func (p *DefaultPredictor) Forget(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, history := range p.accessLog {
		if history.Key.Subject == subject {
			delete(p.accessLog, id)
			removed++
		}
	}
	return removed
}

// Cleanup removes lines not accessed within maxAge.
// Should be called periodically (e.g., daily).
func (p *DefaultPredictor) Cleanup(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-maxAge)
	removed := 0
	for id, history := range p.accessLog {
		if history.LastAccessed.Before(cutoff) {
			delete(p.accessLog, id)
			removed++
		}
	}
	return removed
}

// GetStats returns statistics about the predictor's state.
func (p *DefaultPredictor) GetStats() PredictorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total int64
	for _, history := range p.accessLog {
		total += history.TotalAccesses
	}
	return PredictorStats{
		TrackedKeys:   len(p.accessLog),
		TotalAccesses: total,
	}
}

type PredictorStats struct {
	TrackedKeys   int   `json:"tracked_keys"`
	TotalAccesses int64 `json:"total_accesses"`
}
