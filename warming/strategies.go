package warming

import (
	"context"
	"sort"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/registry"
)

// Strategy decides which cache lines to warm and in what order.
type Strategy interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error)
}

// PlanOptions provides input parameters for warming strategy planning.
type PlanOptions struct {
	Keys     []models.CacheKey // Candidate lines, hottest first
	Priority int               // Fixed task priority; zero lets the strategy decide
	Limit    int               // Maximum number of tasks to generate
}

// WarmTask is one cache line to prefetch.
type WarmTask struct {
	Key      models.CacheKey
	Priority int // 0-100, higher runs first
	Strategy string
}

// maxPlanSize caps any plan so a runaway predictor cannot flood the upstreams.
const maxPlanSize = 1000

func planLimit(limit, n int) int {
	if limit <= 0 || limit > n {
		limit = n
	}
	if limit > maxPlanSize {
		limit = maxPlanSize
	}
	return limit
}

// SelectiveHotKeysStrategy warms only the hottest lines. Most screens read a
// handful of subjects, so the top of the prediction covers most misses.
type SelectiveHotKeysStrategy struct {
	name string
}

// NewSelectiveHotKeysStrategy creates a new selective hot keys strategy.
func NewSelectiveHotKeysStrategy() Strategy {
	return &SelectiveHotKeysStrategy{name: "selective"}
}

func (s *SelectiveHotKeysStrategy) Name() string {
	return s.name
}

// Plan takes the first Limit keys, assumed sorted by hotness.
// Complexity: O(n) where n = min(len(keys), limit)
func (s *SelectiveHotKeysStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	limit := planLimit(opts.Limit, len(opts.Keys))
	tasks := make([]WarmTask, 0, limit)

	for i := 0; i < limit; i++ {
		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (i * 100 / limit) // Linear decrease from 100
		}
		tasks = append(tasks, WarmTask{
			Key:      opts.Keys[i],
			Priority: priority,
			Strategy: s.name,
		})
	}
	return tasks, nil
}

// BreadthFirstStrategy interleaves subjects so that every user gets their
// first line warmed before any user gets a second one.
type BreadthFirstStrategy struct {
	name string
}

// NewBreadthFirstStrategy creates a new breadth-first strategy.
func NewBreadthFirstStrategy() Strategy {
	return &BreadthFirstStrategy{name: "breadth"}
}

func (s *BreadthFirstStrategy) Name() string {
	return s.name
}

// Plan round-robins across subjects, keeping each subject's own key order.
// Complexity: O(n)
func (s *BreadthFirstStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	var subjects []string
	bySubject := make(map[string][]models.CacheKey)
	for _, k := range opts.Keys {
		if _, ok := bySubject[k.Subject]; !ok {
			subjects = append(subjects, k.Subject)
		}
		bySubject[k.Subject] = append(bySubject[k.Subject], k)
	}

	limit := planLimit(opts.Limit, len(opts.Keys))
	tasks := make([]WarmTask, 0, limit)
	for depth := 0; len(tasks) < limit; depth++ {
		added := false
		for _, subject := range subjects {
			keys := bySubject[subject]
			if depth >= len(keys) || len(tasks) >= limit {
				continue
			}
			added = true

			// Deeper rounds get lower priority
			priority := opts.Priority
			if priority == 0 {
				priority = 100 - depth*10
				if priority < 0 {
					priority = 0
				}
			}
			tasks = append(tasks, WarmTask{
				Key:      keys[depth],
				Priority: priority,
				Strategy: s.name,
			})
		}
		if !added {
			break
		}
	}
	return tasks, nil
}

// PriorityBasedStrategy orders lines by the sync priority of their resource,
// then by hotness. Email and calendar lines land before contacts.
type PriorityBasedStrategy struct {
	name     string
	registry *registry.Registry
}

// NewPriorityBasedStrategy creates a new priority-based strategy.
func NewPriorityBasedStrategy(reg *registry.Registry) Strategy {
	return &PriorityBasedStrategy{name: "priority", registry: reg}
}

func (s *PriorityBasedStrategy) Name() string {
	return s.name
}

// Plan scores each line as sync priority weight times hotness.
// Unknown resources fail the whole plan.
// Complexity: O(n log n) for sorting
func (s *PriorityBasedStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	type scored struct {
		task  WarmTask
		score float64
	}
	n := len(opts.Keys)
	all := make([]scored, 0, n)
	for i, key := range opts.Keys {
		strategy, err := s.registry.Lookup(key.Resource)
		if err != nil {
			return nil, err
		}

		// Hotness decreases with position in the list
		hotness := float64(n-i) / float64(n)
		if i < n/10 {
			hotness *= 2 // Top 10% get double weight
		}
		weight := float64(strategy.Priority) / float64(registry.PriorityHigh)
		score := weight*0.7 + hotness*0.3

		priority := opts.Priority
		if priority == 0 {
			priority = int(score * 100)
			if priority > 100 {
				priority = 100
			}
		}
		all = append(all, scored{
			task:  WarmTask{Key: key, Priority: priority, Strategy: s.name},
			score: score,
		})
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].score > all[j].score
	})

	limit := planLimit(opts.Limit, len(all))
	tasks := make([]WarmTask, limit)
	for i := range tasks {
		tasks[i] = all[i].task
	}
	return tasks, nil
}
