// Package registry holds the static per-resource cache strategies.
//
// The set of resource types is closed: Lookup on an unknown type is a
// configuration error, never a silent default window.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"assistantsync.app/pkg/diff"
	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/synerr"
	"assistantsync.app/pkg/utils"
)

// RefreshPolicy governs whether a miss blocks the caller.
type RefreshPolicy int

const (
	// RefreshImmediate blocks the caller until the upstream answers.
	RefreshImmediate RefreshPolicy = iota
	// RefreshBackgroundBatched serves an expired line and refreshes right away in background.
	RefreshBackgroundBatched
	// RefreshBackgroundDeferred serves an expired line and refreshes after a delay.
	RefreshBackgroundDeferred
)

func (p RefreshPolicy) String() string {
	switch p {
	case RefreshImmediate:
		return "immediate"
	case RefreshBackgroundBatched:
		return "background_batched"
	case RefreshBackgroundDeferred:
		return "background_deferred"
	default:
		return "unknown"
	}
}

// SyncPriority orders refresh admission on a shared upstream budget.
// Higher values are admitted first.
type SyncPriority int

const (
	PriorityLow SyncPriority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p SyncPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ResourceStrategy is the immutable cache configuration of one resource type.
type ResourceStrategy struct {
	Resource      models.ResourceType
	Window        time.Duration
	RefreshPolicy RefreshPolicy
	Priority      SyncPriority
	// ConcurrencyLimit bounds simultaneous refreshes across all keys of the resource.
	ConcurrencyLimit int
	// Budget names the upstream rate budget shared with other resources ("google").
	Budget string
	// FetchTimeout bounds one upstream call; zero means the engine default.
	FetchTimeout time.Duration
	// IdentityFields are tried in order; the first non-empty value is the identity.
	IdentityFields []string
	// CompareFields select what counts as a change; empty means the whole item.
	CompareFields []string
}

// Validate checks a strategy before it is registered.
func (s ResourceStrategy) Validate() error {
	if s.Resource == "" {
		return fmt.Errorf("strategy: resource cannot be empty")
	}
	if s.Window <= 0 {
		return fmt.Errorf("strategy %s: window must be positive", s.Resource)
	}
	if s.Priority < PriorityLow || s.Priority > PriorityHigh {
		return fmt.Errorf("strategy %s: invalid priority %d", s.Resource, s.Priority)
	}
	if s.RefreshPolicy < RefreshImmediate || s.RefreshPolicy > RefreshBackgroundDeferred {
		return fmt.Errorf("strategy %s: invalid refresh policy %d", s.Resource, s.RefreshPolicy)
	}
	if s.ConcurrencyLimit < 0 {
		return fmt.Errorf("strategy %s: concurrency limit cannot be negative", s.Resource)
	}
	if s.FetchTimeout < 0 {
		return fmt.Errorf("strategy %s: fetch timeout cannot be negative", s.Resource)
	}
	return nil
}

// Identity returns the identity function used by the Diff Engine.
// Items without any identity field are identified by the hash of their canonical form.
func (s ResourceStrategy) Identity() diff.IdentityFunc {
	fields := append([]string(nil), s.IdentityFields...)
	return func(item models.Item) string {
		for _, f := range fields {
			if v, ok := item[f]; ok && v != nil {
				if str := fmt.Sprint(v); str != "" {
					return f + ":" + str
				}
			}
		}
		return "hash:" + hashItem(item)
	}
}

// Compare returns the compare function used by the Diff Engine.
func (s ResourceStrategy) Compare() diff.CompareFunc {
	fields := append([]string(nil), s.CompareFields...)
	if len(fields) == 0 {
		return hashItem
	}
	return func(item models.Item) string {
		subset := make(models.Item, len(fields))
		for _, f := range fields {
			if v, ok := item[f]; ok {
				subset[f] = v
			}
		}
		return hashItem(subset)
	}
}

func hashItem(item models.Item) string {
	data, err := models.EncodeItem(item)
	if err != nil {
		// unencodable values still need a stable, distinct identity
		return utils.HashString(fmt.Sprintf("%#v", item))
	}
	return utils.Fingerprint(data)
}

// Registry is a closed, read-only set of strategies.
type Registry struct {
	strategies map[models.ResourceType]ResourceStrategy
}

// New builds a registry. Duplicate or invalid strategies are rejected.
// A zero ConcurrencyLimit becomes 1 (strict single-flight).
func New(strategies ...ResourceStrategy) (*Registry, error) {
	r := &Registry{strategies: make(map[models.ResourceType]ResourceStrategy, len(strategies))}
	for _, s := range strategies {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.strategies[s.Resource]; dup {
			return nil, fmt.Errorf("strategy %s registered twice", s.Resource)
		}
		if s.ConcurrencyLimit == 0 {
			s.ConcurrencyLimit = 1
		}
		r.strategies[s.Resource] = s.clone()
	}
	return r, nil
}

// MustNew is New for static tables; it panics on invalid input.
func MustNew(strategies ...ResourceStrategy) *Registry {
	r, err := New(strategies...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the strategy of a resource type.
func (r *Registry) Lookup(resource models.ResourceType) (ResourceStrategy, error) {
	s, ok := r.strategies[resource]
	if !ok {
		return ResourceStrategy{}, &synerr.ConfigurationError{Resource: resource}
	}
	return s.clone(), nil
}

// clone detaches the field slices so neither side can rewrite the other's.
func (s ResourceStrategy) clone() ResourceStrategy {
	s.IdentityFields = slices.Clone(s.IdentityFields)
	s.CompareFields = slices.Clone(s.CompareFields)
	return s
}

// Resources lists the registered types in name order.
func (r *Registry) Resources() []models.ResourceType {
	out := make([]models.ResourceType, 0, len(r.strategies))
	for res := range r.strategies {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Budgets lists the distinct budget names, empty budget excluded.
func (r *Registry) Budgets() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range r.strategies {
		b := strings.TrimSpace(s.Budget)
		if b == "" {
			continue
		}
		if _, ok := seen[b]; !ok {
			seen[b] = struct{}{}
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}
