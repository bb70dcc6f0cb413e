// Package diff computes set differences between two item collections and
// decides how a refresh should be written back to the cache.
//
// Algorithm:
//   - Build identity maps for both collections with the caller's identity function
//   - Only in fresh: added. Only in previous: removed.
//   - In both and different under the compare function: updated
//   - ChangeRatio = (added + updated + removed) / max(1, len(previous))
//
// Complexity: O(n + m) map operations plus one compare per shared item.
package diff

import (
	"assistantsync.app/pkg/models"
)

// IdentityFunc returns the natural identity of an item.
type IdentityFunc func(models.Item) string

// CompareFunc returns the form of an item that decides whether it changed.
type CompareFunc func(models.Item) string

// Result is the outcome of comparing two collections.
type Result struct {
	Added       models.Collection
	Updated     models.Collection // fresh versions of changed items
	Removed     models.Collection
	ChangeRatio float64
	Previous    int
	Fresh       int
}

// Changed returns the total number of changed items.
func (r Result) Changed() int {
	return len(r.Added) + len(r.Updated) + len(r.Removed)
}

// Dedup drops every item whose identity already appeared earlier in items.
// It returns items itself when there is nothing to drop.
func Dedup(items models.Collection, identity IdentityFunc) models.Collection {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		id := identity(item)
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			continue
		}
		out := append(models.Collection(nil), items[:i]...)
		for _, next := range items[i+1:] {
			nid := identity(next)
			if _, dup := seen[nid]; dup {
				continue
			}
			seen[nid] = struct{}{}
			out = append(out, next)
		}
		return out
	}
	return items
}

// Diff compares previous against fresh.
// Within either collection the first item of an identity wins; later ones
// are ignored, the same rule Dedup applies.
func Diff(previous, fresh models.Collection, identity IdentityFunc, compare CompareFunc) Result {
	prevIdx := make(map[string]models.Item, len(previous))
	for _, item := range previous {
		id := identity(item)
		if _, dup := prevIdx[id]; !dup {
			prevIdx[id] = item
		}
	}

	res := Result{Previous: len(previous), Fresh: len(fresh)}
	seen := make(map[string]struct{}, len(fresh))

	for _, item := range fresh {
		id := identity(item)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		old, ok := prevIdx[id]
		if !ok {
			res.Added = append(res.Added, item)
			continue
		}
		if compare(old) != compare(item) {
			res.Updated = append(res.Updated, item)
		}
	}

	removed := make(map[string]struct{})
	for _, item := range previous {
		id := identity(item)
		if _, ok := seen[id]; ok {
			continue
		}
		if _, dup := removed[id]; dup {
			continue
		}
		removed[id] = struct{}{}
		res.Removed = append(res.Removed, item)
	}

	denom := len(previous)
	if denom < 1 {
		denom = 1
	}
	res.ChangeRatio = float64(res.Changed()) / float64(denom)
	return res
}

// Merge applies an incremental result onto the previous collection.
// Previous order is kept, updated items are replaced in place, removed items are
// dropped and added items are appended in fresh order.
func Merge(previous models.Collection, res Result, identity IdentityFunc) models.Collection {
	updated := make(map[string]models.Item, len(res.Updated))
	for _, item := range res.Updated {
		updated[identity(item)] = item
	}
	removed := make(map[string]struct{}, len(res.Removed))
	for _, item := range res.Removed {
		removed[identity(item)] = struct{}{}
	}

	out := make(models.Collection, 0, len(previous)+len(res.Added))
	for _, item := range previous {
		id := identity(item)
		if _, gone := removed[id]; gone {
			continue
		}
		if repl, ok := updated[id]; ok {
			out = append(out, repl)
			continue
		}
		out = append(out, item)
	}
	return append(out, res.Added...)
}
