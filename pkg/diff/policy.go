package diff

import (
	"fmt"

	"assistantsync.app/pkg/models"
)

// Default classification thresholds.
const (
	DefaultIncrementalRatio      = 0.30
	DefaultIncrementalMaxChanges = 20
)

// Policy decides between skipping, merging and replacing a cache line.
type Policy struct {
	// IncrementalRatio is the exclusive upper bound on ChangeRatio for a merge.
	IncrementalRatio float64 `env:"SYNC_INCREMENTAL_RATIO" envDefault:"0.30"`
	// IncrementalMaxChanges is the exclusive upper bound on changed items for a merge.
	IncrementalMaxChanges int `env:"SYNC_INCREMENTAL_MAX_CHANGES" envDefault:"20"`
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		IncrementalRatio:      DefaultIncrementalRatio,
		IncrementalMaxChanges: DefaultIncrementalMaxChanges,
	}
}

// Validate rejects thresholds that would make every write full or none.
func (p Policy) Validate() error {
	if p.IncrementalRatio <= 0 || p.IncrementalRatio > 1 {
		return fmt.Errorf("incremental ratio must be in (0, 1], got %v", p.IncrementalRatio)
	}
	if p.IncrementalMaxChanges <= 0 {
		return fmt.Errorf("incremental max changes must be positive, got %d", p.IncrementalMaxChanges)
	}
	return nil
}

// Classify maps a diff result to an update type:
//   - no change at all: UpdateNone, the write is skipped
//   - ratio < IncrementalRatio and changed < IncrementalMaxChanges: UpdateIncremental
//   - anything else: UpdateFull
func (p Policy) Classify(res Result) models.UpdateType {
	changed := res.Changed()
	if changed == 0 {
		return models.UpdateNone
	}
	if res.ChangeRatio < p.IncrementalRatio && changed < p.IncrementalMaxChanges {
		return models.UpdateIncremental
	}
	return models.UpdateFull
}
