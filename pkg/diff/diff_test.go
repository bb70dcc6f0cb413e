package diff

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantsync.app/pkg/models"
)

func byID(item models.Item) string {
	return fmt.Sprint(item["id"])
}

func bySubject(item models.Item) string {
	return fmt.Sprint(item["subject"])
}

func makeItems(n int) models.Collection {
	items := make(models.Collection, n)
	for i := range items {
		items[i] = models.Item{"id": fmt.Sprintf("m%d", i), "subject": fmt.Sprintf("hello %d", i)}
	}
	return items
}

func clone(items models.Collection) models.Collection {
	out := make(models.Collection, len(items))
	for i, item := range items {
		c := make(models.Item, len(item))
		for k, v := range item {
			c[k] = v
		}
		out[i] = c
	}
	return out
}

func TestDiff_NoChange(t *testing.T) {
	prev := makeItems(10)
	res := Diff(prev, clone(prev), byID, bySubject)

	assert.Zero(t, res.Changed())
	assert.Zero(t, res.ChangeRatio)
	assert.Equal(t, models.UpdateNone, DefaultPolicy().Classify(res))
}

func TestDiff_AddedUpdatedRemoved(t *testing.T) {
	prev := makeItems(4)
	// m0 removed, m1 updated
	fresh := clone(prev[1:])
	fresh[0]["subject"] = "changed"
	fresh = append(fresh, models.Item{"id": "new", "subject": "n"})

	res := Diff(prev, fresh, byID, bySubject)

	require.Len(t, res.Added, 1)
	require.Len(t, res.Updated, 1)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, "new", res.Added[0]["id"])
	assert.Equal(t, "m1", res.Updated[0]["id"])
	assert.Equal(t, "m0", res.Removed[0]["id"])
	assert.InDelta(t, 0.75, res.ChangeRatio, 1e-9)
}

func TestDiff_CompareIgnoresOtherFields(t *testing.T) {
	prev := makeItems(3)
	fresh := clone(prev)
	fresh[0]["read"] = true // not part of the compare function

	res := Diff(prev, fresh, byID, bySubject)
	assert.Zero(t, res.Changed())
}

func TestDiff_EmptyPrevious(t *testing.T) {
	res := Diff(nil, makeItems(3), byID, bySubject)
	assert.Len(t, res.Added, 3)
	assert.Equal(t, 3.0, res.ChangeRatio)
}

func TestDiff_DuplicateIdentities(t *testing.T) {
	fresh := models.Collection{
		{"id": "a", "subject": "1"},
		{"id": "a", "subject": "2"},
	}
	res := Diff(nil, fresh, byID, bySubject)
	require.Len(t, res.Added, 1)
	assert.Equal(t, "1", res.Added[0]["subject"], "first occurrence wins")

	// the same rule holds for previous
	prev := models.Collection{
		{"id": "a", "subject": "1"},
		{"id": "a", "subject": "2"},
	}
	res = Diff(prev, models.Collection{{"id": "a", "subject": "1"}}, byID, bySubject)
	assert.Empty(t, res.Updated)
	assert.Empty(t, res.Removed)
}

func TestDedup(t *testing.T) {
	unique := makeItems(3)
	assert.Equal(t, unique, Dedup(unique, byID))
	assert.Empty(t, Dedup(nil, byID))

	items := models.Collection{
		{"id": "a", "subject": "1"},
		{"id": "b", "subject": "1"},
		{"id": "a", "subject": "2"},
		{"id": "c", "subject": "1"},
		{"id": "b", "subject": "2"},
	}
	got := Dedup(items, byID)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{byID(got[0]), byID(got[1]), byID(got[2])})
	assert.Equal(t, "1", got[0]["subject"])
	assert.Len(t, items, 5, "input is not modified")
}

func TestPolicy_IncrementalThreshold(t *testing.T) {
	prev := makeItems(100)
	fresh := clone(prev)
	for i := 0; i < 15; i++ {
		fresh[i]["subject"] = "edited"
	}

	res := Diff(prev, fresh, byID, bySubject)
	assert.Equal(t, 15, res.Changed())
	assert.InDelta(t, 0.15, res.ChangeRatio, 1e-9)
	assert.Equal(t, models.UpdateIncremental, DefaultPolicy().Classify(res))
}

func TestPolicy_FullThreshold(t *testing.T) {
	prev := makeItems(100)
	fresh := clone(prev)
	for i := 0; i < 40; i++ {
		fresh[i]["subject"] = "edited"
	}

	res := Diff(prev, fresh, byID, bySubject)
	assert.InDelta(t, 0.40, res.ChangeRatio, 1e-9)
	assert.Equal(t, models.UpdateFull, DefaultPolicy().Classify(res))
}

func TestPolicy_CountBoundForcesFull(t *testing.T) {
	// 25 of 1000 is a small ratio but too many items for a merge
	res := Result{Updated: makeItems(25), Previous: 1000, ChangeRatio: 0.025}
	assert.Equal(t, models.UpdateFull, DefaultPolicy().Classify(res))

	custom := Policy{IncrementalRatio: 0.30, IncrementalMaxChanges: 50}
	assert.Equal(t, models.UpdateIncremental, custom.Classify(res))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{IncrementalRatio: 0, IncrementalMaxChanges: 20}.Validate())
	assert.Error(t, Policy{IncrementalRatio: 1.5, IncrementalMaxChanges: 20}.Validate())
	assert.Error(t, Policy{IncrementalRatio: 0.3, IncrementalMaxChanges: 0}.Validate())
}

func TestMerge(t *testing.T) {
	prev := makeItems(4)
	fresh := clone(prev[1:])
	fresh[1]["subject"] = "edited"
	fresh = append(fresh, models.Item{"id": "x", "subject": "new"})

	res := Diff(prev, fresh, byID, bySubject)
	merged := Merge(prev, res, byID)

	ids := make([]string, len(merged))
	for i, item := range merged {
		ids[i] = byID(item)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "x"}, ids)
	assert.Equal(t, "edited", merged[1]["subject"])

	// merging the diff reproduces the fresh set
	assert.Zero(t, Diff(fresh, merged, byID, bySubject).Changed())
}
