package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/synerr"
)

func TestDefault_CoversEveryResource(t *testing.T) {
	r := Default()
	for _, res := range []models.ResourceType{
		models.ResourceEmail,
		models.ResourceCalendar,
		models.ResourceTasks,
		models.ResourceContacts,
		models.ResourceConcepts,
	} {
		s, err := r.Lookup(res)
		require.NoError(t, err, res)
		assert.Positive(t, s.Window)
		assert.Equal(t, 1, s.ConcurrencyLimit)
	}
	assert.Equal(t, []string{BudgetGoogle, BudgetGraph}, r.Budgets())
}

func TestLookup_UnknownIsConfigurationError(t *testing.T) {
	_, err := Default().Lookup("faxes")
	require.Error(t, err)
	assert.True(t, synerr.IsConfiguration(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(ResourceStrategy{Resource: "x", Window: 0, Priority: PriorityLow})
	assert.Error(t, err)

	_, err = New(ResourceStrategy{Resource: "x", Window: time.Minute})
	assert.Error(t, err, "priority is required")

	s := ResourceStrategy{Resource: "x", Window: time.Minute, Priority: PriorityLow}
	_, err = New(s, s)
	assert.Error(t, err)

	r, err := New(s)
	require.NoError(t, err)
	got, err := r.Lookup("x")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConcurrencyLimit, "zero limit defaults to single-flight")
}

func TestNew_CopiesFieldSlices(t *testing.T) {
	fields := []string{"id"}
	r := MustNew(ResourceStrategy{Resource: "x", Window: time.Minute, Priority: PriorityLow, IdentityFields: fields})
	fields[0] = "other"

	s, err := r.Lookup("x")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, s.IdentityFields)

	// a looked-up strategy is the caller's copy
	s.IdentityFields[0] = "mutated"
	s.CompareFields = append(s.CompareFields, "title")

	again, err := r.Lookup("x")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, again.IdentityFields)
	assert.Empty(t, again.CompareFields)
	assert.Equal(t, "id:7", again.Identity()(models.Item{"id": "7", "mutated": "9"}))
}

func TestIdentity(t *testing.T) {
	s := ResourceStrategy{IdentityFields: []string{"id", "uri"}}
	id := s.Identity()

	assert.Equal(t, "id:42", id(models.Item{"id": "42", "uri": "x"}))
	assert.Equal(t, "uri:urn:a", id(models.Item{"uri": "urn:a"}))

	// fallback hash is stable across map construction order
	a := id(models.Item{"label": "A", "weight": 1.0})
	b := id(models.Item{"weight": 1.0, "label": "A"})
	assert.Equal(t, a, b)
	assert.Contains(t, a, "hash:")
	assert.NotEqual(t, a, id(models.Item{"label": "B", "weight": 1.0}))
}

func TestCompare(t *testing.T) {
	whole := ResourceStrategy{}.Compare()
	assert.NotEqual(t, whole(models.Item{"a": 1.0}), whole(models.Item{"a": 2.0}))

	subset := ResourceStrategy{CompareFields: []string{"title"}}.Compare()
	assert.Equal(t,
		subset(models.Item{"title": "x", "etag": "1"}),
		subset(models.Item{"title": "x", "etag": "2"}),
	)
	assert.NotEqual(t,
		subset(models.Item{"title": "x"}),
		subset(models.Item{"title": "y"}),
	)
}

func TestPolicyAndPriorityStrings(t *testing.T) {
	assert.Equal(t, "immediate", RefreshImmediate.String())
	assert.Equal(t, "background_deferred", RefreshBackgroundDeferred.String())
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Greater(t, PriorityHigh, PriorityMedium)
	assert.Greater(t, PriorityMedium, PriorityLow)
}
