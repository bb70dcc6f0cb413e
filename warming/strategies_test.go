package warming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/registry"
	"assistantsync.app/pkg/synerr"
)

func key(subject string, resource models.ResourceType) models.CacheKey {
	return models.CacheKey{Subject: subject, Resource: resource, Window: "today"}
}

func taskKeys(tasks []WarmTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Key.String()
	}
	return out
}

func TestSelectiveHotKeysStrategy_Plan(t *testing.T) {
	s := NewSelectiveHotKeysStrategy()
	assert.Equal(t, "selective", s.Name())

	keys := []models.CacheKey{
		key("u1", models.ResourceEmail),
		key("u2", models.ResourceEmail),
		key("u3", models.ResourceEmail),
		key("u4", models.ResourceEmail),
	}
	tasks, err := s.Plan(context.Background(), PlanOptions{Keys: keys, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1|email|today", "u2|email|today"}, taskKeys(tasks))
	assert.Equal(t, 100, tasks[0].Priority)
	assert.Greater(t, tasks[0].Priority, tasks[1].Priority)
	assert.Equal(t, "selective", tasks[0].Strategy)

	tasks, err = s.Plan(context.Background(), PlanOptions{Keys: keys, Priority: 40})
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, task := range tasks {
		assert.Equal(t, 40, task.Priority)
	}

	tasks, err = s.Plan(context.Background(), PlanOptions{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestBreadthFirstStrategy_InterleavesSubjects(t *testing.T) {
	s := NewBreadthFirstStrategy()
	keys := []models.CacheKey{
		key("u1", models.ResourceEmail),
		key("u1", models.ResourceCalendar),
		key("u1", models.ResourceTasks),
		key("u2", models.ResourceEmail),
		key("u3", models.ResourceContacts),
		key("u3", models.ResourceEmail),
	}

	tasks, err := s.Plan(context.Background(), PlanOptions{Keys: keys})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"u1|email|today", "u2|email|today", "u3|contacts|today",
		"u1|calendar|today", "u3|email|today",
		"u1|tasks|today",
	}, taskKeys(tasks))
	assert.Equal(t, 100, tasks[0].Priority)
	assert.Equal(t, 90, tasks[3].Priority)
	assert.Equal(t, 80, tasks[5].Priority)

	tasks, err = s.Plan(context.Background(), PlanOptions{Keys: keys, Limit: 4})
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
	assert.Equal(t, "u1|calendar|today", tasks[3].Key.String())
}

func TestPriorityBasedStrategy_OrdersBySyncPriority(t *testing.T) {
	s := NewPriorityBasedStrategy(registry.Default())
	keys := []models.CacheKey{
		key("u1", models.ResourceContacts),
		key("u1", models.ResourceTasks),
		key("u1", models.ResourceEmail),
	}

	tasks, err := s.Plan(context.Background(), PlanOptions{Keys: keys})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1|email|today", "u1|tasks|today", "u1|contacts|today"}, taskKeys(tasks))
	assert.Greater(t, tasks[0].Priority, tasks[1].Priority)
	assert.Greater(t, tasks[1].Priority, tasks[2].Priority)

	tasks, err = s.Plan(context.Background(), PlanOptions{Keys: keys, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1|email|today"}, taskKeys(tasks))
}

func TestPriorityBasedStrategy_UnknownResource(t *testing.T) {
	s := NewPriorityBasedStrategy(registry.Default())
	_, err := s.Plan(context.Background(), PlanOptions{Keys: []models.CacheKey{key("u1", "photos")}})
	assert.True(t, synerr.IsConfiguration(err))
}
