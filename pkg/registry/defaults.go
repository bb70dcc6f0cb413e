package registry

import (
	"time"

	"assistantsync.app/pkg/models"
)

// Shared upstream budgets.
const (
	BudgetGoogle = "google"
	BudgetGraph  = "graph"
)

// DefaultStrategies is the table every assistant screen is configured from.
func DefaultStrategies() []ResourceStrategy {
	return []ResourceStrategy{
		{
			Resource:         models.ResourceEmail,
			Window:           5 * time.Minute,
			RefreshPolicy:    RefreshImmediate,
			Priority:         PriorityHigh,
			ConcurrencyLimit: 1,
			Budget:           BudgetGoogle,
			IdentityFields:   []string{"id", "messageId", "threadId"},
			CompareFields:    []string{"subject", "snippet", "labelIds", "unread", "historyId"},
		},
		{
			Resource:         models.ResourceCalendar,
			Window:           15 * time.Minute,
			RefreshPolicy:    RefreshImmediate,
			Priority:         PriorityHigh,
			ConcurrencyLimit: 1,
			Budget:           BudgetGoogle,
			IdentityFields:   []string{"id", "iCalUID"},
			CompareFields:    []string{"summary", "start", "end", "status", "location", "updated"},
		},
		{
			Resource:         models.ResourceTasks,
			Window:           10 * time.Minute,
			RefreshPolicy:    RefreshBackgroundBatched,
			Priority:         PriorityMedium,
			ConcurrencyLimit: 1,
			Budget:           BudgetGoogle,
			IdentityFields:   []string{"id"},
			CompareFields:    []string{"title", "status", "due", "notes", "updated"},
		},
		{
			Resource:         models.ResourceContacts,
			Window:           time.Hour,
			RefreshPolicy:    RefreshBackgroundDeferred,
			Priority:         PriorityLow,
			ConcurrencyLimit: 1,
			Budget:           BudgetGoogle,
			IdentityFields:   []string{"resourceName", "id"},
			CompareFields:    []string{"names", "emailAddresses", "phoneNumbers", "etag"},
		},
		{
			Resource:         models.ResourceConcepts,
			Window:           30 * time.Minute,
			RefreshPolicy:    RefreshBackgroundBatched,
			Priority:         PriorityMedium,
			ConcurrencyLimit: 1,
			Budget:           BudgetGraph,
			FetchTimeout:     20 * time.Second,
			IdentityFields:   []string{"id", "uri"},
		},
	}
}

// Default returns a registry loaded with DefaultStrategies.
func Default() *Registry {
	return MustNew(DefaultStrategies()...)
}
