package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"assistantsync.app/pkg/models"
)

// ticket is one in-flight refresh of one key. Every caller that finds it in
// the table waits on done and receives the same result.
type ticket struct {
	id      string
	key     models.CacheKey
	started time.Time
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// expedite is closed when a blocking caller joins a deferred refresh.
	expedite     chan struct{}
	expediteOnce sync.Once

	waiters atomic.Int32

	// written once before done is closed
	result *models.CacheResult
	err    error
}

func (t *ticket) hurry() {
	t.expediteOnce.Do(func() { close(t.expedite) })
}

// ticketTable is the single-flight guard: lookup and creation happen in one
// critical section, so two callers can never both see "no ticket".
type ticketTable struct {
	mu      sync.Mutex
	tickets map[string]*ticket
}

func newTicketTable() *ticketTable {
	return &ticketTable{tickets: make(map[string]*ticket)}
}

// acquire returns the ticket for key, creating it when none exists.
// created reports whether the caller must run the refresh; the new ticket's
// context derives from parent. A waiting caller is counted before the lock
// is released, so the count is complete by the time the ticket finishes.
func (tt *ticketTable) acquire(parent context.Context, key models.CacheKey, started time.Time, waiting bool) (t *ticket, created bool) {
	k := key.String()

	tt.mu.Lock()
	defer tt.mu.Unlock()

	if existing, ok := tt.tickets[k]; ok {
		if waiting {
			existing.waiters.Add(1)
		}
		return existing, false
	}
	t = &ticket{
		id:       uuid.NewString(),
		key:      key,
		started:  started,
		done:     make(chan struct{}),
		expedite: make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(parent)
	if waiting {
		t.waiters.Add(1)
	}
	tt.tickets[k] = t
	return t, true
}

// complete publishes the result, removes the ticket and wakes every waiter.
func (tt *ticketTable) complete(t *ticket, result *models.CacheResult, err error) {
	t.result, t.err = result, err

	tt.mu.Lock()
	if tt.tickets[t.key.String()] == t {
		delete(tt.tickets, t.key.String())
	}
	tt.mu.Unlock()

	close(t.done)
}

func (tt *ticketTable) lookup(key models.CacheKey) (*ticket, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t, ok := tt.tickets[key.String()]
	return t, ok
}

// inFlight returns the number of active tickets.
func (tt *ticketTable) inFlight() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.tickets)
}

// cancelAll aborts every in-flight refresh.
func (tt *ticketTable) cancelAll() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for _, t := range tt.tickets {
		t.cancel()
	}
}
