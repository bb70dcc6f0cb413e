package coordinator

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/registry"
)

// admission gates upstream fetches. A refresh must hold, in order:
//  1. a slot of its resource type (ConcurrencyLimit)
//  2. a slot of its shared budget, granted by priority then arrival
//  3. a token from the budget's rate limiter, when one is configured
//
// Nothing is ever dropped; low priority work waits until higher priority work drains.
type admission struct {
	resources map[models.ResourceType]*semaphore.Weighted
	budgets   map[string]*budget
}

func newAdmission(reg *registry.Registry, capacity int, rps float64) *admission {
	a := &admission{
		resources: make(map[models.ResourceType]*semaphore.Weighted),
		budgets:   make(map[string]*budget),
	}
	for _, res := range reg.Resources() {
		s, _ := reg.Lookup(res)
		a.resources[res] = semaphore.NewWeighted(int64(s.ConcurrencyLimit))
	}
	for _, name := range reg.Budgets() {
		a.budgets[name] = newBudget(name, capacity, rps)
	}
	return a
}

// acquire blocks until the refresh may call the upstream. The returned func
// gives every slot back and must be called exactly once.
func (a *admission) acquire(ctx context.Context, s registry.ResourceStrategy) (func(), error) {
	sem, ok := a.resources[s.Resource]
	if !ok {
		return nil, fmt.Errorf("no admission slot for resource %q", s.Resource)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	b := a.budgets[strings.TrimSpace(s.Budget)]
	if b == nil {
		return func() { sem.Release(1) }, nil
	}
	if err := b.acquire(ctx, s.Priority); err != nil {
		sem.Release(1)
		return nil, err
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			b.release()
			sem.Release(1)
			return nil, err
		}
	}
	return func() {
		b.release()
		sem.Release(1)
	}, nil
}

// queued returns how many refreshes wait for a slot of the named budget.
func (a *admission) queued(name string) int {
	b, ok := a.budgets[name]
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting.Len()
}

// budget is a priority-ordered counting semaphore for one upstream rate budget.
type budget struct {
	name     string
	capacity int
	limiter  *rate.Limiter

	mu      sync.Mutex
	active  int
	seq     uint64
	waiting waitQueue
}

func newBudget(name string, capacity int, rps float64) *budget {
	if capacity < 1 {
		capacity = 1
	}
	b := &budget{name: name, capacity: capacity}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return b
}

func (b *budget) acquire(ctx context.Context, prio registry.SyncPriority) error {
	b.mu.Lock()
	if b.active < b.capacity && b.waiting.Len() == 0 {
		b.active++
		b.mu.Unlock()
		return nil
	}
	w := &waiter{priority: prio, seq: b.seq, ready: make(chan struct{})}
	b.seq++
	heap.Push(&b.waiting, w)
	b.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		if w.granted {
			// the slot was handed over while we gave up; pass it on
			b.mu.Unlock()
			b.release()
			return ctx.Err()
		}
		heap.Remove(&b.waiting, w.index)
		b.mu.Unlock()
		return ctx.Err()
	}
}

// release hands the slot to the best waiter, or frees it.
func (b *budget) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiting.Len() > 0 {
		w := heap.Pop(&b.waiting).(*waiter)
		w.granted = true
		close(w.ready)
		return
	}
	b.active--
}

type waiter struct {
	priority registry.SyncPriority
	seq      uint64
	ready    chan struct{}
	granted  bool
	index    int
}

// waitQueue orders waiters by priority (high first), then FIFO.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
