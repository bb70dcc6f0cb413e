package warming

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool runs warm tasks on a fixed set of goroutines fed by a bounded
// queue. Every task queued for a run is settled exactly once, on success,
// failure, overflow or shutdown, so runs always complete.
type WorkerPool struct {
	service *Service
	queue   chan queuedTask
	busy    atomic.Int32
	workers []*atomic.Pointer[WorkerStatus]

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type queuedTask struct {
	task WarmTask
	run  *warmRun
}

// NewWorkerPool starts numWorkers workers behind a queue of queueSize.
func NewWorkerPool(service *Service, numWorkers, queueSize int) *WorkerPool {
	p := &WorkerPool{
		service: service,
		queue:   make(chan queuedTask, queueSize),
		workers: make([]*atomic.Pointer[WorkerStatus], numWorkers),
		stop:    make(chan struct{}),
	}
	for id := range numWorkers {
		status := &atomic.Pointer[WorkerStatus]{}
		status.Store(&WorkerStatus{ID: id, State: "idle"})
		p.workers[id] = status

		p.wg.Add(1)
		go p.work(status)
	}
	return p
}

// QueueTasks enqueues the tasks of run without blocking and returns how many
// made it in. The rest are settled as failed; the next scheduled run picks
// those lines up again.
func (p *WorkerPool) QueueTasks(run *warmRun, tasks []WarmTask) int {
	run.expect(len(tasks))

	queued := 0
	for _, task := range tasks {
		if p.stopped() {
			p.settle(run, false)
			continue
		}
		select {
		case p.queue <- queuedTask{task: task, run: run}:
			queued++
		default:
			p.service.metrics.Dropped.Add(1)
			p.settle(run, false)
		}
	}
	return queued
}

func (p *WorkerPool) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) settle(run *warmRun, ok bool) {
	if run.finish(ok) {
		p.service.completeRun(run)
	}
}

func (p *WorkerPool) work(status *atomic.Pointer[WorkerStatus]) {
	defer p.wg.Done()
	id := status.Load().ID

	for {
		select {
		case <-p.stop:
			status.Store(&WorkerStatus{ID: id, State: "stopped"})
			return
		case qt := <-p.queue:
			started := time.Now()
			status.Store(&WorkerStatus{ID: id, State: "busy", CurrentKey: qt.task.Key.String(), StartedAt: &started})
			p.busy.Add(1)

			err := p.attempt(qt.task)
			if err != nil && retryable(err) {
				err = p.retry(qt.task)
			}
			p.settle(qt.run, err == nil)

			p.busy.Add(-1)
			status.Store(&WorkerStatus{ID: id, State: "idle"})
		}
	}
}

// attempt runs one try of task under the configured task timeout.
func (p *WorkerPool) attempt(task WarmTask) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.service.config.TaskTimeout)
	defer cancel()
	return p.service.ExecuteWarmTask(ctx, task)
}

// retry backs off exponentially from BackoffBase with up to 50% jitter,
// stopping at the first non-retryable outcome or when the pool shuts down.
func (p *WorkerPool) retry(task WarmTask) error {
	err := errRetriesExhausted
	delay := p.service.config.BackoffBase
	for range p.service.config.RetryAttempts {
		wait := delay + time.Duration(rand.Int64N(int64(delay/2)+1))
		delay *= 2

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.stop:
			timer.Stop()
			return err
		}

		p.service.metrics.Retries.Add(1)
		if err = p.attempt(task); err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// ActiveCount is the number of workers running a task.
func (p *WorkerPool) ActiveCount() int {
	return int(p.busy.Load())
}

// QueueSize is the number of tasks waiting for a worker.
func (p *WorkerPool) QueueSize() int {
	return len(p.queue)
}

func (p *WorkerPool) GetWorkerStatus() []WorkerStatus {
	out := make([]WorkerStatus, len(p.workers))
	for i, status := range p.workers {
		out[i] = *status.Load()
	}
	return out
}

// Shutdown stops the workers, waits for running tasks and settles whatever
// is still queued as failed.
func (p *WorkerPool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		for {
			select {
			case qt := <-p.queue:
				p.settle(qt.run, false)
			default:
				return
			}
		}
	})
}
