// Package workerpool runs tasks on a fixed number of goroutines.
package workerpool

import (
	"context"
	"sync"
)

// Task is a unit of work executed by the pool.
type Task func(ctx context.Context) error

// Result is the outcome of one task of a batch, at the task's submission index.
type Result struct {
	Index int
	Err   error
}

type job struct {
	task   Task
	result chan error
}

// WorkerPool is a fixed-size pool of goroutines that execute tasks.
type WorkerPool struct {
	numWorkers int
	jobs       chan job
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New creates a pool with numWorkers workers. Workers run until ctx is done or
// Stop is called. Call Start before submitting.
func New(ctx context.Context, numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		numWorkers: numWorkers,
		jobs:       make(chan job, numWorkers*2),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int {
	return wp.numWorkers
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case j := <-wp.jobs:
			// result is buffered, never blocks
			if err := wp.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			j.result <- j.task(wp.ctx)
		}
	}
}

// Submit queues task and returns a channel that receives its error. When the
// pool is stopped the channel receives context.Canceled instead.
func (wp *WorkerPool) Submit(task Task) <-chan error {
	result := make(chan error, 1)

	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		result <- context.Canceled
		return result
	}
	if err := wp.ctx.Err(); err != nil {
		result <- err
		return result
	}

	select {
	case wp.jobs <- job{task: task, result: result}:
	case <-wp.ctx.Done():
		result <- wp.ctx.Err()
	}
	return result
}

// SubmitAndWait runs every task and waits for all of them, or for ctx. The
// results are in submission order. A task still pending when ctx ends reports
// ctx.Err().
func (wp *WorkerPool) SubmitAndWait(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			results[i].Index = i
			select {
			case err := <-wp.Submit(t):
				results[i].Err = err
			case <-ctx.Done():
				results[i].Err = ctx.Err()
			}
		}(i, task)
	}
	wg.Wait()
	return results
}

// Stop rejects new tasks, cancels running ones and waits for the workers.
// Queued tasks that never started are dropped.
func (wp *WorkerPool) Stop() {
	// Cancel first so a Submit blocked on a full queue lets go of mu
	wp.cancel()

	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.mu.Unlock()

	wp.wg.Wait()

	// Fail whatever was queued but never picked up
	for {
		select {
		case j := <-wp.jobs:
			j.result <- context.Canceled
		default:
			return
		}
	}
}
