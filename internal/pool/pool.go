// Package pool provides a bounded generic worker pool.
package pool

import (
	"context"
	"runtime"
	"sync"
)

const (
	// MaxWorkers caps the pool size regardless of the requested count.
	MaxWorkers = 32
	// WorkerBufferSize is the number of queued tasks per worker.
	WorkerBufferSize = 4
)

// WorkerPool runs handler on tasks from a bounded queue. A pool is
// single-use: Start it, Submit tasks, then Stop it once.
type WorkerPool[T any] struct {
	workers   int
	ctx       context.Context
	wg        sync.WaitGroup
	taskQueue chan T
	handler   func(T)
}

// New creates a pool of workers running handler. workers <= 0 means
// runtime.NumCPU(); the count is capped at MaxWorkers.
func New[T any](ctx context.Context, workers int, handler func(T)) *WorkerPool[T] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	return &WorkerPool[T]{
		workers:   workers,
		ctx:       ctx,
		taskQueue: make(chan T, workers*WorkerBufferSize),
		handler:   handler,
	}
}

// Workers returns the resolved worker count.
func (p *WorkerPool[T]) Workers() int {
	return p.workers
}

// Start launches the workers. They exit when the queue is closed by Stop or
// the context is cancelled, whichever comes first.
func (p *WorkerPool[T]) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool[T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.handler(task)
		}
	}
}

// Submit queues a task. It returns false if the context was cancelled
// before the task could be queued.
func (p *WorkerPool[T]) Submit(task T) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.taskQueue <- task:
		return true
	}
}

// Stop closes the queue and waits for the workers to drain it. Tasks still
// queued when the context is cancelled are dropped. Submit must not be
// called after Stop.
func (p *WorkerPool[T]) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}
