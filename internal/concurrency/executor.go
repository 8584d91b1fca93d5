// File: internal/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Task executor using a mutex-guarded MPMC queue for task dispatch,
// with dynamic worker pool resizing.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/kmesh-io/kmesh/api"
)

// Ensure compile-time interface compliance.
var _ api.Executor = (*Executor)(nil)

type TaskFunc func()

// Executor manages a pool of worker goroutines pulling from a shared queue.
type Executor struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    *queue.Queue
	closed   bool
	stop     chan struct{}

	wg      sync.WaitGroup
	workers []*worker
}

type worker struct {
	stop chan struct{}
}

// NewExecutor creates a new Executor with the given number of workers.
// numaNode is accepted for parity with the wider pack's NUMA-aware
// executors but is not pinned here: the software fabric runs its
// completion bottom-halves as plain goroutines.
func NewExecutor(numWorkers, numaNode int) *Executor {
	e := &Executor{
		queue: queue.New(),
		stop:  make(chan struct{}),
	}
	e.notEmpty = sync.NewCond(&e.mu)
	for i := 0; i < numWorkers; i++ {
		e.addWorkerLocked()
	}
	return e
}

// Submit schedules task for execution. Returns ErrExecutorClosed once
// Close has been called.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.queue.Add(TaskFunc(task))
	e.notEmpty.Signal()
	return nil
}

// NumWorkers returns the current number of active worker goroutines.
func (e *Executor) NumWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Resize adjusts the worker pool to newCount goroutines, starting or
// stopping workers as needed. newCount <= 0 is clamped to 1.
func (e *Executor) Resize(newCount int) {
	if newCount <= 0 {
		newCount = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for len(e.workers) < newCount {
		e.addWorkerLocked()
	}
	for len(e.workers) > newCount {
		w := e.workers[len(e.workers)-1]
		e.workers = e.workers[:len(e.workers)-1]
		close(w.stop)
	}
	e.notEmpty.Broadcast()
}

// addWorkerLocked starts one worker goroutine. Caller holds e.mu.
func (e *Executor) addWorkerLocked() {
	w := &worker{stop: make(chan struct{})}
	e.workers = append(e.workers, w)
	e.wg.Add(1)
	go e.run(w)
}

func (e *Executor) run(w *worker) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for e.queue.Length() == 0 && !e.closed {
			select {
			case <-w.stop:
				e.mu.Unlock()
				return
			default:
			}
			e.notEmpty.Wait()
		}
		if e.queue.Length() == 0 {
			e.mu.Unlock()
			return
		}
		task := e.queue.Remove().(TaskFunc)
		e.mu.Unlock()

		func() {
			defer func() { recover() }()
			task()
		}()

		select {
		case <-w.stop:
			return
		default:
		}
	}
}

// Close shuts down the executor, waking every worker so they exit once
// the queue drains.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.stop)
	e.mu.Unlock()
	e.notEmpty.Broadcast()
	e.wg.Wait()
}
