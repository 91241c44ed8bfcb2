// Package workerspool runs tasks in goroutines with bounded parallelism.
package workerspool

import (
	"context"
	"runtime"
	"sync"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	maxParallelism int
	slots          chan struct{}
	wg             sync.WaitGroup
}

// New returns a Pool with the given parallelism. If maxParallelism is 0 it defaults to runtime.NumCPU().
// A negative value means unlimited.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	if maxParallelism > 0 {
		w.slots = make(chan struct{}, maxParallelism)
	}
	return w
}

// IsUnlimited returns whether parallelism is unlimited.
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is the limit of tasks running at the same time, or -1 if unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// WaitToStart waits until there is a slot available and runs the task in a goroutine.
//
// It returns ctx.Err() without running the task if ctx is done before a slot is available.
func (w *Pool) WaitToStart(ctx context.Context, task func()) error {
	if w.IsUnlimited() {
		w.run(task)
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.slots <- struct{}{}:
	}
	w.run(task)
	return nil
}

// StartIfAvailable runs the task in a separate goroutine, if there is a slot available.
// It returns true if the task was started.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		w.run(task)
		return true
	}
	select {
	case w.slots <- struct{}{}:
		w.run(task)
		return true
	default:
		return false
	}
}

func (w *Pool) run(task func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if !w.IsUnlimited() {
			defer func() { <-w.slots }()
		}
		task()
	}()
}

// Wait for all started tasks to finish.
func (w *Pool) Wait() {
	w.wg.Wait()
}
