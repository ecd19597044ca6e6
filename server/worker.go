package server

import (
	"context"
	"fmt"
	"sync/atomic"
)

// runRequest is a unit of work executed on the worker goroutine.
type runRequest struct {
	fn   func() any
	done chan runResult
}

// runResult holds the return value of a request.
type runResult struct {
	value any
	err   error
}

// Worker serializes program execution through a single goroutine. Each run
// gets its own VM, but only one runs at a time so a burst of requests cannot
// multiply heap and CPU use.
type Worker struct {
	requests chan runRequest
	quit     chan struct{}
	stopped  atomic.Bool
	served   atomic.Uint64
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker() *Worker {
	w := &Worker{
		requests: make(chan runRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			result := w.execute(req.fn)
			w.served.Add(1)
			req.done <- result
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, recovering from panics.
func (w *Worker) execute(fn func() any) runResult {
	var result runResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		result.value = fn()
	}()
	return result
}

// Do submits fn and blocks until it completes or ctx is done. A request
// abandoned because of ctx still runs; fn should watch ctx itself.
func (w *Worker) Do(ctx context.Context, fn func() any) (any, error) {
	if w.stopped.Load() {
		return nil, fmt.Errorf("worker stopped")
	}
	req := runRequest{
		fn:   fn,
		done: make(chan runResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, fmt.Errorf("worker stopped")
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Served returns the number of requests completed.
func (w *Worker) Served() uint64 {
	return w.served.Load()
}

// Stop shuts down the worker goroutine. It is safe to call more than once.
func (w *Worker) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.quit)
	}
}
