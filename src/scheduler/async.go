package scheduler

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

const DefaultWorkers = 4

var ErrExecutorClosed = errors.New("async executor closed")

// AsyncExecutor runs submitted work with at most a fixed number of
// functions executing at once. Submissions beyond that wait their turn.
type AsyncExecutor struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewAsyncExecutor(workers int) *AsyncExecutor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncExecutor{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Future holds the eventual result of a RunAsync call.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the work finishes or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// RunAsync submits fn to e. fn receives a context cancelled by Close.
func RunAsync[T any](e *AsyncExecutor, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		f.err = ErrExecutorClosed
		close(f.done)
		return f
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(f.done)
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			f.err = ErrExecutorClosed
			return
		}
		defer e.sem.Release(1)
		f.value, f.err = fn(e.ctx)
	}()
	return f
}

// Go submits fn when no result value is needed.
func (e *AsyncExecutor) Go(fn func(ctx context.Context) error) *Future[struct{}] {
	return RunAsync(e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

// Close rejects new work, cancels the shared context and waits for
// running work to return.
func (e *AsyncExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
