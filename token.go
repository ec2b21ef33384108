package grpcloop

import (
	"context"
	"sync"
)

type (
	// CompletionToken receives the result of an asynchronous step. Complete
	// is invoked exactly once, on the engine goroutine.
	CompletionToken[T any] interface {
		Complete(value T)
	}

	// Callback adapts a plain func into a CompletionToken. The func runs
	// inline on the engine goroutine, so it must not block.
	Callback[T any] func(value T)

	// Future is a channel-backed CompletionToken for waiting on a step from
	// another goroutine. Instances must be initialized using NewFuture.
	Future[T any] struct {
		value T
		done  chan struct{}
		once  sync.Once
	}

	// BoolToken is the token shape completed by most call steps: true means
	// the step succeeded on the wire.
	BoolToken = CompletionToken[bool]
)

func (f Callback[T]) Complete(value T) { f(value) }

// NewFuture initializes a new Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (x *Future[T]) Complete(value T) {
	x.once.Do(func() {
		x.value = value
		close(x.done)
	})
}

// Done returns a channel closed once the future is completed.
func (x *Future[T]) Done() <-chan struct{} { return x.done }

// Wait blocks until the future is completed or ctx is done.
func (x *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-x.done:
		return x.value, nil
	}
}
