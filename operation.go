package grpcloop

import (
	"sync"
)

type (
	// Tag identifies an in-flight asynchronous step. Tags are opaque to
	// completion sources: whatever value was registered when the step began
	// is handed back, exactly once, when the step completes.
	Tag = any

	// OperationResult classifies a completed step.
	OperationResult uint8

	// operation is the engine's unit of work: an intrusive queue node
	// carrying its continuation. The operation itself is the tag handed to
	// completion sources, so completing a step never allocates a lookup.
	//
	// next is owned by whichever queue currently holds the node. pending is
	// set while the node awaits dispatch and cleared on the engine goroutine
	// immediately before the continuation runs.
	operation struct {
		next    *operation
		fn      func(e *Engine, result OperationResult)
		pending bool
	}
)

const (
	// ResultOK reports a step that completed successfully.
	ResultOK OperationResult = iota

	// ResultNotOK reports a step that completed unsuccessfully, e.g. a read
	// past the end of a stream, or a cancelled wait.
	ResultNotOK

	// ResultShutdownOK and ResultShutdownNotOK report steps dispatched after
	// shutdown began. The step's side effects must be treated as not having
	// happened, regardless of the underlying ok bit.
	ResultShutdownOK
	ResultShutdownNotOK
)

// OK reports whether the step completed successfully, outside shutdown.
func (r OperationResult) OK() bool { return r == ResultOK }

// Shutdown reports whether the step was dispatched during shutdown.
func (r OperationResult) Shutdown() bool {
	return r == ResultShutdownOK || r == ResultShutdownNotOK
}

func (r OperationResult) String() string {
	switch r {
	case ResultOK:
		return `ok`
	case ResultNotOK:
		return `not-ok`
	case ResultShutdownOK:
		return `shutdown-ok`
	case ResultShutdownNotOK:
		return `shutdown-not-ok`
	default:
		return `invalid`
	}
}

var operationPool = sync.Pool{New: func() any { return new(operation) }}

func newOperation(fn func(e *Engine, result OperationResult)) *operation {
	op := operationPool.Get().(*operation)
	op.fn = fn
	return op
}

func releaseOperation(op *operation) {
	op.next = nil
	op.fn = nil
	op.pending = false
	operationPool.Put(op)
}
