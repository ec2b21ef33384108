package grpcloop

import (
	"context"
	"time"
)

type (
	// CallContext carries the per-call context and cancellation for one RPC.
	// It is owned by exactly one call at a time; the call cancels it on Close
	// when the RPC did not finish cleanly.
	CallContext struct {
		ctx    context.Context
		cancel context.CancelFunc

		// guarded by the owning engine's regMu once registrations exist
		regs []*DoneRegistration
		done bool
	}

	// DoneRegistration is a notify-when-done subscription: its token is
	// completed exactly once, either with true when the associated call
	// finishes, or with false when the engine shuts down first.
	DoneRegistration struct {
		token BoolToken
		fired bool // guarded by Engine.regMu
	}
)

// NewCallContext derives a cancellable per-call context from parent.
func NewCallContext(parent context.Context) *CallContext {
	ctx, cancel := context.WithCancel(parent)
	return &CallContext{ctx: ctx, cancel: cancel}
}

// NewCallContextWithDeadline derives a per-call context with a deadline.
func NewCallContextWithDeadline(parent context.Context, deadline time.Time) *CallContext {
	ctx, cancel := context.WithDeadline(parent, deadline)
	return &CallContext{ctx: ctx, cancel: cancel}
}

// Context returns the call's context. Transports observe cancellation and
// deadline expiry through it.
func (x *CallContext) Context() context.Context { return x.ctx }

// Cancel requests best-effort cancellation of the call. Idempotent.
func (x *CallContext) Cancel() { x.cancel() }

// callRef tracks the exclusively owned call context together with the
// writes-done and finished bookkeeping bits for one client call.
// Accessed on the engine goroutine only.
type callRef struct {
	cc         *CallContext // nil once finished
	writesDone bool
}

func (r *callRef) finished() bool { return r.cc == nil }

// setFinished marks the call finished, returning the context so the engine
// can fire done notifications. Returns nil if already finished.
func (r *callRef) setFinished() *CallContext {
	cc := r.cc
	r.cc = nil
	return cc
}

func (r *callRef) cancel() {
	if r.cc != nil {
		r.cc.Cancel()
	}
}
