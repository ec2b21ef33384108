package grpcloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Engine processes completions from a CompletionQueue on a single
	// goroutine, the engine goroutine. Run, RunUntil, Poll and the drain
	// inside Shutdown each claim that role for their duration; at most one
	// may be active at a time.
	//
	// Work submitted from the engine goroutine lands on a plain local queue;
	// work submitted from any other goroutine goes through a lock-free queue
	// whose first producer per activation posts a zero-delay wake alarm.
	Engine struct {
		queue        CompletionQueue
		logger       *logiface.Logger[logiface.Event]
		pollInterval time.Duration
		wake         *wakeTag

		// engine goroutine only
		local       operationQueue
		checkRemote bool

		remote remoteQueue

		outstanding       atomic.Int64
		shuttingDown      atomic.Bool
		closed            atomic.Bool
		running           atomic.Bool
		engineGoroutineID atomic.Uint64

		regMu     sync.Mutex
		regs      []*DoneRegistration
		finalized bool
	}

	// wakeTag is the distinguished completion tag that tells the engine to
	// drain its remote queue. It carries no operation.
	wakeTag struct {
		engine *Engine
	}
)

// New initializes a new Engine.
func New(opts ...Option) (*Engine, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		queue:        cfg.queue,
		logger:       cfg.logger,
		pollInterval: cfg.pollInterval,
	}
	e.wake = &wakeTag{engine: e}
	return e, nil
}

// CompletionQueue returns the engine's completion source, e.g. for wiring up
// transports.
func (e *Engine) CompletionQueue() CompletionQueue { return e.queue }

// Run processes work on the calling goroutine until no work remains
// outstanding, ctx is done, or Shutdown begins. Returns nil on a clean stop.
func (e *Engine) Run(ctx context.Context) error { return e.run(ctx, nil) }

// RunUntil processes work on the calling goroutine until pred reports true,
// ctx is done, or Shutdown begins. pred is evaluated on the engine goroutine
// between passes.
func (e *Engine) RunUntil(ctx context.Context, pred func() bool) error {
	if pred == nil {
		panic(`grpcloop: nil predicate`)
	}
	return e.run(ctx, pred)
}

func (e *Engine) run(ctx context.Context, pred func() bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.running.Store(false)

	e.engineGoroutineID.Store(goroutineID())
	defer e.engineGoroutineID.Store(0)

	e.logger.Debug().Log(`run started`)
	defer e.logger.Debug().Log(`run stopped`)

	// wake a blocked poll when ctx is done
	stop := context.AfterFunc(ctx, func() { e.queue.Alarm(e.wake, time.Time{}) })
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pred != nil && pred() {
			return nil
		}
		if e.shuttingDown.Load() {
			// the shutdown drain takes over from here
			return nil
		}
		progressed := e.tick(time.Now().Add(e.pollInterval))
		if !progressed && pred == nil && e.outstanding.Load() == 0 {
			return nil
		}
	}
}

// Poll performs a single non-blocking pass, reporting whether any progress
// was made. It allows embedding the engine in a foreign loop: the calling
// goroutine acts as the engine goroutine for the duration of the pass.
func (e *Engine) Poll() bool {
	if e.closed.Load() {
		return false
	}
	if !e.running.CompareAndSwap(false, true) {
		panic(`grpcloop: concurrent engine goroutine`)
	}
	defer e.running.Store(false)

	e.engineGoroutineID.Store(goroutineID())
	defer e.engineGoroutineID.Store(0)

	return e.tick(time.Time{})
}

// tick performs one pass: drain the remote queue if flagged, run the current
// snapshot of the local queue, then poll the completion queue, blocking up to
// deadline only when no further work is already queued.
func (e *Engine) tick(deadline time.Time) (progressed bool) {
	if e.checkRemote {
		if chain := e.remote.drain(); chain != nil {
			e.local.appendChain(chain)
		} else {
			e.checkRemote = false
		}
	}

	batch := e.local.take()
	for op := batch.popFront(); op != nil; op = batch.popFront() {
		e.runOperation(op, e.classify(true))
		progressed = true
	}

	if !e.local.empty() || e.checkRemote {
		deadline = time.Time{} // more work queued; poll without blocking
	}
	tag, ok, status := e.queue.Next(deadline)
	if status != NextEvent {
		return progressed
	}
	if w, _ := tag.(*wakeTag); w != nil {
		if w.engine != e {
			panic(`grpcloop: foreign wake tag`)
		}
		e.checkRemote = true
		return true
	}
	op, _ := tag.(*operation)
	if op == nil {
		panic(`grpcloop: unknown completion tag`)
	}
	e.runOperation(op, e.classify(ok))
	return true
}

func (e *Engine) runOperation(op *operation, result OperationResult) {
	if !op.pending {
		panic(`grpcloop: operation dispatched twice`)
	}
	op.pending = false
	fn := op.fn
	defer e.workFinished()
	fn(e, result)
	releaseOperation(op)
}

func (e *Engine) classify(ok bool) OperationResult {
	if e.shuttingDown.Load() {
		if ok {
			return ResultShutdownOK
		}
		return ResultShutdownNotOK
	}
	if ok {
		return ResultOK
	}
	return ResultNotOK
}

// Submit schedules fn to run on the engine goroutine.
func (e *Engine) Submit(fn func()) error {
	if fn == nil {
		panic(`grpcloop: nil func`)
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.shuttingDown.Load() {
		return ErrEngineShutdown
	}
	e.post(newOperation(func(*Engine, OperationResult) { fn() }))
	return nil
}

// post enqueues an already-built operation: directly onto the local queue
// when called from the engine goroutine, through the remote queue otherwise.
func (e *Engine) post(op *operation) {
	op.pending = true
	e.workStarted()
	if e.isEngineGoroutine() {
		e.local.pushBack(op)
		return
	}
	if e.remote.enqueue(op) {
		e.queue.Alarm(e.wake, time.Time{})
	}
}

// begin registers a new in-flight step, returning its tag. The completion
// source must deliver exactly one event for the tag.
func (e *Engine) begin(fn func(e *Engine, result OperationResult)) Tag {
	op := newOperation(fn)
	op.pending = true
	e.workStarted()
	return op
}

func (e *Engine) workStarted() { e.outstanding.Add(1) }

func (e *Engine) workFinished() {
	if e.outstanding.Add(-1) < 0 {
		panic(`grpcloop: work finished without matching start`)
	}
}

func (e *Engine) isEngineGoroutine() bool {
	id := e.engineGoroutineID.Load()
	return id != 0 && id == goroutineID()
}

// NotifyWhenDone registers token for completion when the call owning cc
// finishes. The token completes exactly once: true once the call finished,
// or false if the engine shut down first.
func (e *Engine) NotifyWhenDone(cc *CallContext, token BoolToken) *DoneRegistration {
	if cc == nil {
		panic(`grpcloop: nil call context`)
	}
	if token == nil {
		panic(`grpcloop: nil token`)
	}
	reg := &DoneRegistration{token: token}
	e.regMu.Lock()
	switch {
	case cc.done:
		reg.fired = true
		e.regMu.Unlock()
		e.post(newOperation(func(*Engine, OperationResult) { token.Complete(true) }))
	case e.finalized:
		reg.fired = true
		e.regMu.Unlock()
		e.post(newOperation(func(*Engine, OperationResult) { token.Complete(false) }))
	default:
		e.regs = append(e.regs, reg)
		cc.regs = append(cc.regs, reg)
		e.regMu.Unlock()
	}
	return reg
}

// callDone fires every registration attached to cc, exactly once per
// registration.
func (e *Engine) callDone(cc *CallContext) {
	if cc == nil {
		return
	}
	e.regMu.Lock()
	if cc.done {
		e.regMu.Unlock()
		return
	}
	cc.done = true
	var toFire []*DoneRegistration
	for _, r := range cc.regs {
		// shutdown finalization may have fired it already
		if !r.fired {
			r.fired = true
			toFire = append(toFire, r)
		}
	}
	cc.regs = nil
	if len(toFire) != 0 {
		kept := e.regs[:0]
		for _, r := range e.regs {
			if !r.fired {
				kept = append(kept, r)
			}
		}
		e.regs = kept
	}
	e.regMu.Unlock()
	for _, r := range toFire {
		token := r.token
		e.post(newOperation(func(*Engine, OperationResult) { token.Complete(true) }))
	}
}

// Shutdown stops the completion source, drains every remaining completion
// (classified as shutdown results), then force-completes all outstanding
// done notifications with false. It claims the engine goroutine, waiting for
// an active Run to observe the shutdown flag and return. An error is only
// returned if ctx is done first, leaving the drain incomplete.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.shuttingDown.Store(true)
	e.queue.Shutdown()

	for !e.running.CompareAndSwap(false, true) {
		e.queue.Alarm(e.wake, time.Time{})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	defer e.running.Store(false)

	e.engineGoroutineID.Store(goroutineID())
	defer e.engineGoroutineID.Store(0)

	e.logger.Debug().Log(`shutdown drain started`)
	defer e.logger.Debug().Log(`shutdown drain stopped`)

	if err := e.drain(ctx); err != nil {
		return err
	}
	e.finalizeRegistrations()
	return e.drain(ctx)
}

func (e *Engine) drain(ctx context.Context) error {
	for e.outstanding.Load() != 0 || !e.local.empty() || e.checkRemote {
		if err := ctx.Err(); err != nil {
			return err
		}
		// the remote queue may hold work whose wake has not surfaced yet
		e.checkRemote = true
		e.tick(time.Now().Add(10 * time.Millisecond))
	}
	return nil
}

func (e *Engine) finalizeRegistrations() {
	e.regMu.Lock()
	e.finalized = true
	var toFire []*DoneRegistration
	for _, r := range e.regs {
		if !r.fired {
			r.fired = true
			toFire = append(toFire, r)
		}
	}
	e.regs = nil
	e.regMu.Unlock()
	if len(toFire) == 0 {
		return
	}
	e.logger.Debug().Int(`registrations`, len(toFire)).Log(`force-completing done notifications`)
	for _, r := range toFire {
		token := r.token
		e.post(newOperation(func(*Engine, OperationResult) { token.Complete(false) }))
	}
}

// Close releases the engine. It panics if work is still outstanding; callers
// must Shutdown, or otherwise quiesce, first.
func (e *Engine) Close() error {
	if e.closed.Load() {
		return nil
	}
	if e.outstanding.Load() != 0 {
		panic(`grpcloop: close with outstanding work`)
	}
	e.closed.Store(true)
	e.shuttingDown.Store(true)
	e.queue.Shutdown()
	return nil
}

// goroutineID returns the current goroutine's ID.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
