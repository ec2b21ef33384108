package grpcloop

import (
	"sync"
	"time"
)

// Alarm schedules a deadline-based completion through an engine's completion
// queue. The zero value is ready to use. An Alarm tracks at most one pending
// wait; Wait must not be called again until the previous token completed.
type Alarm struct {
	mu     sync.Mutex
	cancel func()
}

// Wait completes token with true at or after deadline, or with false if the
// alarm is cancelled first. A zero or past deadline completes on the next
// engine pass, which makes it usable as a wake primitive.
func (x *Alarm) Wait(e *Engine, deadline time.Time, token BoolToken) {
	tag := e.begin(func(_ *Engine, result OperationResult) {
		token.Complete(result.OK())
	})
	cancel := e.queue.Alarm(tag, deadline)
	x.mu.Lock()
	x.cancel = cancel
	x.mu.Unlock()
}

// Cancel stops the pending wait, if any. The waiting token completes with
// false. Idempotent.
func (x *Alarm) Cancel() {
	x.mu.Lock()
	cancel := x.cancel
	x.cancel = nil
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
