package grpcloop

import (
	"sync"
	"time"
)

type (
	// NextStatus reports the outcome of CompletionQueue.Next.
	NextStatus uint8

	// CompletionQueue is the completion source an Engine drives. Transports
	// post exactly one (tag, ok) event per step they were handed a tag for.
	//
	// Implementations must allow Post and Alarm from any goroutine, including
	// after Shutdown: events already in flight when shutdown begins are still
	// delivered, and Next keeps returning them until the queue is empty.
	CompletionQueue interface {
		// Next blocks until an event is available, the deadline passes, or
		// the queue is shut down and drained. A deadline at or before the
		// current time polls without blocking.
		Next(deadline time.Time) (tag Tag, ok bool, status NextStatus)

		// Post enqueues a completion event.
		Post(tag Tag, ok bool)

		// Alarm schedules an event with ok=true at the given deadline. A zero
		// or past deadline posts immediately. The returned cancel function
		// stops the alarm if it has not fired, posting ok=false instead.
		Alarm(tag Tag, deadline time.Time) (cancel func())

		// Shutdown marks the queue. Pending events drain through Next, after
		// which Next reports NextShutdown.
		Shutdown()
	}

	// MemoryQueue is the in-memory CompletionQueue implementation. The zero
	// value is not usable; use NewMemoryQueue.
	MemoryQueue struct {
		mu       sync.Mutex
		events   []memoryEvent
		signal   chan struct{}
		shutdown bool
	}

	memoryEvent struct {
		tag Tag
		ok  bool
	}
)

const (
	// NextEvent reports that an event was dequeued.
	NextEvent NextStatus = iota

	// NextTimeout reports that the deadline passed with no event available.
	NextTimeout

	// NextShutdown reports that the queue is shut down and fully drained.
	NextShutdown
)

// NewMemoryQueue initializes a new MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{signal: make(chan struct{}, 1)}
}

func (x *MemoryQueue) Next(deadline time.Time) (Tag, bool, NextStatus) {
	for {
		x.mu.Lock()
		if len(x.events) != 0 {
			ev := x.events[0]
			x.events = x.events[1:]
			x.mu.Unlock()
			return ev.tag, ev.ok, NextEvent
		}
		if x.shutdown {
			x.mu.Unlock()
			return nil, false, NextShutdown
		}
		x.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, false, NextTimeout
		}

		timer := time.NewTimer(wait)
		select {
		case <-x.signal:
			timer.Stop()
			// Re-check; the signal may be stale from an event already taken.
		case <-timer.C:
			// Deadline check happens at the top of the loop via time.Until,
			// but an event may have raced in; take it if so.
		}
	}
}

func (x *MemoryQueue) Post(tag Tag, ok bool) {
	x.mu.Lock()
	x.events = append(x.events, memoryEvent{tag: tag, ok: ok})
	x.mu.Unlock()
	select {
	case x.signal <- struct{}{}:
	default:
	}
}

func (x *MemoryQueue) Alarm(tag Tag, deadline time.Time) (cancel func()) {
	if deadline.IsZero() || !deadline.After(time.Now()) {
		x.Post(tag, true)
		return func() {}
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		x.Post(tag, true)
	})
	return func() {
		if timer.Stop() {
			x.Post(tag, false)
		}
	}
}

func (x *MemoryQueue) Shutdown() {
	x.mu.Lock()
	x.shutdown = true
	x.mu.Unlock()
	select {
	case x.signal <- struct{}{}:
	default:
	}
}
