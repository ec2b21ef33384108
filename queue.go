package grpcloop

import (
	"sync/atomic"
)

type (
	// operationQueue is an intrusive FIFO of operations. Zero value is an
	// empty queue. Not safe for concurrent use; the engine goroutine is the
	// only toucher.
	operationQueue struct {
		head *operation
		tail *operation
	}

	// remoteQueue is a lock-free multi-producer single-consumer queue of
	// operations, used for submissions from goroutines other than the engine
	// goroutine. Producers push onto an atomic stack; the single consumer
	// swaps the whole chain out and reverses it back to submission order.
	//
	// A nil head doubles as the inactive state: the producer that swings the
	// head from nil to non-nil is the one that must wake the consumer, and
	// the consumer re-arms the inactive state every time it drains.
	remoteQueue struct {
		head atomic.Pointer[operation]
	}
)

func (q *operationQueue) empty() bool { return q.head == nil }

func (q *operationQueue) pushBack(op *operation) {
	op.next = nil
	if q.tail == nil {
		q.head = op
	} else {
		q.tail.next = op
	}
	q.tail = op
}

func (q *operationQueue) popFront() *operation {
	op := q.head
	if op == nil {
		return nil
	}
	q.head = op.next
	if q.head == nil {
		q.tail = nil
	}
	op.next = nil
	return op
}

// take removes and returns the queue's current contents, leaving it empty.
// Operations pushed while the snapshot is consumed land in the next pass.
func (q *operationQueue) take() operationQueue {
	out := *q
	*q = operationQueue{}
	return out
}

// appendChain pushes a nil-terminated chain of operations, in chain order.
func (q *operationQueue) appendChain(head *operation) {
	for head != nil {
		next := head.next
		q.pushBack(head)
		head = next
	}
}

// enqueue pushes op and reports whether the queue transitioned from
// inactive (empty) to active. Exactly one producer observes the transition
// per activation, so the wake signal fires at most once until the consumer
// drains again.
func (q *remoteQueue) enqueue(op *operation) (activated bool) {
	for {
		head := q.head.Load()
		op.next = head
		if q.head.CompareAndSwap(head, op) {
			return head == nil
		}
	}
}

// drain atomically removes every queued operation, re-arming the inactive
// state, and returns them as a nil-terminated chain in submission order.
func (q *remoteQueue) drain() *operation {
	head := q.head.Swap(nil)
	// LIFO stack order; reverse to FIFO.
	var out *operation
	for head != nil {
		next := head.next
		head.next = out
		out = head
		head = next
	}
	return out
}
