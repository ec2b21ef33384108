package grpcloop

import (
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const inprocWindow = 8 // per-direction buffered messages

type (
	// InprocTransport links client calls to server calls in-process.
	// Messages cross between engines as proto.Clone copies through buffered
	// channels, one per direction. Any engine may host the server side; each
	// RequestCall names its engine, while the client side posts to the
	// engine the transport was created for.
	InprocTransport struct {
		queue CompletionQueue

		mu      sync.Mutex
		pending []*inprocCall
		waiters []*inprocWaiter
		closed  bool
	}

	// inprocWaiter is a parked RequestCall.
	inprocWaiter struct {
		method  string
		engine  *Engine
		call    *ServerCall
		request proto.Message
		tag     Tag
	}

	// inprocCall is the shared state of one matched (or matchable) call.
	//
	// st and response are guarded by stMu and written before srvDone or
	// failed is closed, so readers sequenced after either close see them.
	inprocCall struct {
		method string
		kind   StreamKind
		cc     *CallContext

		request  proto.Message // snapshot, unary and server-streaming
		response proto.Message // client's carrier, unary and client-streaming

		c2s       chan proto.Message
		s2c       chan proto.Message
		c2sClosed atomic.Bool
		c2sOnce   sync.Once

		matched chan struct{}
		failed  chan struct{}
		srvDone chan struct{}
		md      chan struct{}

		failOnce   sync.Once
		finishOnce sync.Once
		mdOnce     sync.Once

		stMu sync.Mutex
		st   *status.Status
	}

	inprocClientResponder struct {
		c     *inprocCall
		queue CompletionQueue
	}

	inprocServerResponder struct {
		c     *inprocCall
		queue CompletionQueue
	}
)

// NewInprocTransport initializes a transport whose client side posts
// completions to e's completion queue.
func NewInprocTransport(e *Engine) *InprocTransport {
	return &InprocTransport{queue: e.CompletionQueue()}
}

func (x *InprocTransport) NewCall(cc *CallContext, desc CallDesc) ClientResponder {
	c := &inprocCall{
		method:   desc.Method,
		kind:     desc.Kind,
		cc:       cc,
		response: desc.Response,
		c2s:      make(chan proto.Message, inprocWindow),
		s2c:      make(chan proto.Message, inprocWindow),
		matched:  make(chan struct{}),
		failed:   make(chan struct{}),
		srvDone:  make(chan struct{}),
		md:       make(chan struct{}),
	}
	if desc.Request != nil {
		c.request = proto.Clone(desc.Request)
	}
	x.mu.Lock()
	switch {
	case x.closed:
		x.mu.Unlock()
		c.fail(status.New(codes.Unavailable, `grpcloop: inproc transport closed`))
	default:
		if w := x.takeWaiterLocked(desc.Method); w != nil {
			x.mu.Unlock()
			bindInprocCall(c, w.engine, w.call, w.request)
			w.engine.CompletionQueue().Post(w.tag, true)
		} else {
			x.pending = append(x.pending, c)
			x.mu.Unlock()
		}
	}
	return &inprocClientResponder{c: c, queue: x.queue}
}

// RequestCall waits for an incoming call of the given method on e, filling
// call (and request, for shapes that carry the request up front) before
// completing token with true. Token completes false if the transport closes
// first.
func (x *InprocTransport) RequestCall(e *Engine, method string, call *ServerCall, request proto.Message, token BoolToken) {
	if call == nil {
		panic(`grpcloop: nil server call`)
	}
	tag := e.begin(func(_ *Engine, result OperationResult) {
		token.Complete(result.OK())
	})
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		e.CompletionQueue().Post(tag, false)
		return
	}
	if c := x.takePendingLocked(method); c != nil {
		x.mu.Unlock()
		bindInprocCall(c, e, call, request)
		e.CompletionQueue().Post(tag, true)
		return
	}
	x.waiters = append(x.waiters, &inprocWaiter{
		method:  method,
		engine:  e,
		call:    call,
		request: request,
		tag:     tag,
	})
	x.mu.Unlock()
}

// Close fails all parked waiters and unmatched calls. Matched calls are
// unaffected.
func (x *InprocTransport) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	waiters := x.waiters
	pending := x.pending
	x.waiters = nil
	x.pending = nil
	x.mu.Unlock()
	for _, w := range waiters {
		w.engine.CompletionQueue().Post(w.tag, false)
	}
	for _, c := range pending {
		c.fail(status.New(codes.Unavailable, `grpcloop: inproc transport closed`))
	}
	return nil
}

func (x *InprocTransport) takeWaiterLocked(method string) *inprocWaiter {
	for i, w := range x.waiters {
		if w.method == method {
			x.waiters = append(x.waiters[:i], x.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

func (x *InprocTransport) takePendingLocked(method string) *inprocCall {
	kept := x.pending[:0]
	var out *inprocCall
	for _, c := range x.pending {
		if out == nil && c.method == method && c.cc.Context().Err() == nil {
			out = c
			continue
		}
		if c.cc.Context().Err() != nil {
			continue // abandoned before matching
		}
		kept = append(kept, c)
	}
	x.pending = kept
	return out
}

func bindInprocCall(c *inprocCall, e *Engine, call *ServerCall, request proto.Message) {
	*call = ServerCall{
		e:         e,
		responder: &inprocServerResponder{c: c, queue: e.CompletionQueue()},
		method:    c.method,
		kind:      c.kind,
	}
	if request != nil && c.request != nil {
		proto.Reset(request)
		proto.Merge(request, c.request)
	}
	close(c.matched)
}

func (c *inprocCall) fail(st *status.Status) {
	c.failOnce.Do(func() {
		c.stMu.Lock()
		if c.st == nil {
			c.st = st
		}
		c.stMu.Unlock()
		close(c.failed)
	})
}

func (c *inprocCall) status() *status.Status {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.st
}

// statusFromContext resolves the terminal status after the client's context
// ended, unless the server already finished.
func (c *inprocCall) statusFromContext() {
	err := c.cc.Context().Err()
	c.stMu.Lock()
	defer c.stMu.Unlock()
	if c.st == nil && err != nil {
		c.st = status.FromContextError(err)
	}
}

func (c *inprocCall) closeWrites() {
	c.c2sOnce.Do(func() {
		c.c2sClosed.Store(true)
		close(c.c2s)
	})
}

func (x *inprocClientResponder) StartCall(tag Tag) {
	c := x.c
	go func() {
		select {
		case <-c.matched:
			x.queue.Post(tag, true)
		case <-c.failed:
			x.queue.Post(tag, false)
		case <-c.cc.Context().Done():
			c.statusFromContext()
			x.queue.Post(tag, false)
		}
	}()
}

func (x *inprocClientResponder) ReadInitialMetadata(tag Tag) {
	c := x.c
	go func() {
		select {
		case <-c.md:
			x.queue.Post(tag, true)
		case <-c.failed:
			x.queue.Post(tag, false)
		case <-c.cc.Context().Done():
			c.statusFromContext()
			x.queue.Post(tag, false)
		}
	}()
}

func (x *inprocClientResponder) Read(msg proto.Message, tag Tag) {
	c := x.c
	go func() {
		select {
		case m, ok := <-c.s2c:
			if !ok {
				x.queue.Post(tag, false)
				return
			}
			proto.Reset(msg)
			proto.Merge(msg, m)
			x.queue.Post(tag, true)
		case <-c.failed:
			x.queue.Post(tag, false)
		case <-c.cc.Context().Done():
			c.statusFromContext()
			x.queue.Post(tag, false)
		}
	}()
}

func (x *inprocClientResponder) Write(msg proto.Message, opts WriteOptions, tag Tag) {
	c := x.c
	if c.c2sClosed.Load() {
		panic(`grpcloop: write after half-close`)
	}
	m := proto.Clone(msg)
	go func() {
		select {
		case c.c2s <- m:
			if opts.LastMessage {
				c.closeWrites()
			}
			x.queue.Post(tag, true)
		case <-c.srvDone:
			x.queue.Post(tag, false)
		case <-c.failed:
			x.queue.Post(tag, false)
		case <-c.cc.Context().Done():
			c.statusFromContext()
			x.queue.Post(tag, false)
		}
	}()
}

func (x *inprocClientResponder) WritesDone(tag Tag) {
	x.c.closeWrites()
	x.queue.Post(tag, true)
}

func (x *inprocClientResponder) Finish(tag Tag) {
	c := x.c
	c.closeWrites()
	go func() {
		select {
		case <-c.srvDone:
		case <-c.failed:
		case <-c.cc.Context().Done():
			c.statusFromContext()
		}
		x.queue.Post(tag, true)
	}()
}

func (x *inprocClientResponder) Status() *status.Status { return x.c.status() }

func (x *inprocServerResponder) SendInitialMetadata(tag Tag) {
	x.c.mdOnce.Do(func() { close(x.c.md) })
	x.queue.Post(tag, true)
}

func (x *inprocServerResponder) Read(msg proto.Message, tag Tag) {
	c := x.c
	go func() {
		select {
		case m, ok := <-c.c2s:
			if !ok {
				x.queue.Post(tag, false)
				return
			}
			proto.Reset(msg)
			proto.Merge(msg, m)
			x.queue.Post(tag, true)
		case <-c.cc.Context().Done():
			x.queue.Post(tag, false)
		}
	}()
}

func (x *inprocServerResponder) Write(msg proto.Message, opts WriteOptions, tag Tag) {
	c := x.c
	c.mdOnce.Do(func() { close(c.md) })
	m := proto.Clone(msg)
	go func() {
		select {
		case c.s2c <- m:
			x.queue.Post(tag, true)
		case <-c.cc.Context().Done():
			x.queue.Post(tag, false)
		}
	}()
}

func (x *inprocServerResponder) Finish(msg proto.Message, st *status.Status, tag Tag) {
	c := x.c
	c.mdOnce.Do(func() { close(c.md) })
	c.finishOnce.Do(func() {
		if st == nil {
			st = status.New(codes.OK, ``)
		}
		c.stMu.Lock()
		// the first terminal status wins, e.g. a client cancel
		if c.st == nil {
			c.st = st
		}
		if msg != nil && c.response != nil {
			proto.Reset(c.response)
			proto.Merge(c.response, msg)
		}
		c.stMu.Unlock()
		close(c.srvDone)
		close(c.s2c)
	})
	x.queue.Post(tag, true)
}
