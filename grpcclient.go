package grpcloop

import (
	"errors"
	"io"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
)

type (
	// GRPCClientTransport adapts a grpc.ClientConnInterface into the
	// step-issuing ClientTransport protocol. Each step runs the blocking
	// grpc-go primitive on its own goroutine and posts the step's completion
	// to the engine's completion queue.
	GRPCClientTransport struct {
		conn  grpc.ClientConnInterface
		queue CompletionQueue
	}

	// grpcUnaryResponder drives one unary call via Invoke. The call starts
	// when the responder is created; st is written before done is closed.
	grpcUnaryResponder struct {
		conn  grpc.ClientConnInterface
		queue CompletionQueue
		cc    *CallContext
		desc  CallDesc
		done  chan struct{}
		st    *status.Status
	}

	// grpcStreamResponder drives one streaming call via NewStream.
	grpcStreamResponder struct {
		conn  grpc.ClientConnInterface
		queue CompletionQueue
		cc    *CallContext
		desc  CallDesc

		mu     sync.Mutex
		stream grpc.ClientStream
		st     *status.Status
	}
)

// NewGRPCClientTransport initializes a transport posting completions to e's
// completion queue.
func NewGRPCClientTransport(e *Engine, conn grpc.ClientConnInterface) *GRPCClientTransport {
	if conn == nil {
		panic(`grpcloop: nil client conn`)
	}
	return &GRPCClientTransport{conn: conn, queue: e.CompletionQueue()}
}

func (x *GRPCClientTransport) NewCall(cc *CallContext, desc CallDesc) ClientResponder {
	if desc.Kind == StreamUnary {
		r := &grpcUnaryResponder{
			conn:  x.conn,
			queue: x.queue,
			cc:    cc,
			desc:  desc,
			done:  make(chan struct{}),
		}
		go r.invoke()
		return r
	}
	return &grpcStreamResponder{
		conn:  x.conn,
		queue: x.queue,
		cc:    cc,
		desc:  desc,
	}
}

func (x *grpcUnaryResponder) invoke() {
	err := x.conn.Invoke(x.cc.Context(), x.desc.Method, x.desc.Request, x.desc.Response)
	if err != nil {
		x.st = status.Convert(err)
	} else {
		x.st = status.New(codes.OK, "")
	}
	close(x.done)
}

// StartCall completes immediately; the unary exchange began at NewCall.
func (x *grpcUnaryResponder) StartCall(tag Tag) { x.queue.Post(tag, true) }

func (x *grpcUnaryResponder) ReadInitialMetadata(tag Tag) {
	go func() {
		<-x.done
		x.queue.Post(tag, x.st.Code() == codes.OK)
	}()
}

func (x *grpcUnaryResponder) Read(proto.Message, Tag) {
	panic(`grpcloop: read step on a unary call`)
}

func (x *grpcUnaryResponder) Write(proto.Message, WriteOptions, Tag) {
	panic(`grpcloop: write step on a unary call`)
}

func (x *grpcUnaryResponder) WritesDone(Tag) {
	panic(`grpcloop: writes-done step on a unary call`)
}

func (x *grpcUnaryResponder) Finish(tag Tag) {
	go func() {
		<-x.done
		x.queue.Post(tag, true)
	}()
}

func (x *grpcUnaryResponder) Status() *status.Status { return x.st }

func (x *grpcStreamResponder) StartCall(tag Tag) {
	go func() {
		sd := &grpc.StreamDesc{
			StreamName:    streamName(x.desc.Method),
			ClientStreams: x.desc.Kind.clientStreams(),
			ServerStreams: x.desc.Kind.serverStreams(),
		}
		stream, err := x.conn.NewStream(x.cc.Context(), sd, x.desc.Method)
		if err != nil {
			x.setStatus(status.Convert(err))
			x.queue.Post(tag, false)
			return
		}
		x.mu.Lock()
		x.stream = stream
		x.mu.Unlock()
		if x.desc.Kind == StreamServerStreaming {
			// single request goes out with the start
			if err := stream.SendMsg(x.desc.Request); err == nil {
				err = stream.CloseSend()
			} else {
				x.queue.Post(tag, false)
				return
			}
			if err != nil {
				x.queue.Post(tag, false)
				return
			}
		}
		x.queue.Post(tag, true)
	}()
}

func (x *grpcStreamResponder) ReadInitialMetadata(tag Tag) {
	stream := x.streamHandle()
	go func() {
		_, err := stream.Header()
		x.queue.Post(tag, err == nil)
	}()
}

func (x *grpcStreamResponder) Read(msg proto.Message, tag Tag) {
	stream := x.streamHandle()
	go func() {
		err := stream.RecvMsg(msg)
		if err != nil {
			x.setStatusFromRecv(err)
			x.queue.Post(tag, false)
			return
		}
		x.queue.Post(tag, true)
	}()
}

func (x *grpcStreamResponder) Write(msg proto.Message, opts WriteOptions, tag Tag) {
	stream := x.streamHandle()
	go func() {
		err := stream.SendMsg(msg)
		if err == nil && opts.LastMessage {
			err = stream.CloseSend()
		}
		x.queue.Post(tag, err == nil)
	}()
}

func (x *grpcStreamResponder) WritesDone(tag Tag) {
	stream := x.streamHandle()
	go func() {
		x.queue.Post(tag, stream.CloseSend() == nil)
	}()
}

// Finish resolves the final status. The send direction is closed if still
// open, the trailing response is received for client-streaming calls, and
// any residue is drained until the stream reports its status.
func (x *grpcStreamResponder) Finish(tag Tag) {
	x.mu.Lock()
	stream := x.stream
	x.mu.Unlock()
	if stream == nil {
		// start failed; status already resolved
		x.queue.Post(tag, true)
		return
	}
	go func() {
		if x.desc.Kind.clientStreams() {
			_ = stream.CloseSend()
		}
		if x.desc.Kind == StreamClientStreaming && x.desc.Response != nil && x.status() == nil {
			if err := stream.RecvMsg(x.desc.Response); err != nil {
				x.setStatusFromRecv(err)
			}
		}
		for x.status() == nil {
			// residual messages carry no information here; unknown fields
			// land in the placeholder
			var discard emptypb.Empty
			if err := stream.RecvMsg(&discard); err != nil {
				x.setStatusFromRecv(err)
			}
		}
		x.queue.Post(tag, true)
	}()
}

func (x *grpcStreamResponder) Status() *status.Status { return x.status() }

func (x *grpcStreamResponder) streamHandle() grpc.ClientStream {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stream == nil {
		panic(`grpcloop: step before start completed`)
	}
	return x.stream
}

func (x *grpcStreamResponder) status() *status.Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.st
}

func (x *grpcStreamResponder) setStatus(st *status.Status) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.st == nil {
		x.st = st
	}
}

func (x *grpcStreamResponder) setStatusFromRecv(err error) {
	if errors.Is(err, io.EOF) {
		x.setStatus(status.New(codes.OK, ``))
		return
	}
	x.setStatus(status.Convert(err))
}

func streamName(method string) string {
	if i := strings.LastIndexByte(method, '/'); i >= 0 {
		return method[i+1:]
	}
	return method
}
