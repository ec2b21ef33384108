package grpcloop

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

type (
	// clientCall is the bookkeeping shared by every client call shape. All
	// methods must run on the engine goroutine; steps initiated elsewhere
	// must be routed through Engine.Submit.
	clientCall struct {
		e         *Engine
		responder ClientResponder
		ref       callRef
		st        *status.Status
	}

	// UnaryCall is a single-request, single-response call. The request goes
	// out when the call is created; Finish delivers the response and status.
	UnaryCall[Request proto.Message, Response proto.Message] struct {
		clientCall
		response Response
	}

	// ClientStreamingCall sends a stream of requests; the single response
	// arrives with the final status via Finish.
	ClientStreamingCall[Request proto.Message, Response proto.Message] struct {
		clientCall
		response Response
	}

	// ServerStreamingCall sends a single request up front and reads a stream
	// of responses.
	ServerStreamingCall[Response proto.Message] struct {
		clientCall
	}

	// BidiStreamingCall reads and writes independently.
	BidiStreamingCall[Request proto.Message, Response proto.Message] struct {
		clientCall
	}
)

// RequestUnary begins a unary call. The request is initiated immediately;
// response is populated once Finish completes.
func RequestUnary[Request proto.Message, Response proto.Message](
	e *Engine, transport ClientTransport, cc *CallContext,
	method string, request Request, response Response,
) *UnaryCall[Request, Response] {
	x := &UnaryCall[Request, Response]{response: response}
	x.clientCall = clientCall{
		e: e,
		responder: transport.NewCall(cc, CallDesc{
			Method:   method,
			Kind:     StreamUnary,
			Request:  request,
			Response: response,
		}),
		ref: callRef{cc: cc},
	}
	return x
}

// RequestClientStreaming begins a client-streaming call, completing token
// with the start outcome. The response message is populated once Finish
// completes with an OK status.
func RequestClientStreaming[Request proto.Message, Response proto.Message](
	e *Engine, transport ClientTransport, cc *CallContext,
	method string, response Response, token BoolToken,
) *ClientStreamingCall[Request, Response] {
	x := &ClientStreamingCall[Request, Response]{response: response}
	x.clientCall = clientCall{
		e: e,
		responder: transport.NewCall(cc, CallDesc{
			Method:   method,
			Kind:     StreamClientStreaming,
			Response: response,
		}),
		ref: callRef{cc: cc},
	}
	x.start(token)
	return x
}

// RequestServerStreaming begins a server-streaming call, sending the request
// up front and completing token with the start outcome.
func RequestServerStreaming[Request proto.Message, Response proto.Message](
	e *Engine, transport ClientTransport, cc *CallContext,
	method string, request Request, token BoolToken,
) *ServerStreamingCall[Response] {
	x := &ServerStreamingCall[Response]{clientCall{
		e: e,
		responder: transport.NewCall(cc, CallDesc{
			Method:  method,
			Kind:    StreamServerStreaming,
			Request: request,
		}),
		ref: callRef{cc: cc},
	}}
	x.start(token)
	return x
}

// RequestBidiStreaming begins a bidirectional-streaming call, completing
// token with the start outcome.
func RequestBidiStreaming[Request proto.Message, Response proto.Message](
	e *Engine, transport ClientTransport, cc *CallContext,
	method string, token BoolToken,
) *BidiStreamingCall[Request, Response] {
	x := &BidiStreamingCall[Request, Response]{clientCall{
		e: e,
		responder: transport.NewCall(cc, CallDesc{
			Method: method,
			Kind:   StreamBidiStreaming,
		}),
		ref: callRef{cc: cc},
	}}
	x.start(token)
	return x
}

func (x *UnaryCall[Request, Response]) Response() Response { return x.response }

func (x *UnaryCall[Request, Response]) ReadInitialMetadata(token BoolToken) {
	x.readInitialMetadata(token)
}

func (x *UnaryCall[Request, Response]) Finish(token BoolToken) { x.finish(token) }

func (x *ClientStreamingCall[Request, Response]) Response() Response { return x.response }

func (x *ClientStreamingCall[Request, Response]) ReadInitialMetadata(token BoolToken) {
	x.readInitialMetadata(token)
}

func (x *ClientStreamingCall[Request, Response]) Write(request Request, token BoolToken) {
	x.write(request, WriteOptions{}, token)
}

// WriteLast writes request and coalesces the half-close into the same step.
func (x *ClientStreamingCall[Request, Response]) WriteLast(request Request, token BoolToken) {
	x.write(request, WriteOptions{LastMessage: true}, token)
}

func (x *ClientStreamingCall[Request, Response]) WritesDone(token BoolToken) {
	x.writesDone(token)
}

func (x *ClientStreamingCall[Request, Response]) Finish(token BoolToken) { x.finish(token) }

func (x *ServerStreamingCall[Response]) ReadInitialMetadata(token BoolToken) {
	x.readInitialMetadata(token)
}

func (x *ServerStreamingCall[Response]) Read(response Response, token BoolToken) {
	x.read(response, token)
}

func (x *ServerStreamingCall[Response]) Finish(token BoolToken) { x.finish(token) }

func (x *BidiStreamingCall[Request, Response]) ReadInitialMetadata(token BoolToken) {
	x.readInitialMetadata(token)
}

func (x *BidiStreamingCall[Request, Response]) Read(response Response, token BoolToken) {
	x.read(response, token)
}

func (x *BidiStreamingCall[Request, Response]) Write(request Request, token BoolToken) {
	x.write(request, WriteOptions{}, token)
}

// WriteLast writes request and coalesces the half-close into the same step.
func (x *BidiStreamingCall[Request, Response]) WriteLast(request Request, token BoolToken) {
	x.write(request, WriteOptions{LastMessage: true}, token)
}

func (x *BidiStreamingCall[Request, Response]) WritesDone(token BoolToken) {
	x.writesDone(token)
}

func (x *BidiStreamingCall[Request, Response]) Finish(token BoolToken) { x.finish(token) }

// Status returns the call's final status. Only valid once a Finish token
// completed, or any step completed false.
func (x *clientCall) Status() *status.Status { return x.st }

// StatusCode returns the final status code, or codes.Unknown before the
// status is known.
func (x *clientCall) StatusCode() codes.Code {
	if x.st == nil {
		return codes.Unknown
	}
	return x.st.Code()
}

// Finished reports whether the call reached its final status.
func (x *clientCall) Finished() bool { return x.ref.finished() }

// Close cancels the call if it has not finished, and fires any done
// notifications. The call must not be used afterwards.
func (x *clientCall) Close() error {
	x.ref.cancel()
	if cc := x.ref.setFinished(); cc != nil {
		x.e.callDone(cc)
	}
	return nil
}

func (x *clientCall) ok() bool { return x.st != nil && x.st.Code() == codes.OK }

func (x *clientCall) markFinished() {
	if cc := x.ref.setFinished(); cc != nil {
		x.e.callDone(cc)
	}
}

// completeLater defers token completion to the next engine pass, so that
// already-satisfied operations never complete reentrantly.
func (x *clientCall) completeLater(token BoolToken, value bool) {
	x.e.post(newOperation(func(*Engine, OperationResult) { token.Complete(value) }))
}

// step builds the tag for an intermediate wire step: ok passes through, and
// any wire failure finishes the call before token observes false.
func (x *clientCall) step(token BoolToken) Tag {
	return x.e.begin(func(_ *Engine, result OperationResult) {
		switch {
		case result.OK():
			token.Complete(true)
		case result.Shutdown():
			token.Complete(false)
		default:
			x.failStep(token)
		}
	})
}

// failStep finishes the call so the status is resolved, then completes token
// with false.
func (x *clientCall) failStep(token BoolToken) {
	if x.ref.finished() {
		token.Complete(false)
		return
	}
	tag := x.e.begin(func(_ *Engine, result OperationResult) {
		if !result.Shutdown() {
			x.st = x.responder.Status()
			x.markFinished()
		}
		token.Complete(false)
	})
	x.responder.Finish(tag)
}

func (x *clientCall) start(token BoolToken) {
	tag := x.e.begin(func(_ *Engine, result OperationResult) {
		switch {
		case result.OK():
			token.Complete(true)
		case result.Shutdown():
			token.Complete(false)
		default:
			x.failStep(token)
		}
	})
	x.responder.StartCall(tag)
}

func (x *clientCall) readInitialMetadata(token BoolToken) {
	if x.ref.finished() {
		x.completeLater(token, false)
		return
	}
	x.responder.ReadInitialMetadata(x.step(token))
}

func (x *clientCall) read(msg proto.Message, token BoolToken) {
	if x.ref.finished() {
		// the stream end already surfaced; no wire work
		x.completeLater(token, false)
		return
	}
	x.responder.Read(msg, x.step(token))
}

func (x *clientCall) write(msg proto.Message, opts WriteOptions, token BoolToken) {
	if x.ref.finished() {
		x.completeLater(token, false)
		return
	}
	if opts.LastMessage {
		x.ref.writesDone = true
	}
	x.responder.Write(msg, opts, x.step(token))
}

func (x *clientCall) writesDone(token BoolToken) {
	if x.ref.writesDone || x.ref.finished() {
		// already half-closed; nothing to do on the wire
		x.completeLater(token, true)
		return
	}
	x.ref.writesDone = true
	x.responder.WritesDone(x.step(token))
}

// finish resolves the call's final status. Idempotent: once finished, the
// cached status is reused and token completes without wire work.
func (x *clientCall) finish(token BoolToken) {
	if x.ref.finished() {
		x.completeLater(token, x.ok())
		return
	}
	tag := x.e.begin(func(_ *Engine, result OperationResult) {
		if result.Shutdown() {
			token.Complete(false)
			return
		}
		x.st = x.responder.Status()
		x.markFinished()
		token.Complete(x.ok())
	})
	x.responder.Finish(tag)
}
