package grpcloop

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ServerCall is the server side of one accepted call. Instances are produced
// by a transport's RequestCall; all methods must run on the goroutine of the
// engine the call was requested on.
type ServerCall struct {
	e            *Engine
	responder    ServerResponder
	method       string
	kind         StreamKind
	metadataSent bool
	finished     bool
}

// Method returns the full method name of the accepted call.
func (x *ServerCall) Method() string { return x.method }

// Kind returns the shape of the accepted call.
func (x *ServerCall) Kind() StreamKind { return x.kind }

// SendInitialMetadata sends the initial metadata explicitly, ahead of the
// first response message.
func (x *ServerCall) SendInitialMetadata(token BoolToken) {
	if x.metadataSent || x.finished {
		x.completeLater(token, false)
		return
	}
	x.metadataSent = true
	x.responder.SendInitialMetadata(x.step(token))
}

// Read receives the next request message. Completes false once the client
// half-closed or the call ended.
func (x *ServerCall) Read(msg proto.Message, token BoolToken) {
	if x.finished {
		x.completeLater(token, false)
		return
	}
	x.responder.Read(msg, x.step(token))
}

// Write sends a response message.
func (x *ServerCall) Write(msg proto.Message, token BoolToken) {
	if x.finished {
		x.completeLater(token, false)
		return
	}
	x.responder.Write(msg, WriteOptions{}, x.step(token))
}

// WriteLast sends a response message marked as the final one.
func (x *ServerCall) WriteLast(msg proto.Message, token BoolToken) {
	if x.finished {
		x.completeLater(token, false)
		return
	}
	x.responder.Write(msg, WriteOptions{LastMessage: true}, x.step(token))
}

// Finish ends the call with st. For streaming response shapes only; unary
// and client-streaming calls respond via FinishMessage.
func (x *ServerCall) Finish(st *status.Status, token BoolToken) {
	if x.finished {
		x.completeLater(token, false)
		return
	}
	x.finished = true
	x.responder.Finish(nil, st, x.step(token))
}

// FinishMessage ends the call with the response message and st. For unary
// and client-streaming shapes.
func (x *ServerCall) FinishMessage(msg proto.Message, st *status.Status, token BoolToken) {
	if x.finished {
		x.completeLater(token, false)
		return
	}
	x.finished = true
	x.responder.Finish(msg, st, x.step(token))
}

// WriteAndFinish sends a final response message and the status as one
// operation.
func (x *ServerCall) WriteAndFinish(msg proto.Message, st *status.Status, token BoolToken) {
	if x.finished {
		x.completeLater(token, false)
		return
	}
	x.finished = true
	tag := x.e.begin(func(_ *Engine, result OperationResult) {
		if !result.OK() {
			token.Complete(false)
			return
		}
		x.responder.Finish(nil, st, x.step(token))
	})
	x.responder.Write(msg, WriteOptions{LastMessage: true}, tag)
}

// FinishWithError ends the call with a non-OK status and no response
// message. Panics if st is OK.
func (x *ServerCall) FinishWithError(st *status.Status, token BoolToken) {
	if st.Code() == codes.OK {
		panic(`grpcloop: finish with error requires a non-ok status`)
	}
	x.Finish(st, token)
}

func (x *ServerCall) step(token BoolToken) Tag {
	return x.e.begin(func(_ *Engine, result OperationResult) {
		token.Complete(result.OK())
	})
}

func (x *ServerCall) completeLater(token BoolToken, value bool) {
	x.e.post(newOperation(func(*Engine, OperationResult) { token.Complete(value) }))
}
