package grpcloop

import (
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

type (
	// StreamKind identifies the shape of a call.
	StreamKind uint8

	// WriteOptions adjusts a single write step.
	WriteOptions struct {
		// LastMessage coalesces the half-close into the write: no further
		// writes follow, and no separate writes-done step is needed.
		LastMessage bool
	}

	// CallDesc describes one client call leg to a transport.
	//
	// Request is set for StreamUnary and StreamServerStreaming, where the
	// request goes out up front. Response is set for StreamUnary and
	// StreamClientStreaming, where the transport populates it when the final
	// status arrives.
	CallDesc struct {
		Method   string
		Kind     StreamKind
		Request  proto.Message
		Response proto.Message
	}

	// ClientTransport creates responders for client calls. Implementations
	// post exactly one completion event per step they are handed a tag for,
	// to the completion queue of the engine driving the call.
	//
	// For StreamUnary the call begins at NewCall; the responder's only step
	// is Finish. For the streaming kinds the call begins at StartCall.
	ClientTransport interface {
		NewCall(cc *CallContext, desc CallDesc) ClientResponder
	}

	// ClientResponder issues the individual wire steps of one client call.
	// Each step method registers tag with the completion source; the step's
	// (tag, ok) event is posted when the step reaches the wire or fails.
	//
	// Status is only valid once a Finish step completed, or a step completed
	// not-ok (the transport resolves the status on any terminal outcome).
	ClientResponder interface {
		StartCall(tag Tag)
		ReadInitialMetadata(tag Tag)
		Read(msg proto.Message, tag Tag)
		Write(msg proto.Message, opts WriteOptions, tag Tag)
		WritesDone(tag Tag)
		Finish(tag Tag)
		Status() *status.Status
	}

	// ServerResponder issues the wire steps of one accepted server call.
	ServerResponder interface {
		SendInitialMetadata(tag Tag)
		Read(msg proto.Message, tag Tag)
		Write(msg proto.Message, opts WriteOptions, tag Tag)
		// Finish sends the final status. msg is optional: non-nil delivers a
		// trailing response message with the status, which is how unary and
		// client-streaming responses travel.
		Finish(msg proto.Message, st *status.Status, tag Tag)
	}
)

const (
	// StreamUnary is a single request, single response call.
	StreamUnary StreamKind = iota

	// StreamClientStreaming sends many requests, receiving one response
	// with the final status.
	StreamClientStreaming

	// StreamServerStreaming sends one request up front, receiving many
	// responses.
	StreamServerStreaming

	// StreamBidiStreaming sends and receives independently.
	StreamBidiStreaming
)

func (k StreamKind) String() string {
	switch k {
	case StreamUnary:
		return `unary`
	case StreamClientStreaming:
		return `client-streaming`
	case StreamServerStreaming:
		return `server-streaming`
	case StreamBidiStreaming:
		return `bidi-streaming`
	default:
		return `invalid`
	}
}

// clientStreams reports whether the client sends more than one message.
func (k StreamKind) clientStreams() bool {
	return k == StreamClientStreaming || k == StreamBidiStreaming
}

// serverStreams reports whether the server sends more than one message.
func (k StreamKind) serverStreams() bool {
	return k == StreamServerStreaming || k == StreamBidiStreaming
}
