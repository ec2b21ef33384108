package grpcloop

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// mockClientConn implements grpc.ClientConnInterface; behavior is controlled
// by the function fields.
type mockClientConn struct {
	grpc.ClientConnInterface
	onInvoke    func(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
	onNewStream func(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error)
}

func (m *mockClientConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	return m.onInvoke(ctx, method, args, reply, opts...)
}

func (m *mockClientConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return m.onNewStream(ctx, desc, method, opts...)
}

// mockClientStream implements grpc.ClientStream; behavior is controlled by
// the function fields.
type mockClientStream struct {
	grpc.ClientStream
	onSendMsg   func(m any) error
	onRecvMsg   func(m any) error
	onCloseSend func() error
	onHeader    func() (metadata.MD, error)
}

func (m *mockClientStream) SendMsg(msg any) error { return m.onSendMsg(msg) }
func (m *mockClientStream) RecvMsg(msg any) error { return m.onRecvMsg(msg) }
func (m *mockClientStream) CloseSend() error      { return m.onCloseSend() }
func (m *mockClientStream) Header() (metadata.MD, error) {
	if m.onHeader != nil {
		return m.onHeader()
	}
	return nil, nil
}

func TestGRPCClientTransport_unaryOK(t *testing.T) {
	e := testEngine(t)
	conn := &mockClientConn{
		onInvoke: func(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
			assert.Equal(t, `/test.Echo/Unary`, method)
			proto.Merge(reply.(proto.Message), wrapperspb.String(`hello `+args.(*wrapperspb.StringValue).GetValue()))
			return nil
		},
	}
	tr := NewGRPCClientTransport(e, conn)

	cc := NewCallContext(context.Background())
	var out wrapperspb.StringValue
	call := RequestUnary(e, tr, cc, `/test.Echo/Unary`, wrapperspb.String(`world`), &out)

	var ok bool
	call.Finish(Callback[bool](func(v bool) { ok = v }))

	require.NoError(t, e.Run(testContext(t)))
	assert.True(t, ok)
	assert.Equal(t, codes.OK, call.StatusCode())
	assert.Equal(t, `hello world`, out.GetValue())
}

func TestGRPCClientTransport_unaryError(t *testing.T) {
	e := testEngine(t)
	conn := &mockClientConn{
		onInvoke: func(context.Context, string, any, any, ...grpc.CallOption) error {
			return status.Error(codes.NotFound, `nope`)
		},
	}
	tr := NewGRPCClientTransport(e, conn)

	cc := NewCallContext(context.Background())
	var out wrapperspb.StringValue
	call := RequestUnary(e, tr, cc, `/x/Y`, wrapperspb.String(``), &out)

	var ok bool
	call.Finish(Callback[bool](func(v bool) { ok = v }))

	require.NoError(t, e.Run(testContext(t)))
	assert.False(t, ok)
	assert.Equal(t, codes.NotFound, call.StatusCode())
	assert.Equal(t, `nope`, call.Status().Message())
}

func TestGRPCClientTransport_serverStreaming(t *testing.T) {
	e := testEngine(t)

	var sent []int64
	var closedSend bool
	recv := []any{wrapperspb.Int64(10), wrapperspb.Int64(20), io.EOF}
	var recvIdx int

	stream := &mockClientStream{
		onSendMsg: func(m any) error {
			sent = append(sent, m.(*wrapperspb.Int64Value).GetValue())
			return nil
		},
		onCloseSend: func() error {
			closedSend = true
			return nil
		},
		onRecvMsg: func(m any) error {
			next := recv[recvIdx]
			recvIdx++
			if err, _ := next.(error); err != nil {
				return err
			}
			proto.Merge(m.(proto.Message), next.(proto.Message))
			return nil
		},
	}
	conn := &mockClientConn{
		onNewStream: func(_ context.Context, desc *grpc.StreamDesc, method string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
			assert.Equal(t, `/test.Feed/Watch`, method)
			assert.Equal(t, `Watch`, desc.StreamName)
			assert.False(t, desc.ClientStreams)
			assert.True(t, desc.ServerStreams)
			return stream, nil
		},
	}
	tr := NewGRPCClientTransport(e, conn)

	cc := NewCallContext(context.Background())
	call := RequestServerStreaming[*wrapperspb.Int64Value, *wrapperspb.Int64Value](
		e, tr, cc, `/test.Feed/Watch`, wrapperspb.Int64(5),
		Callback[bool](func(ok bool) { require.True(t, ok) }))

	var got []int64
	var finishOK bool
	var read func()
	read = func() {
		m := new(wrapperspb.Int64Value)
		call.Read(m, Callback[bool](func(ok bool) {
			if ok {
				got = append(got, m.GetValue())
				read()
				return
			}
			call.Finish(Callback[bool](func(v bool) { finishOK = v }))
		}))
	}
	read()

	require.NoError(t, e.Run(testContext(t)))
	assert.Equal(t, []int64{5}, sent, `request sent with the start`)
	assert.True(t, closedSend)
	assert.Equal(t, []int64{10, 20}, got)
	assert.True(t, finishOK)
	assert.Equal(t, codes.OK, call.StatusCode())
}

func TestGRPCClientTransport_streamStartError(t *testing.T) {
	e := testEngine(t)
	conn := &mockClientConn{
		onNewStream: func(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
			return nil, status.Error(codes.Unavailable, `down`)
		},
	}
	tr := NewGRPCClientTransport(e, conn)

	cc := NewCallContext(context.Background())
	var startOK bool
	var started bool
	call := RequestBidiStreaming[*wrapperspb.StringValue, *wrapperspb.StringValue](
		e, tr, cc, `/test.Echo/Chat`,
		Callback[bool](func(ok bool) { started, startOK = true, ok }))

	require.NoError(t, e.Run(testContext(t)))
	require.True(t, started)
	assert.False(t, startOK)
	assert.True(t, call.Finished(), `failed start auto-finishes`)
	assert.Equal(t, codes.Unavailable, call.StatusCode())
}

func TestGRPCClientTransport_bidiRecvStatusError(t *testing.T) {
	e := testEngine(t)

	var closedSend bool
	stream := &mockClientStream{
		onSendMsg: func(any) error { return nil },
		onCloseSend: func() error {
			closedSend = true
			return nil
		},
		onRecvMsg: func(any) error {
			return status.Error(codes.Internal, `boom`)
		},
	}
	conn := &mockClientConn{
		onNewStream: func(_ context.Context, desc *grpc.StreamDesc, _ string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
			assert.True(t, desc.ClientStreams)
			assert.True(t, desc.ServerStreams)
			return stream, nil
		},
	}
	tr := NewGRPCClientTransport(e, conn)

	cc := NewCallContext(context.Background())
	call := RequestBidiStreaming[*wrapperspb.StringValue, *wrapperspb.StringValue](
		e, tr, cc, `/test.Echo/Chat`,
		Callback[bool](func(ok bool) { require.True(t, ok) }))

	var writeOK, readOK, finishOK bool
	call.Write(wrapperspb.String(`x`), Callback[bool](func(ok bool) {
		writeOK = ok
		call.Read(new(wrapperspb.StringValue), Callback[bool](func(ok bool) {
			readOK = ok
			call.Finish(Callback[bool](func(v bool) { finishOK = v }))
		}))
	}))

	require.NoError(t, e.Run(testContext(t)))
	assert.True(t, writeOK)
	assert.False(t, readOK)
	assert.False(t, finishOK)
	assert.True(t, closedSend)
	assert.Equal(t, codes.Internal, call.StatusCode())
	assert.Equal(t, `boom`, call.Status().Message())
}

func TestGRPCClientTransport_clientStreamingResponse(t *testing.T) {
	e := testEngine(t)

	var sum int64
	var closedSend, responded bool
	stream := &mockClientStream{
		onSendMsg: func(m any) error {
			sum += m.(*wrapperspb.Int64Value).GetValue()
			return nil
		},
		onCloseSend: func() error {
			closedSend = true
			return nil
		},
		onRecvMsg: func(m any) error {
			if !closedSend {
				return status.Error(codes.Internal, `recv before half-close`)
			}
			if responded {
				return io.EOF
			}
			responded = true
			proto.Merge(m.(proto.Message), wrapperspb.Int64(sum))
			return nil
		},
	}
	conn := &mockClientConn{
		onNewStream: func(_ context.Context, desc *grpc.StreamDesc, _ string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
			assert.True(t, desc.ClientStreams)
			assert.False(t, desc.ServerStreams)
			return stream, nil
		},
	}
	tr := NewGRPCClientTransport(e, conn)

	cc := NewCallContext(context.Background())
	var out wrapperspb.Int64Value
	call := RequestClientStreaming[*wrapperspb.Int64Value, *wrapperspb.Int64Value](
		e, tr, cc, `/test.Sum/Add`, &out,
		Callback[bool](func(ok bool) { require.True(t, ok) }))

	var finishOK bool
	call.Write(wrapperspb.Int64(4), Callback[bool](func(ok bool) {
		require.True(t, ok)
		call.WriteLast(wrapperspb.Int64(6), Callback[bool](func(ok bool) {
			require.True(t, ok)
			call.Finish(Callback[bool](func(v bool) { finishOK = v }))
		}))
	}))

	require.NoError(t, e.Run(testContext(t)))
	assert.True(t, finishOK)
	assert.Equal(t, codes.OK, call.StatusCode())
	assert.Equal(t, int64(10), out.GetValue())
}
