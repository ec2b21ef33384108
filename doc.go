// Package grpcloop implements an event-loop execution engine over a gRPC
// style completion queue, with high-level asynchronous call types layered on
// top.
//
// The Engine owns a CompletionQueue and processes completions on a single
// goroutine, the engine goroutine. Work may be submitted from any goroutine;
// continuations always run on the engine goroutine. Each asynchronous step
// completes a CompletionToken, so callers may react inline (Callback) or wait
// elsewhere (Future).
//
// Client calls (unary and the three streaming shapes) are driven through a
// ClientTransport. GRPCClientTransport adapts a grpc.ClientConnInterface;
// InprocTransport pairs client and server engines in-process, exposing the
// server-side operations via ServerCall.
package grpcloop
