package grpcloop

import "errors"

var (
	// ErrEngineRunning is returned when an operation requires exclusive
	// ownership of the engine goroutine, but Run is active.
	ErrEngineRunning = errors.New("grpcloop: engine is running")

	// ErrEngineClosed is returned when submitting to an engine after Close.
	ErrEngineClosed = errors.New("grpcloop: engine is closed")

	// ErrEngineShutdown is returned when submitting to an engine after
	// Shutdown has begun.
	ErrEngineShutdown = errors.New("grpcloop: engine is shut down")
)
