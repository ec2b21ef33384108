package grpcloop

import (
	"time"

	"github.com/joeycumines/logiface"
)

// engineOptions holds configuration options for Engine creation.
type engineOptions struct {
	logger       *logiface.Logger[logiface.Event]
	queue        CompletionQueue
	pollInterval time.Duration
}

// Option configures an Engine instance.
type Option interface {
	applyEngine(*engineOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *optionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithLogger sets the engine's logger. A nil logger disables logging, and is
// the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithCompletionQueue sets the completion source the engine drives.
// Defaults to a new MemoryQueue.
func WithCompletionQueue(queue CompletionQueue) Option {
	return &optionImpl{func(opts *engineOptions) error {
		opts.queue = queue
		return nil
	}}
}

// WithPollInterval bounds how long a single blocking poll of the completion
// queue may last. Shorter intervals make Run react faster to context
// cancellation at the cost of more wakeups. Defaults to 250ms.
func WithPollInterval(d time.Duration) Option {
	return &optionImpl{func(opts *engineOptions) error {
		opts.pollInterval = d
		return nil
	}}
}

// resolveEngineOptions applies Option instances to engineOptions.
func resolveEngineOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{
		pollInterval: 250 * time.Millisecond, // default
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.queue == nil {
		cfg.queue = NewMemoryQueue()
	}
	return cfg, nil
}
