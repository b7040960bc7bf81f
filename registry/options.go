package registry

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	logger       *zap.Logger
	pollInterval time.Duration
	dialTimeout  time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		pollInterval: 500 * time.Millisecond,
		dialTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Option configures a registry backend.
type Option func(*options)

// WithLogger sets the logger used by the backend.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPollInterval sets how often a FileRegistry watcher rescans the directory.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithDialTimeout bounds how long an EtcdRegistry waits for its first connection.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}
