package host

import (
	"go.uber.org/zap"

	"github.com/snowmerak/sqlls-bridge/lib/channel"
)

// Option configures a Host.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	sentinel     string
	env          []string
	maxFrameSize int
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		sentinel:     "OK",
		maxFrameSize: channel.DefaultMaxFrameSize,
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReadySentinel sets the token that marks the bridge as ready. It must
// match the bridge's own setting.
func WithReadySentinel(token string) Option {
	return func(o *options) {
		if token != "" {
			o.sentinel = token
		}
	}
}

// WithEnv adds KEY=VALUE pairs to a spawned bridge's environment.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// WithMaxFrameSize caps frames read from a spawned bridge.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}
