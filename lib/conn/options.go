package conn

import (
	"go.uber.org/zap"

	"github.com/snowmerak/sqlls-bridge/lib/metrics"
)

// Option configures a Conn.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	readySignal string
	onListen    func()
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger for dispatch and write failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records dispatch counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithOnListen registers fn to run once Listen has started, before the
// ready signal and before the first frame is read.
func WithOnListen(fn func()) Option {
	return func(o *options) {
		o.onListen = fn
	}
}

// WithReadySignal makes Listen write token with channel.Signal before any
// other frame. Empty sends nothing.
func WithReadySignal(token string) Option {
	return func(o *options) {
		o.readySignal = token
	}
}
