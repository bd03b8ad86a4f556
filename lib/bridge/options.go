package bridge

import (
	"go.uber.org/zap"

	"github.com/snowmerak/sqlls-bridge/lib/conn"
	"github.com/snowmerak/sqlls-bridge/lib/metrics"
)

// DefaultReadySentinel is posted to the host once the bridge listens.
const DefaultReadySentinel = "OK"

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	sentinel string
	connOpts []conn.Option
}

func defaultOptions() options {
	return options{
		logger:   zap.NewNop(),
		sentinel: DefaultReadySentinel,
	}
}

// WithLogger sets the logger; the bridge adds its session id to it.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records bridge and connection metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithReadySentinel replaces the readiness token. Empty keeps the default.
func WithReadySentinel(token string) Option {
	return func(o *options) {
		if token != "" {
			o.sentinel = token
		}
	}
}

// WithConnOptions passes extra options to the underlying conn.Conn. They
// are applied after the bridge's own logger and metrics.
func WithConnOptions(opts ...conn.Option) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts, opts...)
	}
}
