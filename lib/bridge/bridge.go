// Package bridge binds an analysis engine to a JSON-RPC connection.
//
// A Bridge owns the only engine.Engine of its process. It answers the
// initialize request from the engine's capability set, forwards every
// notification to the engine untouched, and relays diagnostics the engine
// pushes as textDocument/publishDiagnostics notifications. Once the
// connection listens it posts a readiness sentinel to the host, exactly once.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/snowmerak/sqlls-bridge/lib/channel"
	"github.com/snowmerak/sqlls-bridge/lib/conn"
	"github.com/snowmerak/sqlls-bridge/lib/engine"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("bridge: already running")

// Bridge relays protocol traffic between a host channel and an engine.
type Bridge struct {
	ch   channel.Channel
	load engine.LoadFunc
	opts options

	session uuid.UUID
	logger  *zap.Logger

	state   atomic.Int32
	running atomic.Bool
}

// New prepares a bridge over ch. The engine is not loaded until Run.
func New(ch channel.Channel, load engine.LoadFunc, opts ...Option) *Bridge {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	session, err := uuid.NewV7()
	if err != nil {
		session = uuid.New()
	}

	b := &Bridge{
		ch:      ch,
		load:    load,
		opts:    o,
		session: session,
		logger:  o.logger.With(zap.Stringer("session", session)),
	}
	b.setState(StateBootstrapping)
	return b
}

// Session identifies this bridge in logs.
func (b *Bridge) Session() uuid.UUID {
	return b.session
}

// State reports the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.opts.metrics.SetState(int(s))
}

// Run loads the engine, serves the channel and returns when the channel
// closes or ctx is cancelled. Frames the host sends while the engine loads
// stay queued and are served once listening starts. A load failure is
// returned wrapped in engine.ErrFatalBootstrap and no sentinel is sent.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	connOpts := append([]conn.Option{
		conn.WithLogger(b.logger),
		conn.WithMetrics(b.opts.metrics),
		conn.WithReadySignal(b.opts.sentinel),
		conn.WithOnListen(func() {
			b.setState(StateListening)
			b.logger.Info("bridge listening", zap.String("sentinel", b.opts.sentinel))
		}),
	}, b.opts.connOpts...)
	c := conn.New(b.ch, connOpts...)

	b.logger.Info("loading engine")
	eng, err := b.load(ctx, func(batch engine.Batch) {
		b.publish(ctx, c, batch)
	})
	if err != nil {
		if !errors.Is(err, engine.ErrFatalBootstrap) {
			err = fmt.Errorf("%w: %w", engine.ErrFatalBootstrap, err)
		}
		b.logger.Error("engine failed to load", zap.Error(err))
		b.setState(StateClosed)
		c.Close()
		return err
	}
	if eng == nil {
		b.setState(StateClosed)
		c.Close()
		return fmt.Errorf("%w: loader returned no engine", engine.ErrFatalBootstrap)
	}

	c.OnRequest(protocol.MethodInitialize, func(ctx context.Context, _ json.RawMessage) (any, error) {
		caps, err := eng.Initialize(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine initialize: %w", err)
		}
		return caps, nil
	})
	c.OnNotification(func(ctx context.Context, method string, params json.RawMessage) error {
		return eng.OnNotification(ctx, method, params)
	})

	// The sentinel is the first frame written, ahead of diagnostics pushed
	// during load and of replies to requests queued while loading.
	err = c.Listen(ctx)
	b.setState(StateClosed)
	b.logger.Info("bridge closed", zap.Error(err))
	return err
}

// publish relays an engine-pushed batch. It only queues the frame, so it
// is safe to call from inside an engine call.
func (b *Bridge) publish(ctx context.Context, c *conn.Conn, batch engine.Batch) {
	if b.State() == StateClosed {
		return
	}
	b.opts.metrics.DiagnosticsPush()

	if err := c.Notify(ctx, protocol.MethodTextDocumentPublishDiagnostics, batch); err != nil {
		b.logger.Warn("failed to publish diagnostics",
			zap.String("uri", batch.URI()),
			zap.Error(err),
		)
		return
	}
	b.logger.Debug("published diagnostics", zap.String("uri", batch.URI()))
}
