// Package conn multiplexes JSON-RPC 2.0 envelopes over a channel.Channel.
//
// A Conn reads frames in arrival order, decodes them with go.lsp.dev/jsonrpc2
// and dispatches them: requests to the handler registered for their method,
// notifications to a single catch-all handler. Outbound frames go through an
// unbounded outbox drained by one writer goroutine, so Send never blocks on
// the transport and never re-enters the dispatch loop.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"

	"github.com/snowmerak/sqlls-bridge/lib/channel"
	"github.com/snowmerak/sqlls-bridge/lib/metrics"
)

// ErrClosed is returned once the connection has shut down.
var ErrClosed = channel.ErrClosed

// ErrAlreadyListening is returned by a second call to Listen.
var ErrAlreadyListening = errors.New("conn: already listening")

// RequestHandler answers one request. The result is marshalled into the
// response; returning a *jsonrpc2.Error sends that error unchanged.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler receives every inbound notification.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage) error

// Conn is a JSON-RPC connection over a framed channel.
type Conn struct {
	ch      channel.Channel
	logger  *zap.Logger
	metrics *metrics.Metrics

	handlerLock         sync.RWMutex
	requestHandlers     map[string]RequestHandler
	notificationHandler NotificationHandler

	outbox      *outbox
	readySignal string
	onListen    func()
	started     atomic.Bool
	listening   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps ch. Nothing is read until Listen is called; frames the peer
// sends before that stay buffered in the channel.
func New(ch channel.Channel, opts ...Option) *Conn {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Conn{
		ch:              ch,
		logger:          o.logger,
		metrics:         o.metrics,
		requestHandlers: make(map[string]RequestHandler),
		outbox:          newOutbox(),
		readySignal:     o.readySignal,
		onListen:        o.onListen,
		listening:       make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// OnRequest registers h for method. Registering a method twice panics.
func (c *Conn) OnRequest(method string, h RequestHandler) {
	c.handlerLock.Lock()
	defer c.handlerLock.Unlock()

	if _, exists := c.requestHandlers[method]; exists {
		panic(fmt.Sprintf("handler for %s already registered", method))
	}
	c.requestHandlers[method] = h
}

// OnNotification sets the catch-all notification handler.
func (c *Conn) OnNotification(h NotificationHandler) {
	c.handlerLock.Lock()
	defer c.handlerLock.Unlock()
	c.notificationHandler = h
}

// Send queues msg for the writer and returns without waiting for it to be
// written. Frames queued before Listen are written once it starts.
func (c *Conn) Send(ctx context.Context, msg jsonrpc2.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.metrics.OutboxQueued()
	if !c.outbox.push(frame) {
		c.metrics.OutboxRemoved(1)
		return ErrClosed
	}
	return nil
}

// Notify sends a notification for method with params.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("failed to build notification %s: %w", method, err)
	}
	return c.Send(ctx, n)
}

// Listening is closed once Listen has started pulling frames.
func (c *Conn) Listening() <-chan struct{} {
	return c.listening
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection and its channel down. Handler results that
// arrive afterwards are dropped.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.metrics.OutboxRemoved(c.outbox.close())
		c.closeErr = c.ch.Close()
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Listen reads and dispatches frames until the channel closes or ctx is
// cancelled. When a ready signal is configured it is the first thing
// written, ahead of queued frames and of any reply to a frame read here.
// The connection is closed when Listen returns. A closed channel is
// reported as an error wrapping ErrClosed.
func (c *Conn) Listen(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}
	if c.isClosed() {
		return ErrClosed
	}
	defer c.Close()

	// Stream reads do not observe ctx; closing the channel unblocks them.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if c.onListen != nil {
		c.onListen()
	}
	go c.writeLoop(ctx)
	close(c.listening)

	for {
		frame, err := c.ch.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, channel.ErrClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return fmt.Errorf("listen: %w: %w", ErrClosed, err)
		}
		c.metrics.FrameRead()

		c.dispatch(ctx, frame)
	}
}

func (c *Conn) dispatch(ctx context.Context, frame []byte) {
	msg, err := jsonrpc2.DecodeMessage(frame)
	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.Int("size", len(frame)), zap.Error(err))
		c.metrics.FrameDropped(metrics.ReasonMalformed)
		return
	}

	switch msg := msg.(type) {
	case *jsonrpc2.Call:
		go c.handleCall(ctx, msg)
	case *jsonrpc2.Notification:
		c.handleNotification(ctx, msg)
	case *jsonrpc2.Response:
		c.logger.Debug("dropping unexpected response", zap.String("id", fmt.Sprint(msg.ID())))
		c.metrics.FrameDropped(metrics.ReasonUnexpected)
	default:
		c.logger.Warn("dropping frame of unknown kind", zap.String("type", fmt.Sprintf("%T", msg)))
		c.metrics.FrameDropped(metrics.ReasonMalformed)
	}
}

func (c *Conn) handleCall(ctx context.Context, call *jsonrpc2.Call) {
	method := call.Method()
	id := call.ID()

	c.handlerLock.RLock()
	h, ok := c.requestHandlers[method]
	c.handlerLock.RUnlock()

	if !ok {
		c.metrics.RequestStarted("unknown")(metrics.OutcomeMethodNotFound)
		c.logger.Debug("method not found", zap.String("method", method), zap.String("id", fmt.Sprint(id)))
		c.reply(ctx, id, nil, jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+method))
		return
	}

	finish := c.metrics.RequestStarted(method)
	result, err := c.invoke(ctx, method, h, call.Params())

	if c.isClosed() {
		finish(metrics.OutcomeDropped)
		c.logger.Debug("dropping late result", zap.String("method", method), zap.String("id", fmt.Sprint(id)))
		return
	}

	if err != nil {
		finish(metrics.OutcomeInternalError)
		c.logger.Warn("request failed", zap.String("method", method), zap.String("id", fmt.Sprint(id)), zap.Error(err))
		c.reply(ctx, id, nil, err)
		return
	}

	finish(metrics.OutcomeOK)
	c.reply(ctx, id, result, nil)
}

func (c *Conn) invoke(ctx context.Context, method string, h RequestHandler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panicked",
				zap.String("method", method),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, params)
}

func (c *Conn) reply(ctx context.Context, id jsonrpc2.ID, result any, err error) {
	var replyErr error
	if err != nil {
		replyErr = toRPCError(err)
	}

	resp, buildErr := jsonrpc2.NewResponse(id, result, replyErr)
	if buildErr != nil {
		c.logger.Warn("failed to encode result", zap.String("id", fmt.Sprint(id)), zap.Error(buildErr))
		resp, buildErr = jsonrpc2.NewResponse(id, nil,
			jsonrpc2.NewError(jsonrpc2.InternalError, "failed to encode result: "+buildErr.Error()))
		if buildErr != nil {
			return
		}
	}

	if err := c.Send(ctx, resp); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("failed to queue response", zap.String("id", fmt.Sprint(id)), zap.Error(err))
	}
}

func (c *Conn) handleNotification(ctx context.Context, n *jsonrpc2.Notification) {
	c.handlerLock.RLock()
	h := c.notificationHandler
	c.handlerLock.RUnlock()

	method := n.Method()
	if h == nil {
		c.logger.Debug("no notification handler", zap.String("method", method))
		return
	}
	c.metrics.Notification(method)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked",
				zap.String("method", method),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if err := h(ctx, method, n.Params()); err != nil {
		c.logger.Warn("notification handler failed", zap.String("method", method), zap.Error(err))
	}
}

// writeLoop is the only writer of c.ch once listening has started.
func (c *Conn) writeLoop(ctx context.Context) {
	if c.readySignal != "" {
		if err := channel.Signal(ctx, c.ch, c.readySignal); err != nil {
			c.writeFailed(err)
			return
		}
		c.metrics.FrameWritten()
		c.logger.Debug("sent ready signal", zap.String("token", c.readySignal))
	}

	for {
		frame, ok := c.outbox.pop(c.done)
		if !ok {
			return
		}
		c.metrics.OutboxRemoved(1)

		if err := c.ch.Write(ctx, frame); err != nil {
			c.writeFailed(err)
			return
		}
		c.metrics.FrameWritten()
	}
}

func (c *Conn) writeFailed(err error) {
	if !c.isClosed() {
		c.logger.Warn("write failed, closing connection", zap.Error(err))
	}
	c.Close()
}

func toRPCError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
}
