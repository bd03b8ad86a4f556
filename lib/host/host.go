// Package host is the client side of a bridge channel.
//
// A Host waits for the bridge's readiness sentinel, correlates its own
// requests with the responses that come back, and fans notifications the
// bridge pushes (diagnostics, mostly) out to per-method callbacks.
package host

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
	"github.com/snowmerak/sqlls-bridge/lib/process"
)

// ErrClosed is returned by calls on a closed host and by calls still
// waiting when the channel goes away.
var ErrClosed = channel.ErrClosed

// AnyMethod registers a NotificationFunc for notifications with no
// specific handler.
const AnyMethod = "*"

// NotificationFunc receives one notification from the bridge.
type NotificationFunc func(ctx context.Context, method string, params json.RawMessage)

// Host talks to one bridge over a channel.
type Host struct {
	ch     channel.Channel
	logger *zap.Logger
	opts   options
	proc   *process.Process

	requestID   atomic.Int32
	pendingLock sync.Mutex
	pending     map[jsonrpc2.ID]chan *jsonrpc2.Response

	handlerLock sync.RWMutex
	handlers    map[string]NotificationFunc

	ready     chan struct{}
	readyOnce sync.Once

	startOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a host over ch. Call Start to begin reading.
func New(ch channel.Channel, opts ...Option) *Host {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Host{
		ch:       ch,
		logger:   o.logger,
		opts:     o,
		pending:  make(map[jsonrpc2.ID]chan *jsonrpc2.Response),
		handlers: make(map[string]NotificationFunc),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Spawn starts the bridge binary at path with binary framing and returns a
// started host connected to it.
func Spawn(ctx context.Context, path string, opts ...Option) (*Host, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	env := append([]string{"SQLLS_FRAMING=binary"}, o.env...)
	proc, err := process.Fork(path, env...)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn bridge: %w", err)
	}

	ch := channel.NewFramed(proc.Stdout(), proc.Stdin(), proc.Stdin(), channel.WithMaxFrameSize(o.maxFrameSize))
	h := New(ch, opts...)
	h.proc = proc
	h.Start(ctx)

	h.logger.Debug("spawned bridge", zap.String("path", path), zap.Int("pid", proc.Pid()))
	return h, nil
}

// Start launches the read loop. Later calls do nothing.
func (h *Host) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		go h.readLoop(ctx)
	})
}

// Ready is closed once the sentinel has arrived.
func (h *Host) Ready() <-chan struct{} {
	return h.ready
}

// WaitReady blocks until the bridge has sent its readiness sentinel.
func (h *Host) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-h.done:
		return fmt.Errorf("waiting for ready signal: %w", ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("waiting for ready signal: %w", ctx.Err())
	}
}

// OnNotification registers fn for method, or for every unhandled method
// when method is AnyMethod.
func (h *Host) OnNotification(method string, fn NotificationFunc) {
	h.handlerLock.Lock()
	defer h.handlerLock.Unlock()
	h.handlers[method] = fn
}

// Call sends a request and decodes its result into result, which may be
// nil. An error response is returned as *jsonrpc2.Error.
func (h *Host) Call(ctx context.Context, method string, params, result any) error {
	if h.isClosed() {
		return ErrClosed
	}

	id := h.nextID()
	call, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return fmt.Errorf("failed to build request %s: %w", method, err)
	}
	frame, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to encode request %s: %w", method, err)
	}

	responseChan := make(chan *jsonrpc2.Response, 1)
	h.pendingLock.Lock()
	if h.isClosed() {
		h.pendingLock.Unlock()
		return ErrClosed
	}
	h.pending[id] = responseChan
	h.pendingLock.Unlock()

	defer func() {
		h.pendingLock.Lock()
		delete(h.pending, id)
		h.pendingLock.Unlock()
	}()

	if err := h.ch.Write(ctx, frame); err != nil {
		return fmt.Errorf("failed to write request %s: %w", method, err)
	}

	select {
	case resp, ok := <-responseChan:
		if !ok {
			return fmt.Errorf("request %s: %w", method, ErrClosed)
		}
		if err := resp.Err(); err != nil {
			var rpcErr *jsonrpc2.Error
			if errors.As(err, &rpcErr) {
				return rpcErr
			}
			return fmt.Errorf("request %s failed: %w", method, err)
		}
		if result == nil || len(resp.Result()) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result(), result); err != nil {
			return fmt.Errorf("failed to decode result of %s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return fmt.Errorf("request %s: %w", method, ErrClosed)
	}
}

// Notify sends a notification to the bridge.
func (h *Host) Notify(ctx context.Context, method string, params any) error {
	if h.isClosed() {
		return ErrClosed
	}

	n, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("failed to build notification %s: %w", method, err)
	}
	frame, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification %s: %w", method, err)
	}
	return h.ch.Write(ctx, frame)
}

// Done is closed once the host has shut down.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Close shuts the channel down, fails pending calls and, for a spawned
// bridge, stops the child process.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.pendingLock.Lock()
		close(h.done)
		for id, ch := range h.pending {
			close(ch)
			delete(h.pending, id)
		}
		h.pendingLock.Unlock()

		var errs []error
		if err := h.ch.Close(); err != nil {
			errs = append(errs, err)
		}
		if h.proc != nil {
			if err := h.proc.Close(); err != nil {
				errs = append(errs, err)
			}
			_ = h.proc.Wait()
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

func (h *Host) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Host) nextID() jsonrpc2.ID {
	return jsonrpc2.NewNumberID(h.requestID.Add(1))
}

func (h *Host) readLoop(ctx context.Context) {
	defer h.Close()

	for {
		frame, err := h.ch.Read(ctx)
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) && ctx.Err() == nil {
				h.logger.Warn("host read failed", zap.Error(err))
			}
			return
		}

		if string(frame) == h.opts.sentinel {
			h.readyOnce.Do(func() {
				h.logger.Debug("bridge is ready")
				close(h.ready)
			})
			continue
		}

		msg, err := jsonrpc2.DecodeMessage(frame)
		if err != nil {
			h.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch msg := msg.(type) {
		case *jsonrpc2.Response:
			h.deliver(msg)
		case *jsonrpc2.Notification:
			h.notify(ctx, msg)
		case *jsonrpc2.Call:
			h.reject(ctx, msg)
		}
	}
}

func (h *Host) deliver(resp *jsonrpc2.Response) {
	h.pendingLock.Lock()
	responseChan, ok := h.pending[resp.ID()]
	if ok {
		delete(h.pending, resp.ID())
	}
	h.pendingLock.Unlock()

	if !ok {
		h.logger.Debug("dropping response without a pending request", zap.String("id", fmt.Sprint(resp.ID())))
		return
	}
	responseChan <- resp
}

func (h *Host) notify(ctx context.Context, n *jsonrpc2.Notification) {
	h.handlerLock.RLock()
	fn, ok := h.handlers[n.Method()]
	if !ok {
		fn, ok = h.handlers[AnyMethod]
	}
	h.handlerLock.RUnlock()

	if !ok {
		h.logger.Debug("unhandled notification", zap.String("method", n.Method()))
		return
	}
	fn(ctx, n.Method(), n.Params())
}

// reject answers server-to-client requests, which this host does not serve.
func (h *Host) reject(ctx context.Context, call *jsonrpc2.Call) {
	resp, err := jsonrpc2.NewResponse(call.ID(), nil,
		jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+call.Method()))
	if err != nil {
		return
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.ch.Write(ctx, frame); err != nil {
		h.logger.Debug("failed to reject request", zap.String("method", call.Method()), zap.Error(err))
	}
}
