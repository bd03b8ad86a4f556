// Package channel provides frame-oriented duplex transports.
//
// A Channel moves opaque frames between the bridge and its host. It never
// looks inside a frame: one Write produces exactly one frame on the peer's
// side, and frames are delivered in the order they were written.
//
// Once a channel reports ErrClosed it stays closed. Every later Read or
// Write fails with an error wrapping ErrClosed.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned (wrapped) by every operation on a closed channel.
var ErrClosed = errors.New("channel: closed")

// DefaultMaxFrameSize caps a single inbound frame.
const DefaultMaxFrameSize = 10 * 1024 * 1024

// Channel is a framed duplex transport.
type Channel interface {
	// Read blocks until one complete frame is available.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one frame.
	Write(ctx context.Context, frame []byte) error

	// Close shuts the channel down. It is safe to call more than once.
	Close() error
}

// Signaler is implemented by channels whose host expects out-of-band
// tokens (such as the readiness sentinel) in a form different from
// protocol frames.
type Signaler interface {
	Signal(ctx context.Context, token string) error
}

// Signal sends token through ch. Channels that do not implement Signaler
// receive the token as a regular frame.
func Signal(ctx context.Context, ch Channel, token string) error {
	if s, ok := ch.(Signaler); ok {
		return s.Signal(ctx, token)
	}
	return ch.Write(ctx, []byte(token))
}

// Option configures stream-backed channels.
type Option func(*options)

type options struct {
	maxFrameSize int
}

func defaultOptions() options {
	return options{maxFrameSize: DefaultMaxFrameSize}
}

// WithMaxFrameSize sets the largest inbound frame accepted. Non-positive
// values keep the default.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}
