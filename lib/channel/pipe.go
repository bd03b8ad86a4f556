package channel

import (
	"context"
	"sync"
)

// mailbox is an unbounded FIFO of frames. Writers never block, which is
// what lets a transport buffer traffic that arrives before anyone reads.
type mailbox struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) put(frame []byte) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, frame)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) get(ctx context.Context) ([]byte, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.items) > 0 {
			frame := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return frame, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-m.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox) closedState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.items = nil
	close(m.done)
}

// PipeEnd is one side of an in-memory channel pair.
type PipeEnd struct {
	in  *mailbox
	out *mailbox
}

// Pipe returns two connected in-memory channels. Frames written to one are
// read from the other in order. Writes never block; frames queue until the
// peer reads them. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	a, b := newMailbox(), newMailbox()
	return &PipeEnd{in: a, out: b}, &PipeEnd{in: b, out: a}
}

// Read returns the next frame written by the peer.
func (p *PipeEnd) Read(ctx context.Context) ([]byte, error) {
	return p.in.get(ctx)
}

// Write queues a copy of frame for the peer.
func (p *PipeEnd) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	if !p.out.put(buf) {
		return ErrClosed
	}
	return nil
}

// Buffered reports how many inbound frames are waiting to be read.
func (p *PipeEnd) Buffered() int {
	return p.in.len()
}

// Close disconnects both ends.
func (p *PipeEnd) Close() error {
	p.in.close()
	p.out.close()
	return nil
}
