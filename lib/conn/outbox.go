package conn

import "sync"

// outbox is an unbounded FIFO of encoded frames waiting for the writer.
// push never blocks, so handlers and engine callbacks can send while the
// transport is stalled or before the writer has started.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

// push appends frame. It returns false once the outbox is closed.
func (o *outbox) push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.frames = append(o.frames, frame)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// pop waits for the oldest frame. It returns false when done is closed or
// the outbox is closed.
func (o *outbox) pop(done <-chan struct{}) ([]byte, bool) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, false
		}
		if len(o.frames) > 0 {
			frame := o.frames[0]
			o.frames[0] = nil
			o.frames = o.frames[1:]
			o.mu.Unlock()
			return frame, true
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-done:
			return nil, false
		}
	}
}

// close discards the queued frames and reports how many there were.
func (o *outbox) close() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	n := len(o.frames)
	o.frames = nil
	return n
}
