package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// 1 byte for the frame type, 4 bytes for the frame id, 4 bytes for the data length
	FrameHeaderSize = 9

	FrameTypeStart = uint8(0x01) // Opens a frame id
	FrameTypeEnd   = uint8(0x02) // Completes a frame id
	FrameTypeData  = uint8(0x03) // Carries a chunk of payload
	FrameTypeAbort = uint8(0x06) // Discards a partially written frame

	FrameChunkSize = 1024
)

// Framed carries frames over a byte stream using a chunked binary layout.
// A logical frame is written as start, zero or more data chunks and end,
// all tagged with the same frame id, so concurrent writers may interleave
// chunks without corrupting each other.
//
// It is the framing used between a host process and a spawned bridge.
type Framed struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
	opts   options

	writerLock sync.Mutex
	sequence   atomic.Uint32

	startOnce sync.Once
	frames    chan []byte
	readErr   error // set by readLoop before frames is closed

	pending map[uint32][]byte // owned by readLoop
	dropped atomic.Uint64

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewFramed creates a binary framed channel. c may be nil.
func NewFramed(r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Framed {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Framed{
		reader:  r,
		writer:  w,
		closer:  c,
		opts:    o,
		frames:  make(chan []byte, 64),
		pending: make(map[uint32][]byte),
		done:    make(chan struct{}),
	}
}

// Read returns the next completed frame.
func (f *Framed) Read(ctx context.Context) ([]byte, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	f.startOnce.Do(func() { go f.readLoop() })

	select {
	case frame, ok := <-f.frames:
		if !ok {
			if f.readErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrClosed, f.readErr)
			}
			return nil, ErrClosed
		}
		return frame, nil
	case <-f.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped reports how many inbound frames were discarded because they were
// oversized, aborted or referenced an unknown frame id.
func (f *Framed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Framed) readLoop() {
	defer close(f.frames)

	header := make([]byte, FrameHeaderSize)
	maxLength := uint32(f.opts.maxFrameSize)

	for {
		if _, err := io.ReadFull(f.reader, header); err != nil {
			f.readErr = err
			return
		}

		frameType := header[0]
		frameID := binary.BigEndian.Uint32(header[1:5])
		dataLength := binary.BigEndian.Uint32(header[5:9])

		switch frameType {
		case FrameTypeStart:
			if _, exists := f.pending[frameID]; exists {
				// The previous writer of this id never finished.
				f.dropped.Add(1)
			}
			f.pending[frameID] = make([]byte, 0, min(int(dataLength), FrameChunkSize))

		case FrameTypeData:
			if dataLength > maxLength {
				// Skip the payload so the stream stays aligned.
				if _, err := io.CopyN(io.Discard, f.reader, int64(dataLength)); err != nil {
					f.readErr = err
					return
				}
				f.drop(frameID)
				continue
			}

			chunk := make([]byte, dataLength)
			if _, err := io.ReadFull(f.reader, chunk); err != nil {
				f.readErr = fmt.Errorf("read data chunk: %w", err)
				return
			}

			buf, ok := f.pending[frameID]
			if !ok {
				f.dropped.Add(1)
				continue
			}
			if uint32(len(buf))+dataLength > maxLength {
				f.drop(frameID)
				continue
			}
			f.pending[frameID] = append(buf, chunk...)

		case FrameTypeEnd:
			buf, ok := f.pending[frameID]
			if !ok {
				f.dropped.Add(1)
				continue
			}
			delete(f.pending, frameID)

			select {
			case f.frames <- buf:
			case <-f.done:
				return
			}

		case FrameTypeAbort:
			f.drop(frameID)

		default:
			f.readErr = fmt.Errorf("unknown frame type: %d", frameType)
			return
		}
	}
}

func (f *Framed) drop(frameID uint32) {
	delete(f.pending, frameID)
	f.dropped.Add(1)
}

func (f *Framed) write(frameType uint8, frameID uint32, data []byte) error {
	f.writerLock.Lock()
	defer f.writerLock.Unlock()

	if uint64(len(data)) > 0xFFFFFFFF {
		return fmt.Errorf("data length exceeds maximum size")
	}

	header := make([]byte, FrameHeaderSize)
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:5], frameID)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(data)))

	if _, err := f.writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if frameType == FrameTypeData && len(data) > 0 {
		if _, err := f.writer.Write(data); err != nil {
			return fmt.Errorf("failed to write data: %w", err)
		}
	}

	return nil
}

// Write sends frame under a fresh frame id. If ctx is cancelled part way,
// an abort is written so the peer discards the partial frame.
func (f *Framed) Write(ctx context.Context, frame []byte) error {
	if f.closed.Load() {
		return ErrClosed
	}

	seq := f.sequence.Add(1)
	if err := f.writeFrame(ctx, seq, frame); err != nil {
		if ctx.Err() != nil && err == ctx.Err() {
			return err
		}
		f.Close()
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return nil
}

func (f *Framed) writeFrame(ctx context.Context, seq uint32, data []byte) error {
	done := ctx.Done()

	if err := f.write(FrameTypeStart, seq, nil); err != nil {
		return err
	}

	for {
		select {
		case <-done:
			if err := f.write(FrameTypeAbort, seq, nil); err != nil {
				return fmt.Errorf("failed to write abort: %w", err)
			}
			return ctx.Err()
		default:
		}

		if len(data) == 0 {
			break
		}

		chunkSize := min(len(data), FrameChunkSize)
		if err := f.write(FrameTypeData, seq, data[:chunkSize]); err != nil {
			return fmt.Errorf("failed to write data chunk: %w", err)
		}
		data = data[chunkSize:]
	}

	return f.write(FrameTypeEnd, seq, nil)
}

// Close marks the channel closed and closes the underlying closer once.
func (f *Framed) Close() error {
	f.closed.Store(true)
	f.closeOnce.Do(func() {
		close(f.done)
		if f.closer != nil {
			f.closeErr = f.closer.Close()
		}
	})
	return f.closeErr
}
