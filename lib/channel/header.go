package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Header frames messages with the LSP base protocol: a Content-Length
// header, an empty line, then the body. It is the framing editors speak
// over stdio.
type Header struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	opts   options

	readLock  sync.Mutex
	writeLock sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewHeader creates a header-framed channel. c may be nil when the
// underlying streams need no closing.
func NewHeader(r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Header {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Header{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closer: c,
		opts:   o,
	}
}

// Read returns the body of the next frame. Any transport or framing error
// is terminal: the stream cannot be resynchronised after a bad header.
func (h *Header) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.closed.Load() {
		return nil, ErrClosed
	}

	h.readLock.Lock()
	defer h.readLock.Unlock()

	body, err := h.readFrame()
	if err != nil {
		if h.closed.Load() {
			return nil, ErrClosed
		}
		h.Close()
		return nil, fmt.Errorf("%w: read frame: %w", ErrClosed, err)
	}

	return body, nil
}

func (h *Header) readFrame() ([]byte, error) {
	contentLength := -1
	for {
		line, err := h.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if contentLength < 0 {
				// Tolerate stray blank lines between frames.
				continue
			}
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			// Content-Type and unknown headers are ignored.
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid Content-Length %q", value)
		}
		contentLength = n
	}

	if contentLength > h.opts.maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", contentLength, h.opts.maxFrameSize)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(h.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// Write sends frame with its Content-Length header.
func (h *Header) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.closed.Load() {
		return ErrClosed
	}

	h.writeLock.Lock()
	defer h.writeLock.Unlock()

	header := "Content-Length: " + strconv.Itoa(len(frame)) + "\r\n\r\n"
	if _, err := io.WriteString(h.writer, header); err != nil {
		h.Close()
		return fmt.Errorf("%w: write header: %w", ErrClosed, err)
	}
	if _, err := h.writer.Write(frame); err != nil {
		h.Close()
		return fmt.Errorf("%w: write body: %w", ErrClosed, err)
	}

	return nil
}

// Close marks the channel closed and closes the underlying closer once.
func (h *Header) Close() error {
	h.closed.Store(true)
	h.closeOnce.Do(func() {
		if h.closer != nil {
			h.closeErr = h.closer.Close()
		}
	})
	return h.closeErr
}
