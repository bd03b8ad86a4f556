package channel_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/snowmerak/sqlls-bridge/lib/channel"
)

func TestFramed_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "empty data",
			data: []byte{},
		},
		{
			name: "small data",
			data: []byte(`{"jsonrpc":"2.0","method":"initialized","params":{}}`),
		},
		{
			name: "large data",
			data: bytes.Repeat([]byte("x"), 3*channel.FrameChunkSize+17), // spans several chunks
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, writer := io.Pipe()
			defer reader.Close()
			defer writer.Close()

			sender := channel.NewFramed(nil, writer, nil)
			receiver := channel.NewFramed(reader, nil, nil)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- sender.Write(ctx, tt.data)
			}()

			got, err := receiver.Read(ctx)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("Read returned %d bytes, want %d", len(got), len(tt.data))
			}

			if err := <-errCh; err != nil {
				t.Errorf("Write failed: %v", err)
			}
		})
	}
}

func TestFramed_PreservesOrder(t *testing.T) {
	var stream bytes.Buffer
	sender := channel.NewFramed(nil, &stream, nil)

	ctx := context.Background()
	want := []string{"first", "second", "third"}
	for _, frame := range want {
		if err := sender.Write(ctx, []byte(frame)); err != nil {
			t.Fatalf("Write(%q) failed: %v", frame, err)
		}
	}

	receiver := channel.NewFramed(&stream, nil, nil)
	for _, frame := range want {
		got, err := receiver.Read(ctx)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(got) != frame {
			t.Errorf("Read = %q, want %q", got, frame)
		}
	}

	// The stream is exhausted: the channel is closed for good.
	if _, err := receiver.Read(ctx); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("Read after EOF = %v, want ErrClosed", err)
	}
	if _, err := receiver.Read(ctx); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("second Read after EOF = %v, want ErrClosed", err)
	}
}

func writeRaw(buf *bytes.Buffer, frameType uint8, id uint32, data []byte) {
	header := make([]byte, channel.FrameHeaderSize)
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:5], id)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(data)))
	buf.Write(header)
	if frameType == channel.FrameTypeData {
		buf.Write(data)
	}
}

func TestFramed_InterleavedAndAborted(t *testing.T) {
	var stream bytes.Buffer
	writeRaw(&stream, channel.FrameTypeStart, 1, nil)
	writeRaw(&stream, channel.FrameTypeStart, 2, nil)
	writeRaw(&stream, channel.FrameTypeData, 1, []byte("hel"))
	writeRaw(&stream, channel.FrameTypeData, 2, []byte("discarded"))
	writeRaw(&stream, channel.FrameTypeData, 1, []byte("lo"))
	writeRaw(&stream, channel.FrameTypeAbort, 2, nil)
	writeRaw(&stream, channel.FrameTypeEnd, 1, nil)
	writeRaw(&stream, channel.FrameTypeEnd, 7, nil) // unknown id

	receiver := channel.NewFramed(&stream, nil, nil)
	got, err := receiver.Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q, want %q", got, "hello")
	}

	if _, err := receiver.Read(context.Background()); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("Read = %v, want ErrClosed", err)
	}
	if receiver.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", receiver.Dropped())
	}
}

func TestFramed_OversizedFrameIsSkipped(t *testing.T) {
	var stream bytes.Buffer
	writeRaw(&stream, channel.FrameTypeStart, 1, nil)
	writeRaw(&stream, channel.FrameTypeData, 1, bytes.Repeat([]byte("a"), 64))
	writeRaw(&stream, channel.FrameTypeEnd, 1, nil)
	writeRaw(&stream, channel.FrameTypeStart, 2, nil)
	writeRaw(&stream, channel.FrameTypeData, 2, []byte("ok"))
	writeRaw(&stream, channel.FrameTypeEnd, 2, nil)

	receiver := channel.NewFramed(&stream, nil, nil, channel.WithMaxFrameSize(16))
	got, err := receiver.Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "ok" {
		t.Errorf("Read = %q, want %q", got, "ok")
	}
}

func TestFramed_WriteAfterClose(t *testing.T) {
	var stream bytes.Buffer
	ch := channel.NewFramed(&stream, &stream, nil)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := ch.Write(context.Background(), []byte("late")); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if _, err := ch.Read(context.Background()); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	if stream.Len() != 0 {
		t.Errorf("closed channel wrote %d bytes", stream.Len())
	}
}

func TestFramed_ContextCancellation(t *testing.T) {
	reader, writer := io.Pipe()
	defer reader.Close()
	defer writer.Close()

	ch := channel.NewFramed(reader, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := ch.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read = %v, want DeadlineExceeded", err)
	}
}
