//go:build js && wasm

package channel

import (
	"context"
	"fmt"
	"sync"
	"syscall/js"
)

// Worker is the transport of a dedicated browser worker: inbound frames
// are the data of "message" events on the worker scope, outbound frames
// are posted with postMessage.
//
// The host page exchanges JSON-RPC messages as structured-clone objects,
// so inbound objects are stringified into frames and outbound frames are
// parsed back into objects before posting.
type Worker struct {
	scope    js.Value
	json     js.Value
	inbox    *mailbox
	listener js.Func

	closeOnce sync.Once
}

// NewWorker starts buffering messages posted to the current worker scope.
// Call it as early as possible: messages that arrive before it is called
// are lost, messages that arrive after it are queued until read.
func NewWorker() *Worker {
	w := &Worker{
		scope: js.Global(),
		json:  js.Global().Get("JSON"),
		inbox: newMailbox(),
	}

	w.listener = js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) == 0 {
			return nil
		}
		data := args[0].Get("data")
		var frame string
		if data.Type() == js.TypeString {
			frame = data.String()
		} else {
			frame = w.json.Call("stringify", data).String()
		}
		w.inbox.put([]byte(frame))
		return nil
	})
	w.scope.Call("addEventListener", "message", w.listener)

	return w
}

// Read returns the next message posted by the host page.
func (w *Worker) Read(ctx context.Context) ([]byte, error) {
	return w.inbox.get(ctx)
}

// Write posts frame to the host page as a parsed object.
func (w *Worker) Write(ctx context.Context, frame []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.inbox.closedState() {
		return ErrClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("post message: %v", r)
		}
	}()

	w.scope.Call("postMessage", w.json.Call("parse", string(frame)))
	return nil
}

// Signal posts token as a plain string, outside the JSON-RPC stream.
func (w *Worker) Signal(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.inbox.closedState() {
		return ErrClosed
	}
	w.scope.Call("postMessage", token)
	return nil
}

// Close stops listening for messages and releases the callback.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.scope.Call("removeEventListener", "message", w.listener)
		w.listener.Release()
		w.inbox.close()
	})
	return nil
}
