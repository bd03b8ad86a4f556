// Package engine defines the call contract of the analysis engine the
// bridge relays to. The engine is opaque: the bridge only initializes it,
// forwards notifications to it and receives diagnostics from it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrFatalBootstrap marks a failure to load or instantiate the engine.
// A bridge that sees it cannot serve any request.
var ErrFatalBootstrap = errors.New("engine: fatal bootstrap error")

// Engine is one loaded, initialized engine instance.
//
// Implementations must make each call atomic with respect to the others;
// the bridge may call them from different goroutines.
type Engine interface {
	// Initialize runs the engine's own initialization and returns its
	// declared capability set as raw JSON.
	Initialize(ctx context.Context) (json.RawMessage, error)

	// OnNotification routes one protocol notification inside the engine.
	OnNotification(ctx context.Context, method string, params json.RawMessage) error
}

// Batch is one engine-produced set of diagnostics for a single resource,
// encoded as the JSON of an LSP PublishDiagnosticsParams. The bridge does
// not reinterpret it.
type Batch json.RawMessage

// MarshalJSON emits the batch verbatim.
func (b Batch) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("null"), nil
	}
	return b, nil
}

// URI peeks at the resource identity of the batch. It returns an empty
// string when the batch carries none.
func (b Batch) URI() string {
	var peek struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(b, &peek); err != nil {
		return ""
	}
	return peek.URI
}

// PushFunc receives diagnostics from the engine, at any time and on any
// goroutine. It must not block and must not call back into the engine.
type PushFunc func(batch Batch)

// LoadFunc loads an engine that reports diagnostics through push. It
// resolves exactly once: either with a fully usable engine or with an
// error wrapping ErrFatalBootstrap.
type LoadFunc func(ctx context.Context, push PushFunc) (Engine, error)
