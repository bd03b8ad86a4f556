// Package wasm loads an analysis engine compiled to WebAssembly and exposes
// it through the engine.Engine contract.
//
// The module must export:
//
//	memory
//	sqlls_alloc(size i32) -> i32
//	sqlls_dealloc(ptr i32, size i32)
//	sqlls_initialize() -> i64                         ; packed ptr<<32 | len
//	sqlls_on_notification(mptr, mlen, pptr, plen i32) -> i32   ; 0 on success
//
// and may export sqlls_last_error() -> i64 and the reactor start function
// _initialize. The host provides, under the import module "sqlls":
//
//	publish_diagnostics(ptr i32, len i32)
//	log(level i32, ptr i32, len i32)
//
// Buffers returned by the engine are owned by the caller and released with
// sqlls_dealloc once copied out.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/snowmerak/sqlls-bridge/lib/engine"
)

const (
	hostModuleName = "sqlls"
	moduleName     = "sqlls_engine"

	exportAlloc          = "sqlls_alloc"
	exportDealloc        = "sqlls_dealloc"
	exportInitialize     = "sqlls_initialize"
	exportOnNotification = "sqlls_on_notification"
	exportLastError      = "sqlls_last_error"
)

// Engine is a wazero-hosted engine instance.
type Engine struct {
	mu sync.Mutex

	runtime wazero.Runtime
	module  api.Module
	logger  *zap.Logger

	alloc          api.Function
	dealloc        api.Function
	initialize     api.Function
	onNotification api.Function
	lastError      api.Function // optional
}

var _ engine.Engine = (*Engine)(nil)

// Loader returns an engine.LoadFunc that loads moduleBytes.
func Loader(moduleBytes []byte, opts ...Option) engine.LoadFunc {
	return func(ctx context.Context, push engine.PushFunc) (engine.Engine, error) {
		e, err := Load(ctx, moduleBytes, push, opts...)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Load compiles and instantiates moduleBytes. Every failure is wrapped in
// engine.ErrFatalBootstrap and leaves nothing running.
func Load(ctx context.Context, moduleBytes []byte, push engine.PushFunc, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cfg := wazero.NewRuntimeConfig()
	if o.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(o.memoryLimitPages)
	}
	if o.compilationCacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(o.compilationCacheDir)
		if err != nil {
			return nil, fmt.Errorf("%w: open compilation cache: %w", engine.ErrFatalBootstrap, err)
		}
		cfg = cfg.WithCompilationCache(cache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	e, err := instantiate(ctx, r, moduleBytes, push, o.logger)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("%w: %w", engine.ErrFatalBootstrap, err)
	}

	return e, nil
}

func instantiate(ctx context.Context, r wazero.Runtime, moduleBytes []byte, push engine.PushFunc, logger *zap.Logger) (*Engine, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	_, err := r.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) {
			batch, ok := readGuest(m, ptr, size)
			if !ok {
				logger.Warn("engine published diagnostics outside its memory",
					zap.Uint32("ptr", ptr),
					zap.Uint32("len", size),
				)
				return
			}
			if push != nil {
				push(engine.Batch(batch))
			}
		}).
		Export("publish_diagnostics").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, level, ptr, size uint32) {
			msg, ok := readGuest(m, ptr, size)
			if !ok {
				return
			}
			logger.Log(logLevel(level), string(msg), zap.String("source", "engine"))
		}).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	compiled, err := r.CompileModule(ctx, moduleBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	stderr := &zapio.Writer{Log: logger.With(zap.String("source", "engine")), Level: zapcore.WarnLevel}
	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(moduleName).
		WithStderr(stderr).
		WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	e := &Engine{
		runtime:   r,
		module:    mod,
		logger:    logger,
		lastError: mod.ExportedFunction(exportLastError),
	}

	required := []struct {
		name string
		dst  *api.Function
	}{
		{exportAlloc, &e.alloc},
		{exportDealloc, &e.dealloc},
		{exportInitialize, &e.initialize},
		{exportOnNotification, &e.onNotification},
	}
	for _, fn := range required {
		*fn.dst = mod.ExportedFunction(fn.name)
		if *fn.dst == nil {
			return nil, fmt.Errorf("module does not export %s", fn.name)
		}
	}
	if mod.Memory() == nil {
		return nil, fmt.Errorf("module does not export memory")
	}

	return e, nil
}

// Initialize calls sqlls_initialize and returns the capability set.
func (e *Engine) Initialize(ctx context.Context) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	results, err := e.initialize.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", exportInitialize, err)
	}

	ptr, size := unpack(results[0])
	caps, err := e.takeGuest(ctx, ptr, size)
	if err != nil {
		return nil, fmt.Errorf("read capability set: %w", err)
	}
	if !json.Valid(caps) {
		return nil, fmt.Errorf("engine returned an invalid capability set")
	}

	return caps, nil
}

// OnNotification passes method and params to sqlls_on_notification.
func (e *Engine) OnNotification(ctx context.Context, method string, params json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mptr, err := e.putGuest(ctx, []byte(method))
	if err != nil {
		return fmt.Errorf("write method: %w", err)
	}
	defer e.free(ctx, mptr, uint32(len(method)))

	pptr, err := e.putGuest(ctx, params)
	if err != nil {
		return fmt.Errorf("write params: %w", err)
	}
	defer e.free(ctx, pptr, uint32(len(params)))

	results, err := e.onNotification.Call(ctx,
		uint64(mptr), uint64(len(method)),
		uint64(pptr), uint64(len(params)),
	)
	if err != nil {
		return fmt.Errorf("call %s: %w", exportOnNotification, err)
	}

	if status := api.DecodeI32(results[0]); status != 0 {
		return fmt.Errorf("engine rejected %s with status %d: %s", method, status, e.lastErrorMessage(ctx))
	}

	return nil
}

// Close releases the runtime and everything instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtime.Close(ctx)
}

func (e *Engine) lastErrorMessage(ctx context.Context) string {
	if e.lastError == nil {
		return "no detail"
	}
	results, err := e.lastError.Call(ctx)
	if err != nil {
		return "no detail"
	}
	ptr, size := unpack(results[0])
	msg, err := e.takeGuest(ctx, ptr, size)
	if err != nil || len(msg) == 0 {
		return "no detail"
	}
	return string(msg)
}

// putGuest copies data into a fresh guest buffer.
func (e *Engine) putGuest(ctx context.Context, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	results, err := e.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", exportAlloc, err)
	}
	ptr := api.DecodeU32(results[0])
	if !e.module.Memory().Write(ptr, data) {
		e.free(ctx, ptr, uint32(len(data)))
		return 0, fmt.Errorf("buffer %d+%d outside guest memory", ptr, len(data))
	}
	return ptr, nil
}

// takeGuest copies a guest buffer out and releases it.
func (e *Engine) takeGuest(ctx context.Context, ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	defer e.free(ctx, ptr, size)

	data, ok := readGuest(e.module, ptr, size)
	if !ok {
		return nil, fmt.Errorf("buffer %d+%d outside guest memory", ptr, size)
	}
	return data, nil
}

func (e *Engine) free(ctx context.Context, ptr, size uint32) {
	if size == 0 {
		return
	}
	if _, err := e.dealloc.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		e.logger.Warn("failed to release guest buffer", zap.Uint32("ptr", ptr), zap.Error(err))
	}
}

// readGuest returns a copy of guest memory; the view wazero hands out is
// only valid until the guest runs again.
func readGuest(m api.Module, ptr, size uint32) ([]byte, bool) {
	view, ok := m.Memory().Read(ptr, size)
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(view))
	copy(buf, view)
	return buf, true
}

func unpack(v uint64) (ptr, size uint32) {
	return uint32(v >> 32), uint32(v)
}

func logLevel(level uint32) zapcore.Level {
	switch level {
	case 0:
		return zapcore.DebugLevel
	case 1:
		return zapcore.InfoLevel
	case 2:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
