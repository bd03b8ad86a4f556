//go:build js && wasm

// Command sqlls-worker runs the bridge inside a dedicated browser worker.
// The host page talks to it with postMessage and waits for the readiness
// sentinel before sending protocol traffic it expects answered promptly;
// anything sent earlier is queued until the engine has loaded.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/snowmerak/sqlls-bridge/lib/bridge"
	"github.com/snowmerak/sqlls-bridge/lib/channel"
	"github.com/snowmerak/sqlls-bridge/lib/config"
	"github.com/snowmerak/sqlls-bridge/lib/engine"
	"github.com/snowmerak/sqlls-bridge/lib/engine/wasm"
	"github.com/snowmerak/sqlls-bridge/lib/logging"
)

func main() {
	// Start buffering host messages before anything that can suspend.
	ch := channel.NewWorker()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqlls-worker: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqlls-worker: failed to initialize logger: %v\n", err)
		os.Exit(2)
	}

	load := func(ctx context.Context, push engine.PushFunc) (engine.Engine, error) {
		moduleBytes, err := fetch(ctx, cfg.EngineURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", engine.ErrFatalBootstrap, err)
		}
		e, err := wasm.Load(ctx, moduleBytes, push,
			wasm.WithLogger(logger.Named("engine")),
			wasm.WithMemoryLimitPages(cfg.MemoryLimitPages),
		)
		if err != nil {
			return nil, err
		}
		return e, nil
	}

	b := bridge.New(ch, load,
		bridge.WithLogger(logger),
		bridge.WithReadySentinel(cfg.ReadySentinel),
	)

	if err := b.Run(context.Background()); err != nil {
		logger.Error("bridge stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
