// Command sqlls serves the SQL analysis engine as a language server over
// stdin and stdout, or over a Unix socket when SQLLS_LISTEN_SOCKET is set.
//
// Once the engine has loaded, the first frame written is the readiness
// sentinel (SQLLS_READY_SENTINEL, "OK" by default). With header framing it
// arrives as an ordinary frame whose body is not JSON-RPC, for example
//
//	Content-Length: 2\r\n\r\nOK
//
// Clients that speak plain LSP over stdio should skip that one frame.
// sqlls-probe and lib/host consume it as the ready signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/sqlls-bridge/lib/bridge"
	"github.com/snowmerak/sqlls-bridge/lib/channel"
	"github.com/snowmerak/sqlls-bridge/lib/config"
	"github.com/snowmerak/sqlls-bridge/lib/engine"
	"github.com/snowmerak/sqlls-bridge/lib/engine/wasm"
	"github.com/snowmerak/sqlls-bridge/lib/logging"
	"github.com/snowmerak/sqlls-bridge/lib/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqlls: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.RequireEnginePath(); err != nil {
		fmt.Fprintf(os.Stderr, "sqlls: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqlls: failed to initialize logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sqlls stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting sqlls", zap.String("config", cfg.String()))

	// Frames the editor sends while the engine loads queue in the reader.
	ch, err := newChannel(ctx, cfg, logger)
	if err != nil {
		return err
	}

	moduleBytes, err := os.ReadFile(cfg.EnginePath)
	if err != nil {
		ch.Close()
		return fmt.Errorf("%w: read engine: %w", engine.ErrFatalBootstrap, err)
	}

	m := metrics.New()

	var loaded *wasm.Engine
	load := func(ctx context.Context, push engine.PushFunc) (engine.Engine, error) {
		e, err := wasm.Load(ctx, moduleBytes, push,
			wasm.WithLogger(logger.Named("engine")),
			wasm.WithMemoryLimitPages(cfg.MemoryLimitPages),
			wasm.WithCompilationCache(cfg.CompilationCache),
		)
		if err != nil {
			return nil, err
		}
		loaded = e
		return e, nil
	}

	b := bridge.New(ch, load,
		bridge.WithLogger(logger),
		bridge.WithMetrics(m),
		bridge.WithReadySentinel(cfg.ReadySentinel),
	)
	logger.Info("bridge session", zap.Stringer("session", b.Session()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		err := b.Run(gctx)
		if errors.Is(err, channel.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, m, logger)
		})
	}

	err = g.Wait()

	if loaded != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if cerr := loaded.Close(closeCtx); cerr != nil {
			logger.Warn("failed to close engine", zap.Error(cerr))
		}
	}

	return err
}

// newChannel serves stdio, or one connection on SQLLS_LISTEN_SOCKET when set.
func newChannel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.Channel, error) {
	var (
		r io.Reader = os.Stdin
		w io.Writer = os.Stdout
		c io.Closer = os.Stdin
	)

	if cfg.ListenSocket != "" {
		logger.Info("waiting for a client", zap.String("socket", cfg.ListenSocket))
		sock, err := channel.AcceptUnix(ctx, cfg.ListenSocket)
		if err != nil {
			return nil, err
		}
		r, w, c = sock, sock, sock
	}

	if cfg.Framing == config.FramingBinary {
		return channel.NewFramed(r, w, c, channel.WithMaxFrameSize(cfg.MaxFrameSize)), nil
	}
	return channel.NewHeader(r, w, c, channel.WithMaxFrameSize(cfg.MaxFrameSize)), nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
