package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"github.com/snowmerak/sqlls-bridge/lib/channel"
	"github.com/snowmerak/sqlls-bridge/lib/host"
	"github.com/snowmerak/sqlls-bridge/lib/logging"
)

func probe(ctx context.Context, out io.Writer, files []string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	logger, err := logging.New(probeLogLevel, "console")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	h, err := connect(ctx, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	results := newCollector()
	h.OnNotification(protocol.MethodTextDocumentPublishDiagnostics, results.handle)

	if err := h.WaitReady(ctx); err != nil {
		return err
	}

	var initResult protocol.InitializeResult
	if err := h.Call(ctx, protocol.MethodInitialize, &protocol.InitializeParams{
		ProcessID:  int32(os.Getpid()),
		ClientInfo: &protocol.ClientInfo{Name: "sqlls-probe"},
	}, &initResult); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	logger.Debug("bridge initialized", zap.Any("capabilities", initResult.Capabilities))

	if err := h.Notify(ctx, protocol.MethodInitialized, &protocol.InitializedParams{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	uris := make([]protocol.DocumentURI, 0, len(files))
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", file, err)
		}
		text, err := os.ReadFile(abs)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}

		docURI := protocol.DocumentURI(uri.File(abs))
		uris = append(uris, docURI)

		if err := h.Notify(ctx, protocol.MethodTextDocumentDidOpen, &protocol.DidOpenTextDocumentParams{
			TextDocument: protocol.TextDocumentItem{
				URI:        docURI,
				LanguageID: "sql",
				Version:    1,
				Text:       string(text),
			},
		}); err != nil {
			return fmt.Errorf("open %s: %w", file, err)
		}
	}

	if err := results.wait(ctx, uris); err != nil {
		return err
	}

	return report(out, results.snapshot(), probeJSON)
}

// connect dials --socket when given and spawns --bridge otherwise.
func connect(ctx context.Context, logger *zap.Logger) (*host.Host, error) {
	if probeSocketPath != "" {
		sock, err := channel.DialUnix(ctx, probeSocketPath)
		if err != nil {
			return nil, err
		}
		h := host.New(channel.NewHeader(sock, sock, sock), host.WithLogger(logger))
		h.Start(ctx)
		return h, nil
	}

	return host.Spawn(ctx, probeBridgePath,
		host.WithLogger(logger),
		host.WithEnv(
			"SQLLS_ENGINE_PATH="+probeEnginePath,
			"SQLLS_LOG_LEVEL="+probeLogLevel,
			"SQLLS_LOG_ENCODING=console",
		),
	)
}

// collector keeps the latest batch published for each document.
type collector struct {
	mu      sync.Mutex
	batches map[protocol.DocumentURI]protocol.PublishDiagnosticsParams
	updated chan struct{}
}

func newCollector() *collector {
	return &collector{
		batches: make(map[protocol.DocumentURI]protocol.PublishDiagnosticsParams),
		updated: make(chan struct{}, 1),
	}
}

func (c *collector) handle(ctx context.Context, method string, params json.RawMessage) {
	var p protocol.PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	c.mu.Lock()
	c.batches[p.URI] = p
	c.mu.Unlock()

	select {
	case c.updated <- struct{}{}:
	default:
	}
}

func (c *collector) wait(ctx context.Context, uris []protocol.DocumentURI) error {
	for {
		c.mu.Lock()
		missing := 0
		for _, u := range uris {
			if _, ok := c.batches[u]; !ok {
				missing++
			}
		}
		c.mu.Unlock()

		if missing == 0 {
			return nil
		}

		select {
		case <-c.updated:
		case <-ctx.Done():
			return fmt.Errorf("waiting for diagnostics of %d document(s): %w", missing, ctx.Err())
		}
	}
}

func (c *collector) snapshot() []protocol.PublishDiagnosticsParams {
	c.mu.Lock()
	defer c.mu.Unlock()

	batches := make([]protocol.PublishDiagnosticsParams, 0, len(c.batches))
	for _, b := range c.batches {
		batches = append(batches, b)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].URI < batches[j].URI })
	return batches
}

func report(out io.Writer, batches []protocol.PublishDiagnosticsParams, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(batches)
	}

	for _, b := range batches {
		path := uri.URI(b.URI).Filename()
		if len(b.Diagnostics) == 0 {
			fmt.Fprintf(out, "%s: ok\n", path)
			continue
		}
		for _, d := range b.Diagnostics {
			code := ""
			if d.Code != nil {
				code = fmt.Sprintf(" [%v]", d.Code)
			}
			fmt.Fprintf(out, "%s:%d:%d: %v: %s%s\n",
				path,
				d.Range.Start.Line+1,
				d.Range.Start.Character+1,
				d.Severity,
				d.Message,
				code,
			)
		}
	}
	return nil
}
