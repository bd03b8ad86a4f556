package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
)

func TestCollector_WaitsForEveryDocument(t *testing.T) {
	c := newCollector()
	uris := []protocol.DocumentURI{"file:///a.sql", "file:///b.sql"}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- c.wait(ctx, uris)
	}()

	c.handle(context.Background(), protocol.MethodTextDocumentPublishDiagnostics,
		json.RawMessage(`{"uri":"file:///a.sql","diagnostics":[]}`))
	c.handle(context.Background(), protocol.MethodTextDocumentPublishDiagnostics,
		json.RawMessage(`{"uri":"file:///b.sql","diagnostics":[]}`))

	require.NoError(t, <-done)
	assert.Len(t, c.snapshot(), 2)
}

func TestCollector_KeepsLatestBatch(t *testing.T) {
	c := newCollector()
	c.handle(context.Background(), "", json.RawMessage(`{"uri":"file:///a.sql","version":1,"diagnostics":[{"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}},"message":"old"}]}`))
	c.handle(context.Background(), "", json.RawMessage(`{"uri":"file:///a.sql","version":2,"diagnostics":[]}`))

	batches := c.snapshot()
	require.Len(t, batches, 1)
	assert.Empty(t, batches[0].Diagnostics)
}

func TestCollector_WaitTimesOut(t *testing.T) {
	c := newCollector()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.wait(ctx, []protocol.DocumentURI{"file:///a.sql"}), context.DeadlineExceeded)
}

func TestReport_Text(t *testing.T) {
	batches := []protocol.PublishDiagnosticsParams{
		{URI: "file:///tmp/a.sql"},
		{
			URI: "file:///tmp/b.sql",
			Diagnostics: []protocol.Diagnostic{{
				Range: protocol.Range{
					Start: protocol.Position{Line: 2, Character: 4},
					End:   protocol.Position{Line: 2, Character: 9},
				},
				Severity: protocol.DiagnosticSeverityWarning,
				Code:     "LT01",
				Message:  "Expected single whitespace",
			}},
		},
	}

	var out bytes.Buffer
	require.NoError(t, report(&out, batches, false))

	assert.Contains(t, out.String(), "/tmp/a.sql: ok\n")
	assert.Contains(t, out.String(), "/tmp/b.sql:3:5:")
	assert.Contains(t, out.String(), "Expected single whitespace [LT01]")
}

func TestReport_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, report(&out, []protocol.PublishDiagnosticsParams{{URI: "file:///a.sql"}}, true))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "file:///a.sql", decoded[0]["uri"])
}

func TestRootCommand_RequiresEngine(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--engine=", "a.sql"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--engine")
}
