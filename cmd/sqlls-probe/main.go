// Command sqlls-probe spawns a native sqlls bridge, opens SQL files in it
// and prints the diagnostics the engine publishes. It is a smoke test for
// an engine build and for the bridge itself.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	probeBridgePath string
	probeSocketPath string
	probeEnginePath string
	probeTimeout    time.Duration
	probeJSON       bool
	probeLogLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sqlls-probe [flags] FILE.sql...",
		Short: "Lint SQL files through a spawned sqlls bridge",
		Long: "sqlls-probe starts the sqlls binary with binary framing, waits for its\n" +
			"readiness signal, initializes it, opens every FILE and prints the\n" +
			"diagnostics published for each one.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if probeEnginePath == "" && probeSocketPath == "" {
				return fmt.Errorf("--engine is required unless --socket is set")
			}
			return probe(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}

	cmd.Flags().StringVar(&probeBridgePath, "bridge", "sqlls", "path of the sqlls binary")
	cmd.Flags().StringVar(&probeSocketPath, "socket", "", "connect to a bridge listening on this Unix socket instead of spawning one")
	cmd.Flags().StringVar(&probeEnginePath, "engine", os.Getenv("SQLLS_ENGINE_PATH"), "path of the engine .wasm")
	cmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "overall deadline")
	cmd.Flags().BoolVar(&probeJSON, "json", false, "print diagnostics as JSON")
	cmd.Flags().StringVar(&probeLogLevel, "log-level", "warn", "log level of the probe and the bridge")

	return cmd
}
