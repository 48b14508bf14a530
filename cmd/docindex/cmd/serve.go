package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/docindex/internal/logging"
	"github.com/Aman-CERP/docindex/internal/mcp"
)

func newServeCmd() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server with the change monitor running",
		Long: `Start an MCP server exposing the search and index_stats tools over
stdio, while a change monitor keeps the index in step with the tree.

stdout carries only JSON-RPC messages; logs go to ~/.docindex/logs/.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, transport)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport: stdio")
	return cmd
}

// runServe writes nothing to stdout before the MCP server owns it.
func runServe(ctx context.Context, transport string) error {
	root, err := resolveRoot("")
	if err != nil {
		return err
	}

	level := "debug"
	if !debugMode {
		if level, err = configuredLogLevel(root); err != nil {
			return err
		}
	}
	logger, cleanup, err := logging.Setup(logging.StdioConfig(level))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	a, err := openApp(ctx, root, appOptions{lock: true, metricsServer: true, logger: logger})
	if err != nil {
		logger.Error("serve failed", slog.String("error", err.Error()))
		return err
	}
	defer func() { _ = a.Close() }()

	mon, err := a.newMonitor()
	if err != nil {
		return err
	}
	if err := mon.Start(ctx); err != nil {
		logger.Error("monitor failed to start", slog.String("error", err.Error()))
		return err
	}
	defer func() {
		_ = mon.Stop()
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := mon.Drain(drainCtx); err != nil {
			logger.Warn("drain incomplete", slog.String("error", err.Error()))
		}
	}()

	srv, err := mcp.NewServer(a.engine,
		mcp.WithQueryLog(a.queryLog),
		mcp.WithRootPath(mon.Root()),
		mcp.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, transport)
}
