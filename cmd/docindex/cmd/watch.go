package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/docindex/internal/logging"
	"github.com/Aman-CERP/docindex/internal/output"
)

// drainTimeout bounds how long shutdown waits for running index tasks.
const drainTimeout = 30 * time.Second

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Index a directory and keep the index in step with it",
		Long: `Index every recognized file under dir, then watch the tree and
re-index files after they have been quiet for the debounce window.
Deleted and renamed files are removed from the index.

Runs until interrupted (Ctrl+C or SIGTERM). Only one monitor may run
per index.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, dir)
		},
	}
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, dir string) error {
	out := output.New(cmd.OutOrStdout())

	root, err := resolveRoot(dir)
	if err != nil {
		return err
	}

	logger, cleanup, err := watchLogger(root)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := openApp(ctx, root, appOptions{lock: true, metricsServer: true, logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	mon, err := a.newMonitor()
	if err != nil {
		return err
	}
	if err := mon.Start(ctx); err != nil {
		return err
	}

	mode := "fsnotify"
	if mon.Polling() {
		mode = "polling"
	}
	out.Successf("Watching %s (%s, debounce %s)", mon.Root(), mode, a.cfg.DebounceDuration())

	<-ctx.Done()

	out.Status("", "Stopping...")
	if err := mon.Stop(); err != nil {
		return err
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := mon.Drain(drainCtx); err != nil {
		logger.Warn("drain incomplete", slog.String("error", err.Error()))
		return fmt.Errorf("stop monitor: %w", err)
	}
	out.Success("Stopped")
	return nil
}

// watchLogger logs at the configured level to the rotating file and
// stderr. --debug keeps the logger installed by the root command.
func watchLogger(root string) (*slog.Logger, func(), error) {
	if debugMode {
		return slog.Default(), func() {}, nil
	}
	level, err := configuredLogLevel(root)
	if err != nil {
		return nil, nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return logger, cleanup, nil
}
