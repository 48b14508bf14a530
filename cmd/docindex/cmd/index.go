package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/docindex/internal/output"
	"github.com/Aman-CERP/docindex/internal/watcher"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index [dir]",
		Short: "Index every recognized file in a directory",
		Long: `Index every recognized file under dir (default: the current index root)
and drop documents whose files are gone. The run is one-shot; use
'docindex watch' to keep the index current afterwards.`,
		Example: `  docindex index
  docindex index ./notes`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runIndex(cmd.Context(), cmd, dir)
		},
	}
	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, dir string) error {
	out := output.New(cmd.OutOrStdout())

	root, err := resolveRoot(dir)
	if err != nil {
		return err
	}

	// The lock keeps a one-shot run from racing a running monitor.
	a, err := openApp(ctx, root, appOptions{lock: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	mon, err := a.newMonitor(watcher.WithScanProgress(func(done, total int) {
		out.Progress(done, total, "indexing")
	}))
	if err != nil {
		return err
	}

	start := time.Now()
	out.Statusf("", "Indexing %s", mon.Root())
	if err := mon.Sync(ctx); err != nil {
		return err
	}

	stats, err := a.engine.Stats(ctx)
	if err != nil {
		return err
	}
	slog.Info("index_complete",
		slog.String("root", mon.Root()),
		slog.Int("documents", stats.Documents),
		slog.Duration("duration", time.Since(start)))

	out.Successf("Indexed %d documents (%d terms) in %s",
		stats.Documents, stats.VocabularySize, time.Since(start).Round(time.Millisecond))
	return nil
}
