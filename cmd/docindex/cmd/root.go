// Package cmd provides the CLI commands for docindex.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
	"github.com/Aman-CERP/docindex/internal/logging"
	"github.com/Aman-CERP/docindex/internal/profiling"
	"github.com/Aman-CERP/docindex/pkg/version"
)

// Debug logging flag
var (
	debugMode      bool
	rootDir        string
	loggingCleanup func()
)

// Profiling flags
var (
	profileOpts profiling.Options
	profiler    *profiling.Session
)

// NewRootCmd creates the root command for the docindex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docindex",
		Short: "Ranked full-text search over a live directory of text files",
		Long: `docindex keeps a BM25 index of a directory in step with the files on
disk. Created, modified, renamed and deleted files are picked up after a
short quiet period, and queries that match nothing can fall back to a
generated answer from a local Ollama model.

Run 'docindex index' once, then 'docindex watch' or 'docindex serve' to
keep the index current.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("docindex version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.docindex/logs/")
	cmd.PersistentFlags().StringVarP(&rootDir, "root", "r", "", "Indexed directory (default: nearest directory holding .docindex)")

	cmd.PersistentFlags().StringVar(&profileOpts.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newEvalCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging installs the process logger and starts any
// requested profiles. One-shot commands log warnings to stderr; --debug
// adds the rotating log file. Long-running commands replace this logger
// once their configuration is loaded.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.Config{Level: "warn", WriteToStderr: true}
	if debugMode {
		cfg = logging.DebugConfig()
	}

	cleanup, err := logging.SetupDefault(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	if debugMode {
		slog.Info("Debug logging enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Version))
	}

	if profileOpts.Enabled() {
		profiler, err = profiling.Start(profileOpts)
		if err != nil {
			return err
		}
	}
	return nil
}

// stopProfilingAndLogging flushes profiles and closes the log file.
func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	var err error
	if profiler != nil {
		err = profiler.Stop()
		profiler = nil
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

// Execute runs the root command and prints a failure the way the error
// package formats it for terminals.
func Execute() error {
	cmd := NewRootCmd()
	err := cmd.Execute()
	if err != nil {
		var coded *derrors.Error
		if errors.As(err, &coded) {
			_, _ = fmt.Fprint(os.Stderr, derrors.FormatForCLI(err))
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		// PersistentPostRunE is skipped when RunE fails
		_ = stopProfilingAndLogging(nil, nil)
	}
	return err
}
