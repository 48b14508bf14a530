package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/docindex/internal/config"
	derrors "github.com/Aman-CERP/docindex/internal/errors"
	"github.com/Aman-CERP/docindex/internal/generate"
	"github.com/Aman-CERP/docindex/internal/ranking"
	"github.com/Aman-CERP/docindex/internal/search"
	"github.com/Aman-CERP/docindex/internal/store"
	"github.com/Aman-CERP/docindex/internal/telemetry"
	"github.com/Aman-CERP/docindex/internal/text"
	"github.com/Aman-CERP/docindex/internal/watcher"
)

// appOptions selects what openApp sets up beyond the engine.
type appOptions struct {
	// lock takes the single-monitor lock in the data directory.
	lock bool
	// requireIndex fails when no SQLite index exists yet.
	requireIndex bool
	// metricsServer serves /metrics when server.metrics_addr is set.
	metricsServer bool
	logger        *slog.Logger
}

// app is the wired set of components one command runs against.
type app struct {
	root     string
	cfg      *config.Config
	store    *store.SQLStore
	engine   *search.Engine
	metrics  *telemetry.Metrics
	queryLog *telemetry.QueryLog
	logger   *slog.Logger

	closers []func() error
}

// resolveRoot returns the absolute index root. An explicit dir is taken as
// is; otherwise the nearest enclosing index of the working directory wins.
func resolveRoot(dir string) (string, error) {
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", dir, err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return "", derrors.New(derrors.ErrCodeInvalidPath, "not a directory: "+abs, err)
		}
		return abs, nil
	}
	if rootDir != "" {
		return resolveRoot(rootDir)
	}
	return config.FindIndexRoot(".")
}

// configuredLogLevel returns server.log_level as layered for root.
func configuredLogLevel(root string) (string, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return "", derrors.ConfigError("cannot load configuration", err)
	}
	return cfg.Server.LogLevel, nil
}

// openApp loads the configuration for root and wires the store, text
// processor, scorer, fallback generator and engine. The caller must Close
// the returned app.
func openApp(ctx context.Context, root string, opts appOptions) (_ *app, err error) {
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, derrors.ConfigError("cannot load configuration", err).
			WithSuggestion("Check " + filepath.Join(root, config.ProjectConfigName) + " and DOCINDEX_* variables")
	}

	a := &app{
		root:     root,
		cfg:      cfg,
		metrics:  telemetry.NewMetrics(),
		queryLog: telemetry.NewQueryLog(telemetry.DefaultQueryLogConfig()),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if opts.requireIndex && cfg.Store.Driver == store.DriverSQLite {
		if _, statErr := os.Stat(cfg.DatabasePath(root)); os.IsNotExist(statErr) {
			return nil, derrors.New(derrors.ErrCodeFileNotFound, "no index found in "+root, statErr).
				WithSuggestion("Run 'docindex index' first")
		}
	}

	if opts.lock {
		lock := store.NewDirLock(cfg.DataDir(root))
		if err := lock.TryLock(); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, lock.Unlock)
	}

	initial, maxDelay := cfg.RetryDelays()
	st, err := store.Open(ctx, store.Options{
		Driver: cfg.Store.Driver,
		Path:   cfg.DatabasePath(root),
		DSN:    cfg.Store.DSN,
		Retry: derrors.RetryConfig{
			MaxRetries:   max(cfg.Store.Retry.Attempts-1, 0),
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   2.0,
		},
		OnRetry: func(op string, err error) {
			a.metrics.ObserveRetry(op)
			logger.Debug("store retry", slog.String("op", op), slog.String("error", err.Error()))
		},
	})
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	proc, err := text.New()
	if err != nil {
		return nil, fmt.Errorf("create text processor: %w", err)
	}

	idf, err := ranking.ParseIDFMode(cfg.Ranking.IDF)
	if err != nil {
		return nil, derrors.ConfigError("invalid ranking.idf", err)
	}
	scorer := &ranking.Scorer{
		K1:    cfg.Ranking.K1,
		B:     cfg.Ranking.B,
		IDF:   idf,
		Floor: cfg.Ranking.IDFFloor,
	}

	gen, closeGen, err := generate.New(cfg.Fallback)
	if err != nil {
		return nil, derrors.ConfigError("invalid fallback configuration", err)
	}
	a.closers = append(a.closers, closeGen)

	a.engine, err = search.New(st, proc, scorer, gen,
		search.WithConfig(search.Config{
			TopK:          cfg.Ranking.TopK,
			PreviewLength: cfg.Ranking.PreviewLength,
			MaxFileSize:   cfg.Watch.MaxFileSize,
		}),
		search.WithMetrics(a.metrics),
		search.WithQueryLog(a.queryLog),
		search.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	if opts.metricsServer && cfg.Server.MetricsAddr != "" {
		a.serveMetrics(cfg.Server.MetricsAddr)
	}

	logger.Debug("app opened",
		slog.String("root", root),
		slog.String("driver", cfg.Store.Driver),
		slog.Bool("fallback", cfg.Fallback.Enabled))
	return a, nil
}

// newMonitor builds a change monitor over the app's engine.
func (a *app) newMonitor(extra ...watcher.MonitorOption) (*watcher.Monitor, error) {
	opts := append([]watcher.MonitorOption{
		watcher.WithMetrics(a.metrics),
		watcher.WithLogger(a.logger),
	}, extra...)
	return watcher.NewMonitor(a.root, a.engine, watcher.Options{
		Debounce:     a.cfg.DebounceDuration(),
		PollInterval: a.cfg.PollIntervalDuration(),
		Workers:      a.cfg.Watch.Workers,
		Extensions:   a.cfg.Watch.Extensions,
		TempSuffixes: a.cfg.Watch.TempSuffixes,
	}, opts...)
}

func (a *app) serveMetrics(addr string) {
	srv := a.metrics.NewServer(addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed",
				slog.String("addr", addr),
				slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("metrics server listening", slog.String("addr", addr))
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// Close releases everything openApp acquired, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
