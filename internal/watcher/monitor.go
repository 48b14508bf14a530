package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/docindex/internal/telemetry"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("monitor already started")
	// ErrStopped is returned when Start is called after Stop.
	ErrStopped = errors.New("monitor stopped")
)

// Monitor keeps a Handler's index consistent with a directory tree.
type Monitor struct {
	root       string
	handler    Handler
	recognizer *Recognizer
	opts       Options
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	progress   func(done, total int)

	debouncer *Debouncer

	// flightMu guards inFlight. A path present in the map is being
	// processed by exactly one worker.
	flightMu sync.Mutex
	inFlight map[string]*flight

	sem     *semaphore.Weighted
	workers sync.WaitGroup
	workCtx context.Context

	fsw    *fsnotify.Watcher
	poller *PollingWatcher

	// mu guards started and stopped. dispatch holds it while adding to
	// workers so that no task is added once Stop has returned.
	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopCh   chan struct{}
	loopDone chan struct{}
}

type flight struct {
	rerun bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMetrics records watcher events and worker counts.
func WithMetrics(m *telemetry.Metrics) MonitorOption {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithScanProgress reports startup scan progress. Calls are serialized.
func WithScanProgress(fn func(done, total int)) MonitorOption {
	return func(mon *Monitor) { mon.progress = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) MonitorOption {
	return func(mon *Monitor) {
		if l != nil {
			mon.logger = l
		}
	}
}

// NewMonitor creates a monitor for root. Nothing is watched until Start.
func NewMonitor(root string, handler Handler, opts Options, options ...MonitorOption) (*Monitor, error) {
	if handler == nil {
		return nil, errors.New("monitor requires a handler")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", absRoot)
	}

	opts = opts.WithDefaults()
	m := &Monitor{
		root:       absRoot,
		handler:    handler,
		recognizer: NewRecognizer(opts.Extensions, opts.TempSuffixes),
		opts:       opts,
		logger:     slog.Default(),
		debouncer:  NewDebouncer(opts.Debounce),
		inFlight:   make(map[string]*flight),
		sem:        semaphore.NewWeighted(int64(opts.Workers)),
		workCtx:    context.Background(),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, o := range options {
		o(m)
	}
	m.logger = m.logger.With(slog.String("component", "monitor"))
	return m, nil
}

// Root returns the absolute, symlink-resolved root directory.
func (m *Monitor) Root() string {
	return m.root
}

// Polling reports whether the monitor fell back to polling.
func (m *Monitor) Polling() bool {
	return m.poller != nil
}

// Start installs the watches, synchronously indexes every recognized file,
// removes indexed documents whose files are gone, and then starts observing
// events. Changes made during the initial scan are picked up by the watches.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	// Tasks outlive the caller's context so that Drain can finish them.
	m.workCtx = context.WithoutCancel(ctx)

	if err := m.installSource(); err != nil {
		close(m.loopDone)
		return err
	}

	if err := m.scan(ctx); err != nil {
		m.closeSource()
		close(m.loopDone)
		return err
	}
	if err := m.reconcile(ctx); err != nil {
		m.logger.Warn("reconcile failed", slog.String("error", err.Error()))
	}

	go m.observe()

	m.logger.Info("monitor started",
		slog.String("root", m.root),
		slog.Bool("polling", m.Polling()),
		slog.Duration("debounce", m.opts.Debounce),
		slog.Int("workers", m.opts.Workers))
	return nil
}

// Sync indexes every recognized file and reconciles the index with the
// tree once, without installing watches. It must not be mixed with Start.
func (m *Monitor) Sync(ctx context.Context) error {
	if err := m.scan(ctx); err != nil {
		return err
	}
	return m.reconcile(ctx)
}

// installSource sets up fsnotify, falling back to polling when fsnotify
// cannot be created or the tree cannot be watched.
func (m *Monitor) installSource() error {
	if !m.opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = m.addRecursive(fsw, m.root); err == nil {
				m.fsw = fsw
				return nil
			}
			_ = fsw.Close()
		}
		m.logger.Warn("fsnotify unavailable, falling back to polling",
			slog.String("error", err.Error()),
			slog.Duration("interval", m.opts.PollInterval))
	}

	m.poller = NewPollingWatcher(m.opts.PollInterval)
	if err := m.poller.Prime(m.root); err != nil {
		return fmt.Errorf("prime polling watcher: %w", err)
	}
	return nil
}

func (m *Monitor) closeSource() {
	if m.fsw != nil {
		_ = m.fsw.Close()
	}
	if m.poller != nil {
		_ = m.poller.Stop()
	}
}

// addRecursive adds every directory under dir, except skipped ones, to fsw.
func (m *Monitor) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil // Skip directories we can't access
		}
		if !d.IsDir() {
			return nil
		}
		if path != m.root && SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// recognizedFiles walks dir and returns every recognized file outside
// skipped directories.
func (m *Monitor) recognizedFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			m.logger.Debug("skipping unreadable entry",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if d.IsDir() {
			if path != m.root && SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && m.recognizer.Recognized(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// scan indexes every recognized file under the root, bounded by the worker
// count. Per-file failures are logged and do not stop the scan.
func (m *Monitor) scan(ctx context.Context) error {
	files, err := m.recognizedFiles(m.root)
	if err != nil {
		return fmt.Errorf("scan %s: %w", m.root, err)
	}

	start := time.Now()
	var (
		progressMu sync.Mutex
		done       int
	)
	report := func() {
		if m.progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		done++
		m.progress(done, len(files))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			defer report()
			if err := m.handler.IndexFile(gctx, path); err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				m.logger.Warn("initial index failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	m.logger.Info("initial scan complete",
		slog.Int("files", len(files)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// reconcile removes indexed documents under the root whose files no longer
// exist or are no longer recognized.
func (m *Monitor) reconcile(ctx context.Context) error {
	paths, err := m.handler.IndexedPaths(ctx)
	if err != nil {
		return fmt.Errorf("list indexed paths: %w", err)
	}

	removed := 0
	for _, path := range paths {
		if !m.underRoot(path) {
			continue
		}
		if m.wanted(path) {
			if _, err := os.Stat(path); err == nil {
				continue
			}
		}
		if err := m.handler.RemoveDocument(ctx, path); err != nil {
			m.logger.Warn("reconcile remove failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("removed stale documents", slog.Int("count", removed))
	}
	return nil
}

func (m *Monitor) underRoot(path string) bool {
	return strings.HasPrefix(path, m.root+string(filepath.Separator))
}

// wanted reports whether path is a recognized file outside skipped
// directories.
func (m *Monitor) wanted(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || inHiddenDir(rel) {
		return false
	}
	return m.recognizer.Recognized(path)
}

// observe is the observation goroutine. It only classifies events and
// schedules work; storage is touched by workers alone.
func (m *Monitor) observe() {
	defer close(m.loopDone)

	if m.poller != nil {
		go func() { _ = m.poller.Run(context.Background()) }()
		for {
			select {
			case <-m.stopCh:
				return
			case event := <-m.poller.Events():
				m.handleEvent(event)
			}
		}
	}

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.fsw.Events:
			if !ok {
				return
			}
			if fe, keep := m.convert(event); keep {
				m.handleEvent(fe)
			}
		case err, ok := <-m.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.logger.Warn("event queue overflowed, rescanning")
				m.dispatch(m.root, m.resync)
				continue
			}
			m.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// convert maps an fsnotify event onto a FileEvent.
func (m *Monitor) convert(event fsnotify.Event) (FileEvent, bool) {
	fe := FileEvent{Path: event.Name, Timestamp: time.Now()}
	switch {
	case event.Has(fsnotify.Create):
		fe.Operation = OpCreate
	case event.Has(fsnotify.Write):
		fe.Operation = OpModify
	case event.Has(fsnotify.Remove):
		fe.Operation = OpDelete
	case event.Has(fsnotify.Rename):
		fe.Operation = OpRename
	default:
		// Chmod
		return fe, false
	}
	if fe.Operation == OpCreate || fe.Operation == OpModify {
		if info, err := os.Stat(event.Name); err == nil {
			fe.IsDir = info.IsDir()
		}
	}
	return fe, true
}

// HandleEvent feeds an event into the monitor as if it had been observed.
func (m *Monitor) HandleEvent(event FileEvent) {
	m.handleEvent(event)
}

func (m *Monitor) handleEvent(event FileEvent) {
	path := filepath.Clean(event.Path)
	if path == m.root || !m.underRoot(path) {
		return
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || inHiddenDir(rel) {
		return
	}
	m.metrics.ObserveWatcherEvent(event.Operation.String())

	switch event.Operation {
	case OpCreate, OpModify:
		if event.IsDir {
			m.handleNewDir(path)
			return
		}
		if !m.recognizer.Recognized(path) {
			return
		}
		m.debouncer.Schedule(path, func() { m.fire(path) })
	case OpDelete, OpRename:
		m.handleRemoval(path, event.IsDir)
	}
}

// handleNewDir watches a directory that appeared and schedules the
// recognized files already inside it, which produce no events of their own.
func (m *Monitor) handleNewDir(dir string) {
	if SkipDir(filepath.Base(dir)) {
		return
	}
	if m.fsw != nil {
		if err := m.addRecursive(m.fsw, dir); err != nil {
			m.logger.Warn("failed to watch new directory",
				slog.String("path", dir),
				slog.String("error", err.Error()))
		}
		files, err := m.recognizedFiles(dir)
		if err != nil {
			return
		}
		for _, path := range files {
			m.debouncer.Schedule(path, func() { m.fire(path) })
		}
	}
	// The poller reports files inside new directories itself.
}

// handleRemoval cancels pending work for path and removes its document.
// Directory removals (or paths that are not recognized files, which
// includes directories whose type is no longer knowable) also remove
// everything indexed beneath them.
func (m *Monitor) handleRemoval(path string, isDir bool) {
	m.debouncer.Cancel(path)
	m.discard(path)

	if isDir || !m.recognizer.Recognized(path) {
		prefix := path + string(filepath.Separator)
		m.debouncer.CancelPrefix(prefix)
		m.discardPrefix(prefix)
		m.dispatch(path, func(ctx context.Context) { m.removeTree(ctx, path) })
		return
	}
	m.dispatch(path, func(ctx context.Context) { m.remove(ctx, path) })
}

// fire runs when a path's debounce window elapses.
func (m *Monitor) fire(path string) {
	m.flightMu.Lock()
	if f, busy := m.inFlight[path]; busy {
		f.rerun = true
		m.flightMu.Unlock()
		return
	}
	f := &flight{}
	m.inFlight[path] = f
	m.flightMu.Unlock()

	if !m.dispatch(path, func(ctx context.Context) { m.index(ctx, path, f) }) {
		m.flightMu.Lock()
		if m.inFlight[path] == f {
			delete(m.inFlight, path)
		}
		m.flightMu.Unlock()
	}
}

// index runs indexing passes for path until no rerun was requested while a
// pass was running.
func (m *Monitor) index(ctx context.Context, path string, f *flight) {
	for {
		if err := m.handler.IndexFile(ctx, path); err != nil {
			m.logger.Warn("index failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		} else {
			m.logger.Debug("indexed", slog.String("path", path))
		}

		m.flightMu.Lock()
		current := m.inFlight[path]
		if current != f {
			// A delete discarded our marker while we were indexing. The
			// document may have been written after the removal ran.
			m.flightMu.Unlock()
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				m.remove(ctx, path)
			}
			return
		}
		if !f.rerun {
			delete(m.inFlight, path)
			m.flightMu.Unlock()
			return
		}
		f.rerun = false
		m.flightMu.Unlock()
	}
}

func (m *Monitor) remove(ctx context.Context, path string) {
	if err := m.handler.RemoveDocument(ctx, path); err != nil {
		m.logger.Warn("remove failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Debug("removed", slog.String("path", path))
}

func (m *Monitor) removeTree(ctx context.Context, path string) {
	m.remove(ctx, path)

	paths, err := m.handler.IndexedPaths(ctx)
	if err != nil {
		m.logger.Warn("list indexed paths failed", slog.String("error", err.Error()))
		return
	}
	prefix := path + string(filepath.Separator)
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			m.remove(ctx, p)
		}
	}
}

// resync schedules every recognized file and reconciles removals. Used when
// events may have been lost.
func (m *Monitor) resync(ctx context.Context) {
	files, err := m.recognizedFiles(m.root)
	if err != nil {
		m.logger.Warn("resync scan failed", slog.String("error", err.Error()))
		return
	}
	for _, path := range files {
		m.debouncer.Schedule(path, func() { m.fire(path) })
	}
	if err := m.reconcile(ctx); err != nil {
		m.logger.Warn("resync reconcile failed", slog.String("error", err.Error()))
	}
}

func (m *Monitor) discard(path string) {
	m.flightMu.Lock()
	delete(m.inFlight, path)
	m.flightMu.Unlock()
}

func (m *Monitor) discardPrefix(prefix string) {
	m.flightMu.Lock()
	for p := range m.inFlight {
		if strings.HasPrefix(p, prefix) {
			delete(m.inFlight, p)
		}
	}
	m.flightMu.Unlock()
}

// dispatch runs task on a worker goroutine once a semaphore slot is free.
// Returns false if the monitor has stopped.
func (m *Monitor) dispatch(path string, task func(ctx context.Context)) bool {
	m.mu.RLock()
	if m.stopped {
		m.mu.RUnlock()
		return false
	}
	m.workers.Add(1)
	m.mu.RUnlock()

	go func() {
		defer m.workers.Done()
		if err := m.sem.Acquire(m.workCtx, 1); err != nil {
			return
		}
		defer m.sem.Release(1)

		m.metrics.WorkerStarted()
		defer m.metrics.WorkerDone()

		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("worker panicked",
					slog.String("path", path),
					slog.Any("panic", r))
			}
		}()
		task(m.workCtx)
	}()
	return true
}

// Pending returns the number of paths waiting for their debounce window.
func (m *Monitor) Pending() int {
	return m.debouncer.Pending()
}

// InFlight returns the number of paths being indexed.
func (m *Monitor) InFlight() int {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	return len(m.inFlight)
}

// Stop cancels pending timers, stops observing, and waits for the
// observation goroutine to exit. Running workers are left to finish; call
// Drain to wait for them. Safe to call multiple times.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	m.debouncer.Stop()
	close(m.stopCh)
	if !started {
		return nil
	}
	m.closeSource()
	<-m.loopDone
	m.logger.Info("monitor stopped")
	return nil
}

// Drain waits for dispatched workers to finish or ctx to end. Call it after
// Stop so that no new work is dispatched while waiting.
func (m *Monitor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
