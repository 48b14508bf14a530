package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// PollingWatcher watches for file changes by periodically scanning the directory.
// Used as a fallback when fsnotify is not available or fails.
type PollingWatcher struct {
	interval  time.Duration
	fileState map[string]fileSnapshot
	events    chan FileEvent
	stopCh    chan struct{}
	mu        sync.Mutex
	stopped   bool
	rootPath  string
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// NewPollingWatcher creates a new polling watcher with the given interval.
func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	return &PollingWatcher{
		interval:  interval,
		fileState: make(map[string]fileSnapshot),
		events:    make(chan FileEvent, 256),
		stopCh:    make(chan struct{}),
	}
}

// Prime records the baseline state of the tree rooted at path. Changes are
// reported relative to this baseline.
func (p *PollingWatcher) Prime(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	state, err := snapshotTree(absPath)
	if err != nil {
		return fmt.Errorf("perform initial scan: %w", err)
	}

	p.mu.Lock()
	p.rootPath = absPath
	p.fileState = state
	p.mu.Unlock()
	return nil
}

// Run polls until the context is cancelled or Stop is called. Prime must
// have been called first.
func (p *PollingWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll scans once and emits events for everything that changed since the
// previous scan.
func (p *PollingWatcher) Poll() {
	p.mu.Lock()
	if p.stopped || p.rootPath == "" {
		p.mu.Unlock()
		return
	}
	current, err := snapshotTree(p.rootPath)
	if err != nil {
		// Root vanished; report everything as deleted.
		current = map[string]fileSnapshot{}
	}
	changes := diffSnapshots(p.fileState, current)
	p.fileState = current
	p.mu.Unlock()

	for _, event := range changes {
		select {
		case p.events <- event:
		case <-p.stopCh:
			return
		}
	}
}

// Stop stops the polling watcher. Safe to call multiple times.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	return nil
}

// Events returns the channel of file events. Paths are absolute.
func (p *PollingWatcher) Events() <-chan FileEvent {
	return p.events
}

// snapshotTree walks root and records the state of every entry outside
// skipped directories, keyed by absolute path.
func snapshotTree(root string) (map[string]fileSnapshot, error) {
	state := make(map[string]fileSnapshot)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // Skip entries we can't access
		}
		if path == root {
			return nil
		}
		if d.IsDir() && SkipDir(d.Name()) {
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		state[path] = fileSnapshot{
			modTime: info.ModTime(),
			size:    info.Size(),
			isDir:   d.IsDir(),
		}
		return nil
	})
	return state, err
}

func diffSnapshots(previous, current map[string]fileSnapshot) []FileEvent {
	now := time.Now()
	var events []FileEvent

	for path, snapshot := range current {
		prev, exists := previous[path]
		switch {
		case !exists:
			events = append(events, FileEvent{Path: path, Operation: OpCreate, IsDir: snapshot.isDir, Timestamp: now})
		case prev.isDir != snapshot.isDir:
			events = append(events,
				FileEvent{Path: path, Operation: OpDelete, IsDir: prev.isDir, Timestamp: now},
				FileEvent{Path: path, Operation: OpCreate, IsDir: snapshot.isDir, Timestamp: now},
			)
		case !snapshot.isDir && (!prev.modTime.Equal(snapshot.modTime) || prev.size != snapshot.size):
			events = append(events, FileEvent{Path: path, Operation: OpModify, Timestamp: now})
		}
	}

	for path, snapshot := range previous {
		if _, exists := current[path]; !exists {
			events = append(events, FileEvent{Path: path, Operation: OpDelete, IsDir: snapshot.isDir, Timestamp: now})
		}
	}
	return events
}
