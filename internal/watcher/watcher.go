package watcher

import (
	"context"
	"time"
)

// Operation represents a file system operation type.
type Operation int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate Operation = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file or directory was deleted.
	OpDelete
	// OpRename indicates a file or directory was renamed away from Path.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent represents a file system event.
type FileEvent struct {
	// Path is the absolute path of the file or directory.
	Path      string
	Operation Operation
	IsDir     bool
	Timestamp time.Time
}

// Handler receives the work the monitor schedules. search.Engine
// implements it.
type Handler interface {
	// IndexFile makes the index reflect the file's current content.
	IndexFile(ctx context.Context, path string) error
	// RemoveDocument removes the file's document; absent documents succeed.
	RemoveDocument(ctx context.Context, path string) error
	// IndexedPaths lists every indexed path, used to reconcile at startup.
	IndexedPaths(ctx context.Context) ([]string, error)
}

// Options configures the monitor.
type Options struct {
	// Debounce is the quiet window after the last event before indexing.
	// Default: 2s
	Debounce time.Duration

	// PollInterval is the scan interval in polling mode.
	// Default: 5s
	PollInterval time.Duration

	// Workers bounds concurrent index and remove tasks.
	// Default: 4
	Workers int

	// Extensions lists recognized file extensions, including the dot.
	// Default: .txt
	Extensions []string

	// TempSuffixes marks editor and download artifacts that are never indexed.
	TempSuffixes []string

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default monitor options.
func DefaultOptions() Options {
	return Options{
		Debounce:     2 * time.Second,
		PollInterval: 5 * time.Second,
		Workers:      4,
		Extensions:   []string{".txt"},
		TempSuffixes: []string{"~", ".tmp", ".swp", ".swx", ".part", ".crdownload"},
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = defaults.Debounce
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.Workers <= 0 {
		o.Workers = defaults.Workers
	}
	if len(o.Extensions) == 0 {
		o.Extensions = defaults.Extensions
	}
	if o.TempSuffixes == nil {
		o.TempSuffixes = defaults.TempSuffixes
	}
	return o
}
