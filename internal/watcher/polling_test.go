package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain collects whatever events are buffered right now.
func drain(p *PollingWatcher) []FileEvent {
	var events []FileEvent
	for {
		select {
		case e := <-p.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func findEvent(events []FileEvent, path string, op Operation) bool {
	for _, e := range events {
		if e.Path == path && e.Operation == op {
			return true
		}
	}
	return false
}

func TestPollingWatcher_DetectsCreateModifyDelete(t *testing.T) {
	// Given: a primed watcher over a directory with one file
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(existing, []byte("one"), 0o644))

	p := NewPollingWatcher(time.Hour)
	defer func() { _ = p.Stop() }()
	require.NoError(t, p.Prime(dir))

	// When: a file is created and the existing one is modified
	created := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(created, []byte("two"), 0o644))
	require.NoError(t, os.WriteFile(existing, []byte("one, longer"), 0o644))
	p.Poll()

	// Then: both changes are reported with absolute paths
	events := drain(p)
	assert.True(t, findEvent(events, created, OpCreate), "events: %v", events)
	assert.True(t, findEvent(events, existing, OpModify), "events: %v", events)

	// When: the file is deleted
	require.NoError(t, os.Remove(existing))
	p.Poll()

	// Then: a delete is reported
	events = drain(p)
	assert.True(t, findEvent(events, existing, OpDelete), "events: %v", events)
}

func TestPollingWatcher_NoChanges_NoEvents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	p := NewPollingWatcher(time.Hour)
	defer func() { _ = p.Stop() }()
	require.NoError(t, p.Prime(dir))

	p.Poll()
	assert.Empty(t, drain(p))
}

func TestPollingWatcher_SkipsHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	p := NewPollingWatcher(time.Hour)
	defer func() { _ = p.Stop() }()
	require.NoError(t, p.Prime(dir))

	hidden := filepath.Join(dir, ".git")
	require.NoError(t, os.MkdirAll(hidden, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hidden, "a.txt"), []byte("x"), 0o644))
	p.Poll()

	assert.Empty(t, drain(p))
}

func TestPollingWatcher_RunStopsOnStop(t *testing.T) {
	dir := t.TempDir()
	p := NewPollingWatcher(10 * time.Millisecond)
	require.NoError(t, p.Prime(dir))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	select {
	case e := <-p.Events():
		assert.Equal(t, OpCreate, e.Operation)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for poll event")
	}

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestPollingWatcher_PrimeMissingRoot_Errors(t *testing.T) {
	p := NewPollingWatcher(time.Hour)
	err := p.Prime(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
