// Package watcher keeps the index in step with a directory tree.
//
// A Monitor observes file system events (fsnotify, or periodic polling
// where fsnotify is unavailable) and turns them into index and remove
// tasks for a Handler:
//   - Create and modify events are debounced per path, so a burst of writes
//     triggers a single indexing pass once the file has been quiet for the
//     debounce window.
//   - A path is never indexed by two passes at once. A timer that fires
//     while the path is being indexed schedules one follow-up pass instead.
//   - Delete and rename-away events cancel any pending pass and remove the
//     document.
//   - Tasks run on worker goroutines bounded by a weighted semaphore; the
//     observation goroutine never touches storage.
//
// Usage:
//
//	m, err := watcher.NewMonitor(root, engine, watcher.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Drain(context.Background())
//	defer m.Stop()
package watcher
