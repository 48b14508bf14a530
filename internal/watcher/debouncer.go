package watcher

import (
	"strings"
	"sync"
	"time"
)

// Debouncer runs a callback per key once the key has been quiet for the
// window. Scheduling a key that is already pending cancels the pending
// callback and starts the window again.
type Debouncer struct {
	window  time.Duration
	mu      sync.Mutex
	timers  map[string]*debounceTimer
	seq     uint64
	stopped bool
}

type debounceTimer struct {
	timer *time.Timer
	gen   uint64
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		timers: make(map[string]*debounceTimer),
	}
}

// Schedule (re)starts the window for key. fn runs on its own goroutine when
// the window elapses. Returns false after Stop.
func (d *Debouncer) Schedule(key string, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	if existing, ok := d.timers[key]; ok {
		existing.timer.Stop()
	}

	d.seq++
	gen := d.seq
	t := &debounceTimer{gen: gen}
	t.timer = time.AfterFunc(d.window, func() { d.fire(key, gen, fn) })
	d.timers[key] = t
	return true
}

// fire runs fn unless the timer was replaced or cancelled after it expired
// but before it got the lock.
func (d *Debouncer) fire(key string, gen uint64, fn func()) {
	d.mu.Lock()
	t, ok := d.timers[key]
	if !ok || t.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.mu.Unlock()

	fn()
}

// Cancel drops the pending callback for key, reporting whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.timers[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(d.timers, key)
	return true
}

// CancelPrefix drops every pending callback whose key starts with prefix.
func (d *Debouncer) CancelPrefix(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for key, t := range d.timers {
		if strings.HasPrefix(key, prefix) {
			t.timer.Stop()
			delete(d.timers, key)
			n++
		}
	}
	return n
}

// Pending returns the number of scheduled callbacks.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels every pending callback. Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	for key, t := range d.timers {
		t.timer.Stop()
		delete(d.timers, key)
	}
}
