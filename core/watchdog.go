package core

import (
	"sync"
	"time"
)

// WatchdogTimeout is how long a registered task can go without feeding
// the watchdog before it's considered wedged, matching the timeout the
// firmware has always booted with.
const WatchdogTimeout = 90 * time.Second

// Watchdog tracks the last-fed time of every registered task. If any task
// misses its deadline, the reset callback fires exactly once until the
// watchdog is explicitly cleared.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	lastFed map[string]time.Time
	tripped bool
	onTrip  func(task string)
}

// NewWatchdog creates a Watchdog with the given timeout and trip
// callback. onTrip may be nil.
func NewWatchdog(timeout time.Duration, onTrip func(task string)) *Watchdog {
	return &Watchdog{
		timeout: timeout,
		lastFed: make(map[string]time.Time),
		onTrip:  onTrip,
	}
}

// Register adds a task to the watchdog's supervision list, feeding it
// immediately so a slow startup doesn't trip the watchdog before the
// task's first real iteration.
func (w *Watchdog) Register(task string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFed[task] = time.Now()
}

// Feed records that task is still making progress.
func (w *Watchdog) Feed(task string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFed[task] = time.Now()
}

// Check scans every registered task and trips the watchdog if any of them
// has gone silent for longer than the timeout. It is meant to be polled
// from its own low-frequency goroutine.
func (w *Watchdog) Check(now time.Time) {
	w.mu.Lock()
	if w.tripped {
		w.mu.Unlock()
		return
	}
	var stalled string
	for task, last := range w.lastFed {
		if now.Sub(last) > w.timeout {
			stalled = task
			break
		}
	}
	if stalled == "" {
		w.mu.Unlock()
		return
	}
	w.tripped = true
	cb := w.onTrip
	w.mu.Unlock()

	if cb != nil {
		cb(stalled)
	}
}

// Tripped reports whether the watchdog has already fired.
func (w *Watchdog) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}

// Reset clears the tripped flag and re-feeds every registered task, for
// use after a controlled recovery.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tripped = false
	now := time.Now()
	for task := range w.lastFed {
		w.lastFed[task] = now
	}
}
