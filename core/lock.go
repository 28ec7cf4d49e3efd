package core

import (
	"sync"
	"time"
)

// tryLockFor attempts to acquire mu within timeout, polling with a short
// backoff. It mirrors the bounded-wait mutex semantics the original
// firmware used to keep sensor and config access from ever blocking a
// task indefinitely.
func tryLockFor(mu *sync.Mutex, timeout time.Duration) bool {
	if mu.TryLock() {
		return true
	}
	deadline := time.Now().Add(timeout)
	const step = 200 * time.Microsecond
	for time.Now().Before(deadline) {
		time.Sleep(step)
		if mu.TryLock() {
			return true
		}
	}
	return false
}
