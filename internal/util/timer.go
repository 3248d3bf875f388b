// Package util holds small concurrency helpers shared across the server.
package util

import (
	"sync"
	"time"
)

// ResettableTimer is a single-purpose debounce timer: arming it always cancels
// the previous arm, so at most one callback is outstanding per timer. The
// callback runs on its own goroutine and is skipped if Cancel wins the race.
type ResettableTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Arm schedules fn after d, cancelling any previously armed callback.
func (r *ResettableTimer) Arm(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen

	r.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		live := r.gen == gen
		r.mu.Unlock()
		if live {
			fn()
		}
	})
}

// Cancel stops any pending callback. Safe to call when nothing is armed.
func (r *ResettableTimer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}
