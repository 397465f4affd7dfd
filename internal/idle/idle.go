// Package idle tracks how long the daemon has held no transfers.
package idle

import (
	"sync"
	"time"
)

// Tracker records the transfer count of each manager.
type Tracker struct {
	mu    sync.Mutex
	sizes map[string]int
	since time.Time // zero while busy
	now   func() time.Time
}

// New returns a tracker that counts as idle from now on.
func New() *Tracker {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		sizes: make(map[string]int),
		since: now(),
		now:   now,
	}
}

// Set records the number of transfers held by kind.
func (t *Tracker) Set(kind string, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sizes[kind] = size
	busy := t.busyLocked()
	switch {
	case busy:
		t.since = time.Time{}
	case t.since.IsZero():
		t.since = t.now()
	}
}

// Busy reports whether any manager holds a transfer.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busyLocked()
}

// IdleFor returns how long no transfer has been held, or zero while busy.
func (t *Tracker) IdleFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.since.IsZero() {
		return 0
	}
	return t.now().Sub(t.since)
}

// Expired reports whether the tracker has been idle for at least timeout.
// A non-positive timeout never expires.
func (t *Tracker) Expired(timeout time.Duration) bool {
	return timeout > 0 && t.IdleFor() >= timeout
}

func (t *Tracker) busyLocked() bool {
	for _, n := range t.sizes {
		if n > 0 {
			return true
		}
	}
	return false
}
