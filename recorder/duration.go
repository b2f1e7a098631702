package recorder

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DurationTracker measures time spent recording. Resume re-bases the origin
// so that now minus origin equals the value frozen at Pause; paused wall
// time never leaks into the result.
type DurationTracker struct {
	clock clock.Clock

	mu     sync.Mutex
	origin time.Time
	frozen time.Duration
	active bool
	paused bool
}

func NewDurationTracker(c clock.Clock) *DurationTracker {
	if c == nil {
		c = clock.New()
	}
	return &DurationTracker{clock: c}
}

func (d *DurationTracker) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.origin = d.clock.Now()
	d.frozen = 0
	d.active = true
	d.paused = false
}

func (d *DurationTracker) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active || d.paused {
		return
	}
	d.frozen = d.clock.Since(d.origin)
	d.paused = true
}

func (d *DurationTracker) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active || !d.paused {
		return
	}
	d.origin = d.clock.Now().Add(-d.frozen)
	d.paused = false
}

// Stop freezes and returns the final value.
func (d *DurationTracker) Stop() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active && !d.paused {
		d.frozen = d.clock.Since(d.origin)
	}
	d.active = false
	d.paused = false
	return d.frozen
}

// Current returns the live value while running, the frozen one otherwise.
func (d *DurationTracker) Current() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active && !d.paused {
		return d.clock.Since(d.origin)
	}
	return d.frozen
}

func (d *DurationTracker) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.origin = time.Time{}
	d.frozen = 0
	d.active = false
	d.paused = false
}
