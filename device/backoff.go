package device

import (
	"time"

	"github.com/benbjohnson/clock"
)

// progressiveBackOff waits base*(1+0.5n) before retry n, capped at max.
type progressiveBackOff struct {
	base time.Duration
	max  time.Duration
	n    int
}

func (b *progressiveBackOff) NextBackOff() time.Duration {
	d := b.base + time.Duration(b.n)*b.base/2
	b.n++
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

func (b *progressiveBackOff) Reset() { b.n = 0 }

// clockTimer lets backoff schedule retries on the injected clock.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
