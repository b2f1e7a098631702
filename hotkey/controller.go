package hotkey

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Action int

const (
	// ActionToggle starts or stops recording. Sent when the shortcut is
	// released before the hold threshold.
	ActionToggle Action = iota
	// ActionPause pauses or resumes. Sent once the shortcut has been held
	// for the threshold, without waiting for release.
	ActionPause
)

func (a Action) String() string {
	if a == ActionPause {
		return "pause"
	}
	return "toggle"
}

// Controller turns shortcut presses into recorder actions.
type Controller struct {
	actions chan Action
	stop    chan struct{}
	once    sync.Once
}

func NewController(hk Hotkey, hold time.Duration, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	c := &Controller{
		actions: make(chan Action, 1),
		stop:    make(chan struct{}),
	}
	go c.run(hk, hold, clk)
	return c
}

func (c *Controller) Actions() <-chan Action { return c.actions }

func (c *Controller) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Controller) run(hk Hotkey, hold time.Duration, clk clock.Clock) {
	for {
		select {
		case <-c.stop:
			return
		case <-hk.Keydown():
		}

		timer := clk.Timer(hold)
		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-hk.Keyup():
			timer.Stop()
			c.emit(ActionToggle)
		case <-timer.C:
			c.emit(ActionPause)
			select {
			case <-c.stop:
				return
			case <-hk.Keyup():
			}
		}
	}
}

// emit drops the action if the previous one has not been consumed.
func (c *Controller) emit(a Action) {
	select {
	case c.actions <- a:
	default:
	}
}
