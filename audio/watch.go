package audio

import (
	"context"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
)

// Watch polls the device list and sends on the returned channel whenever the
// set of device IDs changes, relative to the list at call time. The
// channel is closed when ctx is done.
func Watch(ctx context.Context, c Context, clk clock.Clock, interval time.Duration) <-chan struct{} {
	out := make(chan struct{}, 1)
	ticker := clk.Ticker(interval)
	last, haveBaseline := deviceIDs(c)
	go func() {
		defer close(out)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ids, ok := deviceIDs(c)
			if !ok {
				continue
			}
			if haveBaseline && slices.Equal(last, ids) {
				continue
			}
			changed := haveBaseline
			last, haveBaseline = ids, true
			if !changed {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out
}

func deviceIDs(c Context) ([]string, bool) {
	devices, err := c.Devices()
	if err != nil {
		return nil, false
	}
	ids := make([]string, len(devices))
	for i := range devices {
		ids[i] = devices[i].ID
	}
	slices.Sort(ids)
	return ids, true
}
