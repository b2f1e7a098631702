package recorder

import (
	"reflect"
	"sync"

	"meetrec/log"
)

type EventType string

const (
	EventStarted       EventType = "started"
	EventDataAvailable EventType = "data_available"
	EventPaused        EventType = "paused"
	EventResumed       EventType = "resumed"
	EventStopped       EventType = "stopped"
	EventError         EventType = "error"
)

// Event carries the payload relevant to its type: Chunk for DataAvailable,
// Stats and Result for Stopped, Err for Error. A Stopped event caused by the
// stream ending externally also carries ErrStreamEnded in Err.
type Event struct {
	Type      EventType
	SessionID string
	MIMEType  string
	Chunk     []byte
	Stats     Stats
	Result    *Result
	Err       error
}

type Observer interface {
	Notify(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Notify(ev Event) { f(ev) }

// Hub fans events out to observers synchronously, in subscription order.
// A panicking observer is logged and skipped.
type Hub struct {
	mu     sync.Mutex
	subs   []subscription
	nextID int
}

type subscription struct {
	id int
	o  Observer
}

// Subscribe adds o and returns a func that removes exactly this subscription.
func (h *Hub) Subscribe(o Observer) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, o: o})
	h.mu.Unlock()
	return func() { h.remove(func(s subscription) bool { return s.id == id }) }
}

// Unsubscribe removes the first subscription of o. Observers of
// non-comparable types (such as ObserverFunc) can only be removed through
// the func returned by Subscribe.
func (h *Hub) Unsubscribe(o Observer) {
	if o == nil || !reflect.TypeOf(o).Comparable() {
		return
	}
	h.remove(func(s subscription) bool {
		return reflect.TypeOf(s.o) == reflect.TypeOf(o) && s.o == o
	})
}

func (h *Hub) remove(match func(subscription) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if match(s) {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	subs := make([]subscription, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, s := range subs {
		notify(s.o, ev)
	}
}

func notify(o Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("observer panic on %s: %v", ev.Type, r)
		}
	}()
	o.Notify(ev)
}
