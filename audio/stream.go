package audio

import (
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type ReadyState int

const (
	Live ReadyState = iota
	Ended
)

func (s ReadyState) String() string {
	if s == Live {
		return "live"
	}
	return "ended"
}

// Track is a single media signal. Backends push PCM through Deliver and the
// track fans it out to every sink. A track ends either by Stop (the owner
// released it) or End (the platform took it away); only End notifies the
// OnEnded handlers.
type Track struct {
	id     string
	kind   Kind
	label  string
	format Format

	mu       sync.Mutex
	state    ReadyState
	sinks    []sinkEntry
	ended    []handlerEntry
	nextID   int
	release  func()
	released sync.Once
}

type sinkEntry struct {
	id int
	cb DataCallback
}

type handlerEntry struct {
	id int
	fn func()
}

// NewTrack creates a live track. release is called once when the track ends
// and should free the underlying platform source.
func NewTrack(kind Kind, label string, format Format, release func()) *Track {
	return &Track{
		id:      uuid.NewString(),
		kind:    kind,
		label:   label,
		format:  format,
		release: release,
	}
}

func (t *Track) ID() string     { return t.id }
func (t *Track) Kind() Kind     { return t.kind }
func (t *Track) Label() string  { return t.label }
func (t *Track) Format() Format { return t.format }

func (t *Track) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Track) Live() bool { return t.ReadyState() == Live }

// AddSink registers cb for every delivered buffer. The returned func removes it.
func (t *Track) AddSink(cb DataCallback) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.sinks = append(t.sinks, sinkEntry{id: id, cb: cb})
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.sinks {
			if s.id == id {
				t.sinks = append(t.sinks[:i:i], t.sinks[i+1:]...)
				return
			}
		}
	}
}

// OnEnded registers fn to run when the track is ended externally.
func (t *Track) OnEnded(fn func()) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.ended = append(t.ended, handlerEntry{id: id, fn: fn})
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, h := range t.ended {
			if h.id == id {
				t.ended = append(t.ended[:i:i], t.ended[i+1:]...)
				return
			}
		}
	}
}

// Deliver hands data to the current sinks. Data delivered after the track
// ended is dropped.
func (t *Track) Deliver(data []byte, frameCount uint32) {
	t.mu.Lock()
	if t.state != Live || len(t.sinks) == 0 {
		t.mu.Unlock()
		return
	}
	sinks := make([]sinkEntry, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	for _, s := range sinks {
		s.cb(data, frameCount)
	}
}

// Stop ends the track on behalf of its owner. Ended handlers do not run.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.state == Ended {
		t.mu.Unlock()
		return
	}
	t.state = Ended
	t.sinks = nil
	t.ended = nil
	t.mu.Unlock()
	t.releaseSource()
}

// End marks the track as ended by the platform and runs the ended handlers
// exactly once.
func (t *Track) End() {
	t.mu.Lock()
	if t.state == Ended {
		t.mu.Unlock()
		return
	}
	t.state = Ended
	handlers := t.ended
	t.ended = nil
	t.sinks = nil
	t.mu.Unlock()

	t.releaseSource()
	for _, h := range handlers {
		h.fn()
	}
}

func (t *Track) releaseSource() {
	t.released.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// Stream is an ordered set of tracks handed out by a Context.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) byKind(kind Kind, liveOnly bool) []*Track {
	var out []*Track
	for _, t := range s.Tracks() {
		if t.Kind() != kind {
			continue
		}
		if liveOnly && !t.Live() {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (s *Stream) AudioTracks() []*Track     { return s.byKind(KindAudio, false) }
func (s *Stream) VideoTracks() []*Track     { return s.byKind(KindVideo, false) }
func (s *Stream) LiveAudioTracks() []*Track { return s.byKind(KindAudio, true) }

func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) RemoveTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur == t {
			s.tracks = append(s.tracks[:i:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Active reports whether any track is still live.
func (s *Stream) Active() bool {
	for _, t := range s.Tracks() {
		if t.Live() {
			return true
		}
	}
	return false
}

func (s *Stream) StopAll() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
