package encoder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"meetrec/audio"
)

var (
	ErrNoAudioTrack = errors.New("stream has no live audio track")
	ErrInvalidState = errors.New("recorder in invalid state")
)

const DefaultTimeslice = time.Second

type RecorderState int

const (
	Inactive RecorderState = iota
	Recording
	Paused
)

// Events are delivered from a single goroutine, in emission order.
type Events struct {
	OnData  func(chunk []byte)
	OnStop  func()
	OnError func(err error)
}

// Recorder encodes the first live audio track of a stream and emits the
// encoded bytes as chunks every timeslice. Stop finalizes asynchronously:
// the remaining buffered samples are encoded, the last chunk is emitted and
// OnStop follows.
type Recorder struct {
	track      *audio.Track
	mime       string
	events     Events
	clock      clock.Clock
	newEncoder func(mime string) (Encoder, error)

	mu      sync.Mutex
	state   RecorderState
	pending []int16
	enc     Encoder
	unsink  func()
	stop    chan struct{}
	done    chan struct{}
}

type Option func(*Recorder)

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithEncoderFactory replaces New as the encoder constructor.
func WithEncoderFactory(f func(mime string) (Encoder, error)) Option {
	return func(r *Recorder) { r.newEncoder = f }
}

func NewRecorder(stream *audio.Stream, mime string, events Events, opts ...Option) (*Recorder, error) {
	tracks := stream.LiveAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoAudioTrack
	}
	r := &Recorder{
		track:      tracks[0],
		mime:       mime,
		events:     events,
		clock:      clock.New(),
		newEncoder: New,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Recorder) MIMEType() string { return r.mime }

func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed after OnStop has been delivered.
func (r *Recorder) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Recorder) Start(timeslice time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Inactive || r.done != nil {
		return fmt.Errorf("start: %w", ErrInvalidState)
	}
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}
	enc, err := r.newEncoder(r.mime)
	if err != nil {
		return err
	}
	r.enc = enc
	r.state = Recording
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.unsink = r.track.AddSink(r.onData)

	ticker := r.clock.Ticker(timeslice)
	go r.loop(ticker)
	return nil
}

func (r *Recorder) Pause() {
	r.mu.Lock()
	if r.state == Recording {
		r.state = Paused
	}
	r.mu.Unlock()
}

func (r *Recorder) Resume() {
	r.mu.Lock()
	if r.state == Paused {
		r.state = Recording
	}
	r.mu.Unlock()
}

// Stop requests finalization and returns immediately.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Inactive || r.stop == nil {
		return
	}
	r.state = Inactive
	close(r.stop)
}

func (r *Recorder) onData(data []byte, _ uint32) {
	samples := audio.Samples(data)
	if r.track.Format().Channels == 2 {
		samples = downmix(samples)
	}
	r.mu.Lock()
	if r.state == Recording {
		r.pending = append(r.pending, samples...)
	}
	r.mu.Unlock()
}

func downmix(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int32(stereo[2*i]) + int32(stereo[2*i+1])) / 2)
	}
	return mono
}

func (r *Recorder) loop(ticker *clock.Ticker) {
	defer close(r.done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.emit(false); err != nil {
				r.fail(err)
				return
			}
		case <-r.stop:
			r.finish()
			return
		}
	}
}

// emit encodes buffered samples and delivers the produced bytes. Unless final
// is set, a trailing partial block is kept for the next round.
func (r *Recorder) emit(final bool) error {
	r.mu.Lock()
	n := len(r.pending)
	if !final {
		n -= n % BlockSize
	}
	samples := r.pending[:n]
	r.pending = append([]int16(nil), r.pending[n:]...)
	r.mu.Unlock()

	for off := 0; off < len(samples); off += BlockSize {
		end := min(off+BlockSize, len(samples))
		if err := r.enc.EncodeBlock(samples[off:end]); err != nil {
			return err
		}
	}
	// The container header stays buffered until audio follows it, so a
	// session without samples produces no data at all.
	var chunk []byte
	if r.enc.TotalFrames() > 0 {
		chunk = r.enc.Flush()
	}
	if r.events.OnData != nil {
		r.events.OnData(chunk)
	}
	return nil
}

func (r *Recorder) finish() {
	r.unsink()
	if err := r.emit(true); err != nil {
		r.enc.Close()
		r.report(err)
		return
	}
	if err := r.enc.Close(); err != nil {
		r.report(err)
		return
	}
	if r.enc.TotalFrames() == 0 {
		r.enc.Flush()
	} else if tail := r.enc.Flush(); len(tail) > 0 && r.events.OnData != nil {
		r.events.OnData(tail)
	}
	if r.events.OnStop != nil {
		r.events.OnStop()
	}
}

func (r *Recorder) fail(err error) {
	r.unsink()
	r.mu.Lock()
	r.state = Inactive
	r.pending = nil
	r.mu.Unlock()
	r.enc.Close()
	r.report(err)
}

func (r *Recorder) report(err error) {
	if r.events.OnError != nil {
		r.events.OnError(err)
	}
	if r.events.OnStop != nil {
		r.events.OnStop()
	}
}
