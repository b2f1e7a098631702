package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"meetrec/audio"
	"meetrec/encoder"
	"meetrec/log"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

type StopReason string

const (
	ReasonUser        StopReason = "user"
	ReasonStreamEnded StopReason = "stream_ended"
)

const DefaultFinalizeTimeout = 5 * time.Second

// Result is the outcome of a finished session. Empty is set when no audio
// data was ever captured; Blob is nil in that case.
type Result struct {
	SessionID string
	Blob      *Blob
	Stats     Stats
	Empty     bool
	Reason    StopReason
}

func (r Result) DurationMs() int64 { return r.Stats.Duration.Milliseconds() }

type Config struct {
	// MIMEPreferences is tried in order; see encoder.Negotiate.
	MIMEPreferences []string
	Timeslice       time.Duration
	FinalizeTimeout time.Duration
	Clock           clock.Clock
	RecorderOptions []encoder.Option
}

type pendingStop struct {
	done   chan struct{}
	dur    time.Duration
	result Result
	err    error
}

// Engine drives one recording session at a time through
// Idle → Recording ⇄ Paused → Stopping → Idle. Failures move it to Error,
// which the next StartRecording or Reset clears.
//
// Events are queued under the state lock and published after it is
// released, in transition order, so observers may call back into the engine.
// Observers must not wait on StopRecording: it returns only after the
// stopped event has been delivered.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	hub      *Hub
	duration *DurationTracker
	streams  StreamManager
	chunks   *ChunksBuffer

	mu          sync.Mutex
	state       State
	gen         uint64
	sessionID   string
	mime        string
	rec         *encoder.Recorder
	reason      StopReason
	finalizeErr error
	pending     *pendingStop
	last        *Result
	failed      *Result
	lastErr     error
	queue       []Event
	flushing    bool
	flushed     chan struct{}
}

func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if len(cfg.MIMEPreferences) == 0 {
		cfg.MIMEPreferences = encoder.DefaultPreferences
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = encoder.DefaultTimeslice
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return &Engine{
		cfg:      cfg,
		clock:    cfg.Clock,
		hub:      &Hub{},
		duration: NewDurationTracker(cfg.Clock),
		chunks:   NewChunksBuffer(""),
		state:    StateIdle,
	}
}

func (e *Engine) Hub() *Hub { return e.hub }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) MIMEType() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mime
}

func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *Engine) Duration() time.Duration { return e.duration.Current() }

func (e *Engine) Stats() Stats { return e.chunks.Stats(e.duration.Current()) }

func (e *Engine) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// StartRecording begins a session on stream. Video tracks are stopped and
// removed before recording starts.
func (e *Engine) StartRecording(stream *audio.Stream) error {
	e.mu.Lock()
	switch e.state {
	case StateRecording, StatePaused:
		e.mu.Unlock()
		return ErrAlreadyRecording
	case StateStopping:
		e.mu.Unlock()
		return ErrOperationInProgress
	case StateError:
		e.resetLocked()
	}
	if stream == nil || len(stream.LiveAudioTracks()) == 0 {
		e.mu.Unlock()
		return ErrNoAudioTrack
	}
	for _, v := range stream.VideoTracks() {
		v.Stop()
		stream.RemoveTrack(v)
	}

	e.gen++
	gen := e.gen
	e.sessionID = uuid.NewString()
	e.mime = encoder.Negotiate(e.cfg.MIMEPreferences)
	e.reason = ReasonUser
	e.finalizeErr = nil
	e.chunks.Clear()
	e.chunks.SetMIMEType(e.mime)
	e.streams.Initialize(stream, func() { e.streamEnded(gen) })

	opts := append([]encoder.Option{encoder.WithClock(e.clock)}, e.cfg.RecorderOptions...)
	rec, err := encoder.NewRecorder(stream, e.mime, encoder.Events{
		OnData:  func(chunk []byte) { e.handleData(gen, chunk) },
		OnError: func(err error) { e.handleRecorderError(gen, err) },
	}, opts...)
	if err == nil {
		err = rec.Start(e.cfg.Timeslice)
	}
	if err != nil {
		perr := &PhaseError{Phase: PhaseStart, Err: err}
		e.streams.Cleanup()
		e.duration.Cleanup()
		e.chunks.Clear()
		e.state = StateError
		e.lastErr = perr
		e.enqueue(Event{Type: EventError, SessionID: e.sessionID, MIMEType: e.mime, Err: perr})
		e.unlockAndFlush()
		return perr
	}

	e.rec = rec
	e.duration.Start()
	e.state = StateRecording
	e.enqueue(Event{Type: EventStarted, SessionID: e.sessionID, MIMEType: e.mime})
	e.unlockAndFlush()
	return nil
}

// StopRecording finalizes the session and returns its result. Called while
// a stop is already finalizing, it waits for that stop and returns the same
// result. After a capture failure it returns the failed session's partial
// result with the error and moves the engine back to Idle. Called with
// nothing active, it returns the most recent session's result, or an empty
// one. If ctx ends first, finalization still completes in the background.
func (e *Engine) StopRecording(ctx context.Context) (Result, error) {
	e.mu.Lock()
	switch e.state {
	case StateRecording, StatePaused:
		p := e.beginStopLocked(ReasonUser)
		e.unlockAndFlush()
		return e.await(ctx, p)
	case StateStopping:
		p := e.pending
		e.mu.Unlock()
		return e.await(ctx, p)
	case StateError:
		res, err := Result{SessionID: e.sessionID, Empty: true}, error(nil)
		if e.failed != nil {
			res, err = *e.failed, e.lastErr
		}
		e.resetLocked()
		e.mu.Unlock()
		return res, err
	default:
		res := Result{Empty: true}
		if e.last != nil && e.last.SessionID == e.sessionID {
			res = *e.last
		}
		e.mu.Unlock()
		return res, nil
	}
}

func (e *Engine) await(ctx context.Context, p *pendingStop) (Result, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return p.result, p.err
}

// PauseRecording reports whether the engine moved to Paused.
func (e *Engine) PauseRecording() bool {
	e.mu.Lock()
	if e.state != StateRecording {
		state := e.state
		e.mu.Unlock()
		log.Warnf("pause ignored in state %s", state)
		return false
	}
	e.rec.Pause()
	e.duration.Pause()
	e.state = StatePaused
	e.enqueue(Event{Type: EventPaused, SessionID: e.sessionID, MIMEType: e.mime})
	e.unlockAndFlush()
	return true
}

// ResumeRecording reports whether the engine moved back to Recording.
func (e *Engine) ResumeRecording() bool {
	e.mu.Lock()
	if e.state != StatePaused {
		state := e.state
		e.mu.Unlock()
		log.Warnf("resume ignored in state %s", state)
		return false
	}
	e.rec.Resume()
	e.duration.Resume()
	e.state = StateRecording
	e.enqueue(Event{Type: EventResumed, SessionID: e.sessionID, MIMEType: e.mime})
	e.unlockAndFlush()
	return true
}

// Reset moves the engine from Error back to Idle.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateError:
		e.resetLocked()
	case StateIdle:
	default:
		return ErrOperationInProgress
	}
	return nil
}

func (e *Engine) resetLocked() {
	e.streams.Cleanup()
	e.duration.Cleanup()
	e.chunks.Clear()
	e.rec = nil
	e.failed = nil
	e.lastErr = nil
	e.state = StateIdle
}

func (e *Engine) beginStopLocked(reason StopReason) *pendingStop {
	p := &pendingStop{done: make(chan struct{})}
	e.pending = p
	e.reason = reason
	e.state = StateStopping
	p.dur = e.duration.Stop()
	rec := e.rec
	rec.Stop()
	go e.finishStop(rec, p)
	return p
}

func (e *Engine) finishStop(rec *encoder.Recorder, p *pendingStop) {
	var ferr error
	timer := e.clock.Timer(e.cfg.FinalizeTimeout)
	select {
	case <-rec.Done():
	case <-timer.C:
		ferr = ErrFinalizeTimeout
	}
	timer.Stop()

	e.mu.Lock()
	if ferr == nil {
		ferr = e.finalizeErr
	}
	e.streams.Cleanup()
	stats := e.chunks.Stats(p.dur)
	blob := e.chunks.FinalBlob()
	res := Result{
		SessionID: e.sessionID,
		Blob:      blob,
		Stats:     stats,
		Empty:     blob == nil,
		Reason:    e.reason,
	}
	e.rec = nil
	e.pending = nil
	p.result = res

	if ferr != nil {
		perr := &PhaseError{Phase: PhaseFinalize, Err: ferr}
		p.err = perr
		e.state = StateError
		e.lastErr = perr
		e.enqueue(Event{Type: EventError, SessionID: res.SessionID, MIMEType: e.mime, Stats: stats, Result: &res, Err: perr})
	} else {
		e.state = StateIdle
		e.last = &res
		ev := Event{Type: EventStopped, SessionID: res.SessionID, MIMEType: e.mime, Stats: stats, Result: &res}
		if res.Reason == ReasonStreamEnded {
			ev.Err = ErrStreamEnded
		}
		e.enqueue(ev)
	}
	<-e.unlockAndFlush()
	close(p.done)
}

func (e *Engine) streamEnded(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || (e.state != StateRecording && e.state != StatePaused) {
		e.mu.Unlock()
		return
	}
	log.Warn("recording stream ended externally, stopping")
	e.beginStopLocked(ReasonStreamEnded)
	e.unlockAndFlush()
}

func (e *Engine) handleData(gen uint64, chunk []byte) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	switch e.state {
	case StateRecording, StatePaused, StateStopping:
	default:
		e.mu.Unlock()
		return
	}
	if !e.chunks.Add(chunk) {
		e.mu.Unlock()
		return
	}
	e.enqueue(Event{Type: EventDataAvailable, SessionID: e.sessionID, MIMEType: e.mime, Chunk: chunk})
	e.unlockAndFlush()
}

func (e *Engine) handleRecorderError(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	switch e.state {
	case StateStopping:
		e.finalizeErr = err
		e.mu.Unlock()
	case StateRecording, StatePaused:
		perr := &PhaseError{Phase: PhaseData, Err: err}
		dur := e.duration.Stop()
		e.streams.Cleanup()
		stats := e.chunks.Stats(dur)
		blob := e.chunks.FinalBlob()
		res := Result{
			SessionID: e.sessionID,
			Blob:      blob,
			Stats:     stats,
			Empty:     blob == nil,
			Reason:    e.reason,
		}
		e.rec = nil
		e.state = StateError
		e.failed = &res
		e.lastErr = perr
		e.enqueue(Event{Type: EventError, SessionID: e.sessionID, MIMEType: e.mime, Stats: stats, Result: &res, Err: perr})
		e.unlockAndFlush()
	default:
		e.mu.Unlock()
	}
}

func (e *Engine) enqueue(ev Event) {
	e.queue = append(e.queue, ev)
}

var delivered = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// unlockAndFlush releases e.mu and publishes queued events. If another
// goroutine is already publishing, it delivers ours after its own. The
// returned channel is closed once everything queued so far is delivered.
func (e *Engine) unlockAndFlush() <-chan struct{} {
	if e.flushing {
		done := e.flushed
		e.mu.Unlock()
		return done
	}
	e.flushing = true
	e.flushed = make(chan struct{})
	for len(e.queue) > 0 {
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.hub.Publish(ev)
		e.mu.Lock()
	}
	e.flushing = false
	close(e.flushed)
	e.mu.Unlock()
	return delivered
}
