// Package session wires the device manager, the optional system-audio mixer,
// the recording engine and the saver into start/stop operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"meetrec/audio"
	"meetrec/device"
	"meetrec/log"
	"meetrec/mixer"
	"meetrec/recorder"
	"meetrec/save"
)

// Policy decides what happens when system audio ends mid-recording.
type Policy string

const (
	PolicyStop     Policy = "stop"
	PolicyContinue Policy = "continue"
)

type NoticeType string

const (
	// NoticeFallback: system audio was requested but recording uses the
	// microphone only.
	NoticeFallback         NoticeType = "fallback"
	NoticeSystemAudioEnded NoticeType = "system_audio_ended"
	// NoticeAutoStopped: the recording stopped without a Stop call and its
	// outcome is attached.
	NoticeAutoStopped NoticeType = "auto_stopped"
)

type Notice struct {
	Type    NoticeType
	Err     error
	Outcome *Outcome
}

// Outcome is the result of a finished recording and of saving it.
type Outcome struct {
	Result  recorder.Result
	Receipt *save.Receipt
	SaveErr error
}

// Saved reports whether the recording reached storage.
func (o Outcome) Saved() bool { return o.Receipt != nil && o.SaveErr == nil }

type Options struct {
	SystemAudio bool
	// DeviceID overrides the manager's selection.
	DeviceID string
}

type Config struct {
	SystemAudioPolicy Policy
	Mixer             mixer.Config
	SaveTimeout       time.Duration
}

// active holds what a running recording owns besides the engine.
type active struct {
	session string
	mixer   *mixer.Mixer
	done    chan struct{}
	unsink  func()
}

type saveCall struct {
	session string
	done    chan struct{}
	out     Outcome
	err     error
}

// Coordinator runs one recording at a time on top of a shared Engine.
type Coordinator struct {
	actx    audio.Context
	devices *device.Manager
	engine  *recorder.Engine
	saver   save.Saver
	cfg     Config

	mu        sync.Mutex
	cur       *active
	fallback  error
	lastSave  *saveCall
	listeners []func(Notice)

	// level is the RMS of the latest recorded block, as float64 bits.
	level atomic.Uint64
}

func New(actx audio.Context, devices *device.Manager, engine *recorder.Engine, saver save.Saver, cfg Config) *Coordinator {
	if cfg.SystemAudioPolicy == "" {
		cfg.SystemAudioPolicy = PolicyContinue
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 2 * time.Minute
	}
	c := &Coordinator{
		actx:    actx,
		devices: devices,
		engine:  engine,
		saver:   saver,
		cfg:     cfg,
	}
	engine.Hub().Subscribe(recorder.ObserverFunc(c.onEvent))
	return c
}

func (c *Coordinator) Engine() *recorder.Engine { return c.engine }

func (c *Coordinator) Devices() *device.Manager { return c.devices }

// OnNotice registers fn for fallbacks, system-audio ends and auto-stops.
// fn may run on any goroutine.
func (c *Coordinator) OnNotice(fn func(Notice)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Fallback returns why the current recording runs without system audio, or
// nil.
func (c *Coordinator) Fallback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

func (c *Coordinator) SystemActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && c.cur.mixer != nil && c.cur.mixer.SystemActive()
}

// Level is the RMS (0..1) of the most recent block fed to the recorder, or
// 0 when nothing is recording.
func (c *Coordinator) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

func (c *Coordinator) meter(data []byte, _ uint32) {
	samples := audio.Samples(data)
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	c.level.Store(math.Float64bits(math.Sqrt(sum / float64(len(samples)))))
}

func (c *Coordinator) Start(ctx context.Context, opts Options) error {
	switch c.engine.State() {
	case recorder.StateRecording, recorder.StatePaused:
		return recorder.ErrAlreadyRecording
	case recorder.StateStopping:
		return recorder.ErrOperationInProgress
	}
	c.teardown()

	id := opts.DeviceID
	if id == "" {
		dev, err := c.devices.ResolveDevice(ctx)
		if err != nil {
			return fmt.Errorf("resolve device: %w", err)
		}
		id = dev.ID
	}
	mic, err := c.devices.RequestStream(ctx, id)
	if err != nil {
		return fmt.Errorf("request microphone: %w", err)
	}

	stream := mic
	var m *mixer.Mixer
	var fallback error
	if opts.SystemAudio {
		m, stream, fallback = c.combine(ctx, mic)
	}

	if err := c.engine.StartRecording(stream); err != nil {
		if m != nil {
			m.Close()
		}
		stream.StopAll()
		mic.StopAll()
		return err
	}

	a := &active{
		session: c.engine.SessionID(),
		mixer:   m,
		done:    make(chan struct{}),
	}
	if tracks := stream.LiveAudioTracks(); len(tracks) > 0 {
		a.unsink = tracks[0].AddSink(c.meter)
	}
	c.mu.Lock()
	c.cur = a
	c.fallback = fallback
	c.mu.Unlock()

	if fallback != nil {
		c.notify(Notice{Type: NoticeFallback, Err: fallback})
	}
	if m != nil {
		go c.watchSystem(m, a.done)
	}
	return nil
}

// combine captures system audio and mixes it with mic. On failure it
// returns mic unchanged and the reason.
func (c *Coordinator) combine(ctx context.Context, mic *audio.Stream) (*mixer.Mixer, *audio.Stream, error) {
	m := mixer.New(c.actx, c.cfg.Mixer)
	sys, err := m.CaptureSystem(ctx)
	if err == nil {
		var mixed *audio.Stream
		mixed, err = m.Combine(mic, sys)
		if err == nil {
			return m, mixed, nil
		}
		sys.StopAll()
	}
	log.Warnf("system audio unavailable, recording microphone only: %v", err)
	return nil, mic, err
}

func (c *Coordinator) watchSystem(m *mixer.Mixer, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-m.SystemEnded():
	}
	c.notify(Notice{Type: NoticeSystemAudioEnded})
	if c.cfg.SystemAudioPolicy != PolicyStop {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
	defer cancel()
	out, err := c.Stop(ctx)
	if out.Result.SessionID == "" && err == nil {
		return
	}
	c.notify(Notice{Type: NoticeAutoStopped, Err: err, Outcome: &out})
}

// Stop finishes the recording and saves it. An empty recording is returned
// without saving. A recording that already stopped on its own returns the
// outcome of its save.
func (c *Coordinator) Stop(ctx context.Context) (Outcome, error) {
	res, err := c.engine.StopRecording(ctx)
	c.teardown()
	if err != nil {
		return Outcome{Result: res}, err
	}
	return c.persist(ctx, res)
}

func (c *Coordinator) Pause() bool { return c.engine.PauseRecording() }

func (c *Coordinator) Resume() bool { return c.engine.ResumeRecording() }

func (c *Coordinator) State() recorder.State { return c.engine.State() }

func (c *Coordinator) teardown() {
	c.mu.Lock()
	a := c.cur
	c.cur = nil
	c.mu.Unlock()
	c.release(a)
}

func (c *Coordinator) release(a *active) {
	if a == nil {
		return
	}
	if a.unsink != nil {
		a.unsink()
	}
	close(a.done)
	if a.mixer != nil {
		a.mixer.Close()
	}
	c.level.Store(0)
}

// persist saves res once per session; concurrent and later callers share
// the first save.
func (c *Coordinator) persist(ctx context.Context, res recorder.Result) (Outcome, error) {
	if res.Empty || res.Blob == nil {
		return Outcome{Result: res}, nil
	}

	c.mu.Lock()
	if call := c.lastSave; call != nil && call.session == res.SessionID {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.out, call.err
		case <-ctx.Done():
			return Outcome{Result: res}, ctx.Err()
		}
	}
	call := &saveCall{session: res.SessionID, done: make(chan struct{})}
	c.lastSave = call
	c.mu.Unlock()

	receipt, err := c.saver.Save(ctx, res.Blob, res.DurationMs())
	if err != nil {
		log.Errorf("saving recording %s failed: %v", res.SessionID, err)
	}
	call.out = Outcome{Result: res, Receipt: receipt, SaveErr: err}
	call.err = err
	close(call.done)
	return call.out, err
}

func (c *Coordinator) onEvent(ev recorder.Event) {
	if ev.Type != recorder.EventStopped || !errors.Is(ev.Err, recorder.ErrStreamEnded) || ev.Result == nil {
		return
	}
	res := *ev.Result
	c.mu.Lock()
	var a *active
	if c.cur != nil && c.cur.session == ev.SessionID {
		a, c.cur = c.cur, nil
	}
	c.mu.Unlock()
	go func() {
		c.release(a)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
		defer cancel()
		out, err := c.persist(ctx, res)
		c.notify(Notice{Type: NoticeAutoStopped, Err: err, Outcome: &out})
	}()
}

func (c *Coordinator) notify(n Notice) {
	c.mu.Lock()
	fns := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}
