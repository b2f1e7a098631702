package recorder

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"meetrec/audio"
	"meetrec/encoder"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func watchEvents(e *Engine) *eventLog {
	l := &eventLog{ch: make(chan Event, 256)}
	e.Hub().Subscribe(ObserverFunc(func(ev Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		l.ch <- ev
	}))
	return l
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) count(typ EventType) int {
	n := 0
	for _, got := range l.types() {
		if got == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event; saw %v", typ, l.types())
			return Event{}
		}
	}
}

type harness struct {
	engine *Engine
	clock  *clock.Mock
	fake   *audio.FakeContext
	events *eventLog
}

func newHarness(t *testing.T, opts ...encoder.Option) *harness {
	t.Helper()
	mock := clock.NewMock()
	e := New(Config{
		MIMEPreferences: []string{encoder.MIMEWav},
		Timeslice:       time.Second,
		Clock:           mock,
		RecorderOptions: opts,
	})
	return &harness{
		engine: e,
		clock:  mock,
		fake:   audio.NewFakeContext(audio.DeviceInfo{ID: "mic", Name: "Mic", IsDefault: true}),
		events: watchEvents(e),
	}
}

func (h *harness) mic(t *testing.T) (*audio.Stream, *audio.FakeSource) {
	t.Helper()
	s, err := h.fake.OpenMic(context.Background(), nil, audio.Format{SampleRate: encoder.SampleRate, Channels: encoder.Channels})
	if err != nil {
		t.Fatal(err)
	}
	return s, h.fake.LastSource(audio.KindAudio)
}

func (h *harness) start(t *testing.T) *audio.FakeSource {
	t.Helper()
	s, src := h.mic(t)
	if err := h.engine.StartRecording(s); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	return src
}

func (h *harness) stop(t *testing.T) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.engine.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	return res
}

func TestEngineDurationExcludesPause(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.clock.Add(2 * time.Second)
	if !h.engine.PauseRecording() {
		t.Fatal("pause refused")
	}
	h.clock.Add(5 * time.Second)
	if !h.engine.ResumeRecording() {
		t.Fatal("resume refused")
	}
	h.clock.Add(3 * time.Second)

	res := h.stop(t)
	if res.Stats.Duration != 5*time.Second {
		t.Errorf("duration = %v, want 5s", res.Stats.Duration)
	}
	if h.engine.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.engine.State())
	}
}

func TestEngineBlobIsConcatenationOfChunks(t *testing.T) {
	h := newHarness(t)
	src := h.start(t)

	src.Feed(make([]int16, encoder.BlockSize))
	h.clock.Add(time.Second)
	h.events.wait(t, EventDataAvailable)
	src.Feed(make([]int16, 100))

	res := h.stop(t)
	if res.Empty || res.Blob == nil {
		t.Fatal("expected a non-empty result")
	}

	var chunks bytes.Buffer
	h.events.mu.Lock()
	for _, ev := range h.events.events {
		if ev.Type == EventDataAvailable {
			chunks.Write(ev.Chunk)
		}
	}
	h.events.mu.Unlock()
	if !bytes.Equal(chunks.Bytes(), res.Blob.Data) {
		t.Errorf("blob (%d bytes) differs from delivered chunks (%d bytes)", len(res.Blob.Data), chunks.Len())
	}
	if want := audio.WAVHeaderSize + (encoder.BlockSize+100)*2; res.Blob.Size() != want {
		t.Errorf("blob size = %d, want %d", res.Blob.Size(), want)
	}
	if res.Stats.ChunkCount != h.events.count(EventDataAvailable) {
		t.Errorf("chunk count %d, events %d", res.Stats.ChunkCount, h.events.count(EventDataAvailable))
	}

	types := h.events.types()
	if types[0] != EventStarted || types[len(types)-1] != EventStopped {
		t.Errorf("event order = %v", types)
	}
}

func TestEngineEmptySession(t *testing.T) {
	h := newHarness(t)

	res := h.stop(t)
	if !res.Empty {
		t.Fatal("stop with nothing recorded should be empty")
	}

	h.start(t)
	res = h.stop(t)
	if !res.Empty || res.Blob != nil {
		t.Errorf("silent session: empty=%v blob=%v", res.Empty, res.Blob)
	}
	last, ok := h.engine.LastResult()
	if !ok || last.SessionID != res.SessionID {
		t.Error("LastResult does not match the stopped session")
	}

	again := h.stop(t)
	if again.SessionID != res.SessionID {
		t.Error("stop from idle should return the last result")
	}
}

func TestEngineRejectsSecondStart(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	s, _ := h.mic(t)
	if err := h.engine.StartRecording(s); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second start err = %v, want ErrAlreadyRecording", err)
	}
	h.engine.PauseRecording()
	if err := h.engine.StartRecording(s); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("start while paused err = %v, want ErrAlreadyRecording", err)
	}
	h.stop(t)
	if n := h.events.count(EventStarted); n != 1 {
		t.Errorf("started events = %d, want 1", n)
	}
}

func TestEngineNoAudioTrack(t *testing.T) {
	h := newHarness(t)
	video := audio.NewTrack(audio.KindVideo, "screen", audio.Format{}, nil)

	if err := h.engine.StartRecording(audio.NewStream(video)); !errors.Is(err, ErrNoAudioTrack) {
		t.Fatalf("err = %v, want ErrNoAudioTrack", err)
	}
	if err := h.engine.StartRecording(nil); !errors.Is(err, ErrNoAudioTrack) {
		t.Fatalf("nil stream err = %v, want ErrNoAudioTrack", err)
	}
	if h.engine.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.engine.State())
	}
	if n := len(h.events.types()); n != 0 {
		t.Errorf("published %d events for a rejected start", n)
	}
}

func TestEngineDropsVideoTracks(t *testing.T) {
	h := newHarness(t)
	h.fake.SystemTracks(true, true)
	s, err := h.fake.OpenSystem(context.Background(), audio.Format{SampleRate: encoder.SampleRate, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	video := s.VideoTracks()[0]

	if err := h.engine.StartRecording(s); err != nil {
		t.Fatal(err)
	}
	if len(s.VideoTracks()) != 0 {
		t.Error("video track still attached")
	}
	if video.Live() {
		t.Error("video track still live")
	}
	h.stop(t)
}

func TestEnginePauseResumeNoops(t *testing.T) {
	h := newHarness(t)
	if h.engine.PauseRecording() {
		t.Error("pause from idle accepted")
	}
	h.start(t)
	if h.engine.ResumeRecording() {
		t.Error("resume while recording accepted")
	}
	h.engine.PauseRecording()
	if h.engine.PauseRecording() {
		t.Error("second pause accepted")
	}
	if h.events.count(EventPaused) != 1 || h.events.count(EventResumed) != 0 {
		t.Errorf("events = %v", h.events.types())
	}
	h.stop(t)
}

func TestEngineTracksEndedAfterStop(t *testing.T) {
	h := newHarness(t)
	src := h.start(t)
	h.stop(t)
	if src.Track.Live() {
		t.Error("track still live after stop")
	}
}

func TestEngineStreamEndStopsAutomatically(t *testing.T) {
	h := newHarness(t)
	src := h.start(t)
	src.Feed(make([]int16, 500))

	src.End()
	ev := h.events.wait(t, EventStopped)
	if !errors.Is(ev.Err, ErrStreamEnded) {
		t.Errorf("stopped event err = %v, want ErrStreamEnded", ev.Err)
	}
	if ev.Result == nil || ev.Result.Reason != ReasonStreamEnded || ev.Result.Empty {
		t.Errorf("result = %+v", ev.Result)
	}
	if h.engine.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.engine.State())
	}
}

type brokenEncoder struct{ encoder.Encoder }

func (brokenEncoder) EncodeBlock([]int16) error { return errors.New("encoder exploded") }

func TestEngineStartFailure(t *testing.T) {
	calls := 0
	factory := func(mime string) (encoder.Encoder, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no codec")
		}
		return encoder.New(mime)
	}
	h := newHarness(t, encoder.WithEncoderFactory(factory))

	s, src := h.mic(t)
	err := h.engine.StartRecording(s)
	if phase, ok := FailedPhase(err); !ok || phase != PhaseStart {
		t.Fatalf("err = %v, want start-phase error", err)
	}
	if h.engine.State() != StateError {
		t.Errorf("state = %s, want error", h.engine.State())
	}
	if src.Track.Live() {
		t.Error("track left live after failed start")
	}
	if h.events.count(EventError) != 1 {
		t.Errorf("events = %v", h.events.types())
	}

	h.start(t)
	if h.engine.State() != StateRecording {
		t.Errorf("restart from error: state = %s", h.engine.State())
	}
	h.stop(t)
}

func TestEngineDataFailure(t *testing.T) {
	factory := func(string) (encoder.Encoder, error) { return brokenEncoder{encoder.NewWav()}, nil }
	h := newHarness(t, encoder.WithEncoderFactory(factory))
	src := h.start(t)

	src.Feed(make([]int16, encoder.BlockSize))
	h.clock.Add(time.Second)

	ev := h.events.wait(t, EventError)
	if phase, _ := FailedPhase(ev.Err); phase != PhaseData {
		t.Errorf("phase = %q, want data", phase)
	}
	if h.engine.State() != StateError {
		t.Errorf("state = %s, want error", h.engine.State())
	}
	if src.Track.Live() {
		t.Error("track left live after data failure")
	}
	if err := h.engine.Reset(); err != nil || h.engine.State() != StateIdle {
		t.Errorf("Reset: err=%v state=%s", err, h.engine.State())
	}
}

func TestEngineStopAfterDataFailureReportsFailedSession(t *testing.T) {
	calls := 0
	factory := func(mime string) (encoder.Encoder, error) {
		calls++
		if calls == 2 {
			return brokenEncoder{encoder.NewWav()}, nil
		}
		return encoder.New(mime)
	}
	h := newHarness(t, encoder.WithEncoderFactory(factory))

	src := h.start(t)
	src.Feed(make([]int16, 500))
	first := h.stop(t)
	if first.Empty {
		t.Fatal("first session recorded nothing")
	}

	src = h.start(t)
	id := h.engine.SessionID()
	src.Feed(make([]int16, encoder.BlockSize))
	h.clock.Add(time.Second)
	ev := h.events.wait(t, EventError)
	if ev.Result == nil || ev.Result.SessionID != id {
		t.Errorf("error event result = %+v, want session %s", ev.Result, id)
	}

	res, err := h.engine.StopRecording(context.Background())
	if phase, _ := FailedPhase(err); phase != PhaseData {
		t.Fatalf("stop err = %v, want data-phase error", err)
	}
	if res.SessionID != id || res.SessionID == first.SessionID {
		t.Errorf("stop returned session %s, want failed session %s", res.SessionID, id)
	}
	if h.engine.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.engine.State())
	}

	res, err = h.engine.StopRecording(context.Background())
	if err != nil || !res.Empty || res.SessionID == first.SessionID {
		t.Errorf("later stop = %+v, %v; want empty without the earlier session", res, err)
	}
}

type stuckEncoder struct {
	encoder.Encoder
	release chan struct{}
}

func (s stuckEncoder) Close() error {
	<-s.release
	return s.Encoder.Close()
}

func TestEngineFinalizeTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	e := New(Config{
		MIMEPreferences: []string{encoder.MIMEWav},
		Timeslice:       time.Hour,
		FinalizeTimeout: 50 * time.Millisecond,
		RecorderOptions: []encoder.Option{encoder.WithEncoderFactory(func(string) (encoder.Encoder, error) {
			return stuckEncoder{Encoder: encoder.NewWav(), release: release}, nil
		})},
	})
	f := audio.NewFakeContext()
	s, err := f.OpenMic(context.Background(), nil, audio.Format{SampleRate: encoder.SampleRate, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.StartRecording(s); err != nil {
		t.Fatal(err)
	}

	_, err = e.StopRecording(context.Background())
	if !errors.Is(err, ErrFinalizeTimeout) {
		t.Fatalf("err = %v, want ErrFinalizeTimeout", err)
	}
	if phase, _ := FailedPhase(err); phase != PhaseFinalize {
		t.Errorf("phase = %q, want finalize", phase)
	}
	if e.State() != StateError {
		t.Errorf("state = %s, want error", e.State())
	}
	if s.Active() {
		t.Error("stream still active after finalize timeout")
	}
}

func TestEngineDurationFrozenWhileFinalizing(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, encoder.WithEncoderFactory(func(string) (encoder.Encoder, error) {
		return stuckEncoder{Encoder: encoder.NewWav(), release: release}, nil
	}))
	src := h.start(t)
	src.Feed(make([]int16, 500))
	h.clock.Add(2 * time.Second)

	type stopped struct {
		res Result
		err error
	}
	done := make(chan stopped, 1)
	go func() {
		res, err := h.engine.StopRecording(context.Background())
		done <- stopped{res, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.engine.State() != StateStopping {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want stopping", h.engine.State())
		}
		time.Sleep(time.Millisecond)
	}

	h.clock.Add(3 * time.Second)
	if got := h.engine.Duration(); got != 2*time.Second {
		t.Errorf("duration while finalizing = %v, want 2s", got)
	}
	close(release)

	select {
	case s := <-done:
		if s.err != nil {
			t.Fatal(s.err)
		}
		if s.res.Stats.Duration != 2*time.Second {
			t.Errorf("final duration = %v, want 2s", s.res.Stats.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not finish")
	}
}

func TestEngineStopReturnsAfterStoppedDelivered(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var seen atomic.Bool
	h.engine.Hub().Subscribe(ObserverFunc(func(ev Event) {
		switch ev.Type {
		case EventPaused:
			close(entered)
			<-release
		case EventStopped:
			seen.Store(true)
		}
	}))
	h.start(t)

	go h.engine.PauseRecording()
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.StopRecording(context.Background())
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("stop returned while the stopped event was still queued")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not finish")
	}
	if !seen.Load() {
		t.Error("stop returned before observers saw the stopped event")
	}
}

func TestEngineConcurrentStops(t *testing.T) {
	h := newHarness(t)
	src := h.start(t)
	src.Feed(make([]int16, 2000))

	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			res, err := h.engine.StopRecording(ctx)
			if err != nil {
				t.Errorf("StopRecording: %v", err)
			}
			results[i] = res
		}()
	}
	wg.Wait()

	if results[0].Blob == nil || results[0].Blob != results[1].Blob {
		t.Error("concurrent stops returned different results")
	}
	if n := h.events.count(EventStopped); n != 1 {
		t.Errorf("stopped events = %d, want 1", n)
	}
}

func TestEngineObserverMayQueryState(t *testing.T) {
	h := newHarness(t)
	seen := make(chan State, 8)
	h.engine.Hub().Subscribe(ObserverFunc(func(ev Event) {
		if ev.Type == EventStarted || ev.Type == EventStopped {
			seen <- h.engine.State()
		}
	}))

	h.start(t)
	if got := <-seen; got != StateRecording {
		t.Errorf("state during started = %s", got)
	}
	h.stop(t)
	if got := <-seen; got != StateIdle {
		t.Errorf("state during stopped = %s", got)
	}
}
