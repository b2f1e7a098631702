package mixer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"meetrec/audio"
)

var linear = CompressorConfig{Ratio: 1}

type capture struct {
	mu      sync.Mutex
	samples []int16
}

func (c *capture) sink(data []byte, _ uint32) {
	c.mu.Lock()
	c.samples = append(c.samples, audio.Samples(data)...)
	c.mu.Unlock()
}

func (c *capture) take() []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.samples
	c.samples = nil
	return out
}

func filled(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

type rig struct {
	fake   *audio.FakeContext
	mixer  *Mixer
	mic    *audio.FakeSource
	system *audio.FakeSource
	out    *audio.Stream
	got    *capture
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	fake := audio.NewFakeContext(audio.DeviceInfo{ID: "mic", Name: "Mic", IsDefault: true})
	m := New(fake, cfg)

	micStream, err := fake.OpenMic(context.Background(), nil, m.cfg.Format)
	if err != nil {
		t.Fatal(err)
	}
	mic := fake.LastSource(audio.KindAudio)
	if _, err := m.CaptureSystem(context.Background()); err != nil {
		t.Fatal(err)
	}
	system := fake.LastSource(audio.KindAudio)

	out, err := m.Combine(micStream, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := &capture{}
	out.AudioTracks()[0].AddSink(got.sink)
	return &rig{fake: fake, mixer: m, mic: mic, system: system, out: out, got: got}
}

func TestCaptureSystemDropsVideo(t *testing.T) {
	fake := audio.NewFakeContext()
	fake.SystemTracks(true, true)
	m := New(fake, Config{})

	s, err := m.CaptureSystem(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.VideoTracks()) != 0 || len(s.AudioTracks()) != 1 {
		t.Errorf("tracks = %d video, %d audio", len(s.VideoTracks()), len(s.AudioTracks()))
	}
	if fake.LastSource(audio.KindVideo).Track.Live() {
		t.Error("video track left live")
	}
}

func TestCaptureSystemWithoutAudio(t *testing.T) {
	fake := audio.NewFakeContext()
	fake.SystemTracks(false, true)
	m := New(fake, Config{})

	_, err := m.CaptureSystem(context.Background())
	if !errors.Is(err, ErrNoSystemAudioTrack) {
		t.Fatalf("err = %v, want ErrNoSystemAudioTrack", err)
	}
	if fake.LastSource(audio.KindVideo).Track.Live() {
		t.Error("video track left live")
	}
}

func TestCaptureSystemDenied(t *testing.T) {
	fake := audio.NewFakeContext()
	fake.FailSystem(audio.ErrPermissionDenied)
	m := New(fake, Config{})

	_, err := m.CaptureSystem(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) || errors.Is(err, ErrNoSystemAudioTrack) {
		t.Fatalf("err = %v, want a permission error distinct from ErrNoSystemAudioTrack", err)
	}
}

func TestCombineAppliesGains(t *testing.T) {
	r := newRig(t, Config{Compressor: linear})

	r.system.Feed(filled(4, 1000))
	r.mic.Feed(filled(6, 1000))

	got := r.got.take()
	want := []int16{1700, 1700, 1700, 1700, 1000, 1000}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSystemQueueIsBounded(t *testing.T) {
	r := newRig(t, Config{Compressor: linear, QueueLimit: 4})

	r.system.Feed([]int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	r.mic.Feed(filled(4, 0))

	got := r.got.take()
	want := []int16{5, 6, 6, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d (0.7 × newest system samples)", i, got[i], want[i])
		}
	}
}

func TestCompressorLimitsLoudMix(t *testing.T) {
	r := newRig(t, Config{})

	r.system.Feed(filled(1600, 30000))
	r.mic.Feed(filled(1600, 30000))

	got := r.got.take()
	last := got[len(got)-1]
	if last >= 32767 || last <= 0 {
		t.Errorf("compressed sample = %d, want below full scale", last)
	}
}

func TestSystemEndKeepsMicFlowing(t *testing.T) {
	r := newRig(t, Config{Compressor: linear})
	r.system.Feed(filled(8, 1000))

	r.system.End()
	select {
	case <-r.mixer.SystemEnded():
	default:
		t.Fatal("SystemEnded not signalled within the end notification")
	}
	if r.mixer.SystemActive() {
		t.Error("system still reported active")
	}

	r.mic.Feed(filled(4, 500))
	got := r.got.take()
	for i, s := range got {
		if s != 500 {
			t.Errorf("sample %d = %d, want mic only", i, s)
		}
	}
	if !r.out.Active() {
		t.Error("mixed track ended with the system track")
	}
}

func TestStoppingOutputClosesGraph(t *testing.T) {
	r := newRig(t, Config{})

	r.out.StopAll()
	if r.mic.Track.Live() || r.system.Track.Live() {
		t.Error("source tracks left live after output stopped")
	}
	r.mixer.Close()
	if _, err := r.mixer.Combine(audio.NewStream(), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Combine after close err = %v", err)
	}
}

func TestMicEndEndsOutput(t *testing.T) {
	r := newRig(t, Config{})
	ended := false
	r.out.AudioTracks()[0].OnEnded(func() { ended = true })

	r.mic.End()
	if !ended {
		t.Error("output track did not report an external end")
	}
	if r.system.Track.Live() {
		t.Error("system track left live after mic ended")
	}
}

func TestStaticReduction(t *testing.T) {
	c := newCompressor(DefaultCompressor, 16000)
	if got := c.staticReduction(-80); got != 0 {
		t.Errorf("reduction well below threshold = %v", got)
	}
	quiet, loud := c.staticReduction(-20), c.staticReduction(0)
	if !(quiet > 0 && loud > quiet) {
		t.Errorf("reduction not increasing: -20dB→%v, 0dB→%v", quiet, loud)
	}
}
