package mixer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"meetrec/audio"
	"meetrec/encoder"
	"meetrec/log"
)

var (
	ErrNoSystemAudioTrack = errors.New("no audio track in shared source")
	ErrNoMicrophoneTrack  = errors.New("microphone stream has no live audio track")
	ErrClosed             = errors.New("mixer closed")
)

type Config struct {
	MicGain    float64
	SystemGain float64
	Compressor CompressorConfig
	// Format of the mixed output track; always mono.
	Format audio.Format
	// QueueLimit bounds buffered system samples awaiting a mic frame.
	QueueLimit int
}

func (c *Config) setDefaults() {
	if c.MicGain == 0 {
		c.MicGain = 1.0
	}
	if c.SystemGain == 0 {
		c.SystemGain = 0.7
	}
	if c.Compressor == (CompressorConfig{}) {
		c.Compressor = DefaultCompressor
	}
	if c.Format.SampleRate == 0 {
		c.Format.SampleRate = encoder.SampleRate
	}
	c.Format.Channels = 1
	if c.QueueLimit <= 0 {
		c.QueueLimit = int(c.Format.SampleRate)
	}
}

// Mixer combines the microphone with captured system audio into a single
// mono track: per-source gain, sum, compressor. The mic drives the output
// clock; system samples are queued until mic frames consume them.
type Mixer struct {
	actx audio.Context
	cfg  Config

	mu       sync.Mutex
	system   *audio.Stream
	mic      *audio.Track
	sysTrack *audio.Track
	out      *audio.Track
	queue    []int16
	comp     *compressor
	detach   []func()
	sysStop  []func()
	closed   bool

	sysEnded   chan struct{}
	sysEndOnce sync.Once
}

func New(actx audio.Context, cfg Config) *Mixer {
	cfg.setDefaults()
	return &Mixer{
		actx:     actx,
		cfg:      cfg,
		comp:     newCompressor(cfg.Compressor, cfg.Format.SampleRate),
		sysEnded: make(chan struct{}),
	}
}

// CaptureSystem opens the system-audio source. Incidental video tracks are
// stopped and removed.
func (m *Mixer) CaptureSystem(ctx context.Context) (*audio.Stream, error) {
	s, err := m.actx.OpenSystem(ctx, m.cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("capture system audio: %w", err)
	}
	for _, v := range s.VideoTracks() {
		v.Stop()
		s.RemoveTrack(v)
	}
	if len(s.LiveAudioTracks()) == 0 {
		s.StopAll()
		return nil, ErrNoSystemAudioTrack
	}
	m.mu.Lock()
	m.system = s
	m.mu.Unlock()
	return s, nil
}

// Combine wires mic and system into the graph and returns a stream holding
// the mixed track. A nil system uses the stream from CaptureSystem. Stopping
// the mixed track closes the mixer.
func (m *Mixer) Combine(mic, system *audio.Stream) (*audio.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if system == nil {
		system = m.system
	}
	if mic == nil || len(mic.LiveAudioTracks()) == 0 {
		return nil, ErrNoMicrophoneTrack
	}
	if system == nil || len(system.LiveAudioTracks()) == 0 {
		return nil, ErrNoSystemAudioTrack
	}

	m.system = system
	m.mic = mic.LiveAudioTracks()[0]
	m.sysTrack = system.LiveAudioTracks()[0]
	m.out = audio.NewTrack(audio.KindAudio, "mixed", m.cfg.Format, m.Close)

	m.detach = append(m.detach,
		m.mic.AddSink(m.onMic),
		m.mic.OnEnded(m.micEnded),
	)
	m.sysStop = append(m.sysStop,
		m.sysTrack.AddSink(m.onSystem),
		m.sysTrack.OnEnded(m.systemEnded),
	)
	return audio.NewStream(m.out), nil
}

// SystemEnded is closed when the system-audio track ends externally.
func (m *Mixer) SystemEnded() <-chan struct{} { return m.sysEnded }

// SystemActive reports whether system audio still feeds the mix.
func (m *Mixer) SystemActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sysTrack != nil && m.sysTrack.Live() && !m.closed
}

// Close tears the graph down and stops both source tracks. It is safe to
// call more than once.
func (m *Mixer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	fns := append(m.detach, m.sysStop...)
	m.detach, m.sysStop = nil, nil
	mic, sys, out, system := m.mic, m.sysTrack, m.out, m.system
	m.queue = nil
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	if mic != nil {
		mic.Stop()
	}
	if sys != nil {
		sys.Stop()
	}
	if system != nil {
		system.StopAll()
	}
	if out != nil {
		out.Stop()
	}
}

func (m *Mixer) onSystem(data []byte, _ uint32) {
	samples := audio.Samples(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.sysTrack == nil {
		return
	}
	if m.sysTrack.Format().Channels == 2 {
		samples = downmix(samples)
	}
	m.queue = append(m.queue, samples...)
	if over := len(m.queue) - m.cfg.QueueLimit; over > 0 {
		m.queue = m.queue[over:]
	}
}

func (m *Mixer) onMic(data []byte, _ uint32) {
	samples := audio.Samples(data)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.mic.Format().Channels == 2 {
		samples = downmix(samples)
	}
	n := min(len(samples), len(m.queue))
	sys := m.queue[:n]
	m.queue = m.queue[n:]

	mixed := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) / 32768 * m.cfg.MicGain
		if i < len(sys) {
			v += float64(sys[i]) / 32768 * m.cfg.SystemGain
		}
		mixed[i] = toInt16(m.comp.process(v))
	}
	out := m.out
	m.mu.Unlock()

	out.Deliver(audio.PCMBytes(mixed), uint32(len(mixed)))
}

// micEnded ends the mixed track, which in turn closes the graph.
func (m *Mixer) micEnded() {
	log.Warn("microphone ended, closing mixer")
	m.mu.Lock()
	out := m.out
	m.mu.Unlock()
	if out != nil {
		out.End()
	}
}

func (m *Mixer) systemEnded() {
	m.mu.Lock()
	fns := m.sysStop
	m.sysStop = nil
	m.queue = nil
	system := m.system
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	if system != nil {
		system.StopAll()
	}
	log.Warn("system audio ended, continuing with microphone only")
	m.sysEndOnce.Do(func() { close(m.sysEnded) })
}

func downmix(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int32(stereo[2*i]) + int32(stereo[2*i+1])) / 2)
	}
	return mono
}

func toInt16(v float64) int16 {
	v = math.Round(v * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
