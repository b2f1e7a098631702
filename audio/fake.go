package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

const fakeFrameSize = 1024

// FakeContext is a scripted Context for tests and demo runs. Streams are fed
// manually through the FakeSource handles, or from a WAV file when one was
// loaded with NewFakeContextFromWAV.
type FakeContext struct {
	mu          sync.Mutex
	devices     []DeviceInfo
	devicesErr  error
	permission  Permission
	micErrs     []error
	systemErrs  []error
	micGate     <-chan struct{}
	systemVideo bool
	systemAudio bool
	pcm         []byte
	micCalls    int
	sysCalls    int
	sources     []*FakeSource
}

// FakeSource is the producer side of a fake track.
type FakeSource struct {
	Track *Track
	stop  chan struct{}
	once  sync.Once
}

func NewFakeContext(devices ...DeviceInfo) *FakeContext {
	return &FakeContext{
		devices:     devices,
		permission:  PermissionGranted,
		systemAudio: true,
	}
}

// NewFakeContextFromWAV plays the PCM payload of a 16-bit mono WAV file in
// real time on every microphone stream, then continues with silence.
func NewFakeContextFromWAV(wavPath string) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	f := NewFakeContext(DeviceInfo{ID: "fake", Name: "fake (" + wavPath + ")", IsDefault: true})
	f.pcm = data
	return f, nil
}

func (f *FakeContext) SetDevices(devices ...DeviceInfo) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()
}

func (f *FakeContext) SetDevicesError(err error) {
	f.mu.Lock()
	f.devicesErr = err
	f.mu.Unlock()
}

func (f *FakeContext) SetPermission(p Permission) {
	f.mu.Lock()
	f.permission = p
	f.mu.Unlock()
}

// FailMic queues errors returned by successive OpenMic calls.
func (f *FakeContext) FailMic(errs ...error) {
	f.mu.Lock()
	f.micErrs = append(f.micErrs, errs...)
	f.mu.Unlock()
}

func (f *FakeContext) FailSystem(errs ...error) {
	f.mu.Lock()
	f.systemErrs = append(f.systemErrs, errs...)
	f.mu.Unlock()
}

// GateMic makes OpenMic block until gate is closed, ignoring its context, the
// way a hung platform dialog would.
func (f *FakeContext) GateMic(gate <-chan struct{}) {
	f.mu.Lock()
	f.micGate = gate
	f.mu.Unlock()
}

// SystemTracks controls which tracks OpenSystem returns.
func (f *FakeContext) SystemTracks(withAudio, withVideo bool) {
	f.mu.Lock()
	f.systemAudio = withAudio
	f.systemVideo = withVideo
	f.mu.Unlock()
}

func (f *FakeContext) MicCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.micCalls
}

func (f *FakeContext) SystemCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sysCalls
}

// Sources returns every source created so far, in creation order.
func (f *FakeContext) Sources() []*FakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeSource, len(f.sources))
	copy(out, f.sources)
	return out
}

// LastSource returns the most recent source of the given kind.
func (f *FakeContext) LastSource(kind Kind) *FakeSource {
	srcs := f.Sources()
	for i := len(srcs) - 1; i >= 0; i-- {
		if srcs[i].Track.Kind() == kind {
			return srcs[i]
		}
	}
	return nil
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	if f.permission == PermissionDenied {
		return nil, fmt.Errorf("fake devices: %w", ErrPermissionDenied)
	}
	out := make([]DeviceInfo, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *FakeContext) QueryPermission() (Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permission, nil
}

func (f *FakeContext) OpenMic(ctx context.Context, device *DeviceInfo, format Format) (*Stream, error) {
	f.mu.Lock()
	f.micCalls++
	gate := f.micGate
	var err error
	if len(f.micErrs) > 0 {
		err = f.micErrs[0]
		f.micErrs = f.micErrs[1:]
	}
	denied := f.permission == PermissionDenied
	f.mu.Unlock()

	if gate != nil {
		<-gate
	} else if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, cerr)
	}
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			f.SetPermission(PermissionDenied)
		}
		return nil, err
	}
	if denied {
		return nil, fmt.Errorf("fake mic: %w", ErrPermissionDenied)
	}

	label := "fake mic"
	if device != nil {
		found := false
		for _, d := range f.deviceList() {
			if d.ID == device.ID {
				found = true
				label = d.Name
			}
		}
		if !found {
			return nil, fmt.Errorf("fake mic %q: %w", device.ID, ErrDeviceNotFound)
		}
	}

	f.mu.Lock()
	if f.permission != PermissionDenied {
		f.permission = PermissionGranted
	}
	pcm := f.pcm
	f.mu.Unlock()

	src := f.newSource(KindAudio, label, format)
	if pcm != nil {
		go src.play(pcm, format)
	}
	return NewStream(src.Track), nil
}

func (f *FakeContext) OpenSystem(ctx context.Context, format Format) (*Stream, error) {
	f.mu.Lock()
	f.sysCalls++
	var err error
	if len(f.systemErrs) > 0 {
		err = f.systemErrs[0]
		f.systemErrs = f.systemErrs[1:]
	}
	withAudio, withVideo := f.systemAudio, f.systemVideo
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, cerr)
	}

	stream := NewStream()
	if withVideo {
		stream.AddTrack(f.newSource(KindVideo, "fake screen", Format{}).Track)
	}
	if withAudio {
		stream.AddTrack(f.newSource(KindAudio, "fake system audio", format).Track)
	}
	return stream, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) deviceList() []DeviceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *FakeContext) newSource(kind Kind, label string, format Format) *FakeSource {
	src := &FakeSource{stop: make(chan struct{})}
	src.Track = NewTrack(kind, label, format, func() {
		src.once.Do(func() { close(src.stop) })
	})
	f.mu.Lock()
	f.sources = append(f.sources, src)
	f.mu.Unlock()
	return src
}

// Feed delivers samples synchronously to the track's sinks.
func (s *FakeSource) Feed(samples []int16) {
	channels := max(s.Track.Format().Channels, 1)
	s.Track.Deliver(PCMBytes(samples), uint32(len(samples))/channels)
}

// End simulates the platform ending the track.
func (s *FakeSource) End() { s.Track.End() }

func (s *FakeSource) play(pcm []byte, format Format) {
	rate := format.SampleRate
	if rate == 0 {
		rate = 16000
	}
	chunkBytes := fakeFrameSize * 2
	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(rate)
	silence := make([]byte, chunkBytes)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if pos < len(pcm) {
			end := min(pos+chunkBytes, len(pcm))
			chunk := make([]byte, end-pos)
			copy(chunk, pcm[pos:end])
			s.Track.Deliver(chunk, uint32(len(chunk)/2))
			pos = end
			continue
		}
		s.Track.Deliver(silence, fakeFrameSize)
	}
}
