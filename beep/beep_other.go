//go:build !linux

package beep

import (
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"meetrec/log"
)

var (
	malgoCtx  *malgo.AllocatedContext
	device    *malgo.Device
	samples   map[Cue][]byte
	soundOnce sync.Once

	// Playback state, read from the device callback.
	playing atomic.Pointer[[]byte]
	playPos atomic.Uint32
	playMu  sync.Mutex
)

func initDevice() error {
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = sampleRate

	var err error
	device, err = malgo.InitDevice(malgoCtx.Context, config, malgo.DeviceCallbacks{Data: dataCallback})
	return err
}

func initSound() {
	var err error
	malgoCtx, err = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Warnf("beep: malgo init: %v", err)
		return
	}

	samples = make(map[Cue][]byte)
	for c, s := range cueSamples(0.05, 1) {
		samples[c] = pcmBytes(s)
	}

	if err := initDevice(); err != nil {
		log.Warnf("beep: playback device: %v", err)
		malgoCtx.Uninit()
		malgoCtx = nil
	}
}

func pcmBytes(s []int16) []byte {
	buf := make([]byte, len(s)*2)
	for i, v := range s {
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return buf
}

func dataCallback(out, _ []byte, frameCount uint32) {
	s := playing.Load()
	pos := playPos.Load()
	var n uint32
	if s != nil {
		total := uint32(len(*s))
		n = min(frameCount*2, total-pos)
		copy(out[:n], (*s)[pos:pos+n])
		playPos.Store(pos + n)
		if pos+n >= total {
			playing.Store(nil)
		}
	}
	clear(out[n:])
}

// System plays cues on the default output device.
type System struct{}

func Init() {
	soundOnce.Do(initSound)
}

func (System) Play(c Cue) {
	if Disabled() {
		return
	}
	soundOnce.Do(initSound)
	go playBytes(samples[c])
}

func playBytes(s []byte) {
	if malgoCtx == nil || len(s) == 0 {
		return
	}

	playMu.Lock()
	defer playMu.Unlock()

	if device == nil {
		return
	}
	device.Stop()
	playPos.Store(0)
	playing.Store(&s)

	if err := device.Start(); err != nil {
		// Recreate the device; it goes stale across sleep/wake on macOS.
		device.Uninit()
		if err := initDevice(); err != nil {
			playing.Store(nil)
			return
		}
		if err := device.Start(); err != nil {
			playing.Store(nil)
		}
	}
}
