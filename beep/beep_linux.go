//go:build linux

package beep

import (
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"meetrec/log"
)

var (
	samples   map[Cue][]int16
	soundOnce sync.Once
)

func initSound() {
	samples = cueSamples(0.2, 2)
}

// System plays cues on the default PulseAudio sink.
type System struct{}

func Init() {
	soundOnce.Do(initSound)
}

func (System) Play(c Cue) {
	if Disabled() {
		return
	}
	soundOnce.Do(initSound)
	go playSamples(samples[c])
}

func playSamples(s []int16) {
	if len(s) == 0 {
		return
	}
	c, err := pulse.NewClient()
	if err != nil {
		log.Warnf("beep: pulse connect: %v", err)
		return
	}
	defer c.Close()

	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if pos >= len(s) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, s[pos:])
		pos += n
		return n, nil
	})
	stream, err := c.NewPlayback(reader,
		pulse.PlaybackStereo,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
			p.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm), uint32(proto.VolumeNorm)}
		}),
	)
	if err != nil {
		log.Warnf("beep: playback: %v", err)
		return
	}
	stream.Start()
	stream.Drain()
	stream.Stop()
	stream.Close()
}
