// Package beep plays short audible cues when a recording starts, stops or
// fails.
package beep

import (
	"math"
	"sync/atomic"

	"meetrec/recorder"
)

type Cue int

const (
	CueStart Cue = iota
	CueEnd
	CueError
)

const (
	sampleRate = 44100

	// Start: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

func Disabled() bool { return disabled.Load() }

// Player plays cues without blocking the caller.
type Player interface {
	Play(Cue)
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(Cue)

func (f PlayerFunc) Play(c Cue) { f(c) }

// Observer maps engine lifecycle events to cues. Data, pause and resume
// events are silent.
func Observer(p Player) recorder.Observer {
	return recorder.ObserverFunc(func(ev recorder.Event) {
		if Disabled() {
			return
		}
		switch ev.Type {
		case recorder.EventStarted:
			p.Play(CueStart)
		case recorder.EventStopped:
			p.Play(CueEnd)
		case recorder.EventError:
			p.Play(CueError)
		}
	})
}

// tick renders a decaying sine of the given length. channels > 1
// duplicates each sample across interleaved channels.
func tick(freq, seconds, volume, decay float64, channels int) []int16 {
	n := int(sampleRate * seconds)
	samples := make([]int16, n*channels)
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		s := int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
		for c := 0; c < channels; c++ {
			samples[i*channels+c] = s
		}
	}
	return samples
}

func doubleBeep(freq, beepDur, gapDur, volume, decay float64, channels int) []int16 {
	b := tick(freq, beepDur, volume, decay, channels)
	gap := make([]int16, int(sampleRate*gapDur)*channels)
	result := make([]int16, 0, len(b)*2+len(gap))
	result = append(result, b...)
	result = append(result, gap...)
	result = append(result, b...)
	return result
}

// cueSamples renders the three cues. tail is the length of single ticks;
// pulse needs a longer tail to fill its buffer.
func cueSamples(tail float64, channels int) map[Cue][]int16 {
	return map[Cue][]int16{
		CueStart: tick(startFreq, tail, startVolume, startDecay, channels),
		CueEnd:   tick(endFreq, tail, endVolume, endDecay, channels),
		CueError: doubleBeep(errorFreq, 0.08, 0.05, errorVolume, errorDecay, channels),
	}
}
