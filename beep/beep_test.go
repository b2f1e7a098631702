package beep

import (
	"testing"

	"meetrec/recorder"
)

func TestObserverMapsLifecycleEvents(t *testing.T) {
	var got []Cue
	obs := Observer(PlayerFunc(func(c Cue) { got = append(got, c) }))

	for _, typ := range []recorder.EventType{
		recorder.EventStarted,
		recorder.EventDataAvailable,
		recorder.EventPaused,
		recorder.EventResumed,
		recorder.EventStopped,
		recorder.EventError,
	} {
		obs.Notify(recorder.Event{Type: typ})
	}

	want := []Cue{CueStart, CueEnd, CueError}
	if len(got) != len(want) {
		t.Fatalf("cues = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cue %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCueSamples(t *testing.T) {
	s := cueSamples(0.2, 2)
	if n := len(s[CueStart]); n != int(sampleRate*0.2)*2 {
		t.Errorf("start cue has %d samples", n)
	}
	if s[CueStart][0] != 0 || s[CueStart][0] != s[CueStart][1] {
		t.Error("stereo channels differ or cue does not start at zero crossing")
	}
	beep := int(sampleRate * 0.08)
	gap := int(sampleRate * 0.05)
	if n := len(s[CueError]); n != (2*beep+gap)*2 {
		t.Errorf("error cue has %d samples", n)
	}
	for i := beep * 2; i < (beep+gap)*2; i++ {
		if s[CueError][i] != 0 {
			t.Fatalf("gap not silent at %d", i)
		}
	}
}
