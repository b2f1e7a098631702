package doctor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meetrec/audio"
	"meetrec/device"
	"meetrec/encoder"
	"meetrec/recorder"
)

func fakeEnv(t *testing.T, fake *audio.FakeContext) Env {
	t.Helper()
	return Env{
		Audio:   fake,
		Devices: device.New(fake, device.Config{}),
		Engine:  recorder.Config{MIMEPreferences: []string{encoder.MIMEWav}},
		SaveDir: filepath.Join(t.TempDir(), "recordings"),
	}
}

func run(t *testing.T, env Env) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := Run(context.Background(), env, &out)
	return code, out.String()
}

func TestRunPassesWithFakeBackend(t *testing.T) {
	env := fakeEnv(t, audio.NewFakeContext(audio.DeviceInfo{ID: "mic", Name: "Desk Mic", IsDefault: true}))

	code, out := run(t, env)
	if code != 0 {
		t.Fatalf("exit code %d:\n%s", code, out)
	}
	for _, want := range []string{"PASS: 1 device(s), using \"Desk Mic\"", "PASS: audio/wav"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(env.SaveDir); err != nil {
		t.Errorf("save dir not created: %v", err)
	}
}

func TestRunFailsWithoutBackend(t *testing.T) {
	env := fakeEnv(t, audio.NewFakeContext())
	env.Audio = nil
	env.AudioErr = errors.New("connection refused")
	env.SystemAudio = true

	code, out := run(t, env)
	if code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(out, "FAIL: cannot connect to audio: connection refused") {
		t.Errorf("output:\n%s", out)
	}
	if !strings.Contains(out, "SKIP: earlier check failed") || !strings.Contains(out, "SKIP: no audio backend") {
		t.Errorf("later checks not skipped:\n%s", out)
	}
}

func TestRunReportsDenial(t *testing.T) {
	fake := audio.NewFakeContext(audio.DeviceInfo{ID: "mic", Name: "Mic"})
	fake.SetPermission(audio.PermissionDenied)

	code, out := run(t, fakeEnv(t, fake))
	if code != 1 || !strings.Contains(out, device.KindDenied.Message()) {
		t.Fatalf("exit code %d:\n%s", code, out)
	}
}

func TestRunNoDevices(t *testing.T) {
	code, out := run(t, fakeEnv(t, audio.NewFakeContext()))
	if code != 1 || !strings.Contains(out, device.KindNotFound.Message()) {
		t.Fatalf("exit code %d:\n%s", code, out)
	}
}

func TestTestRecording(t *testing.T) {
	wav := filepath.Join(t.TempDir(), "silence.wav")
	if err := os.WriteFile(wav, make([]byte, audio.WAVHeaderSize+3200), 0o644); err != nil {
		t.Fatal(err)
	}
	fake, err := audio.NewFakeContextFromWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	env := fakeEnv(t, fake)
	env.SampleFor = 300 * time.Millisecond

	msg, err := env.checkRecording(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "audio/wav") || !strings.Contains(msg, "silent") {
		t.Errorf("message = %q", msg)
	}
	for _, src := range fake.Sources() {
		if src.Track.Live() {
			t.Error("test recording left the microphone live")
		}
	}
}

func TestPeakDB(t *testing.T) {
	data := make([]byte, audio.WAVHeaderSize)
	data = append(data, audio.PCMBytes([]int16{0, -16384, 100})...)
	if got := peakDB(data); got > -5.9 || got < -6.1 {
		t.Errorf("peak = %.2f dBFS, want about -6", got)
	}
}
