// Package doctor runs the checks behind `meetrec doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"meetrec/audio"
	"meetrec/clipboard"
	"meetrec/device"
	"meetrec/encoder"
	"meetrec/hotkey"
	"meetrec/mixer"
	"meetrec/recorder"
)

// errSkipped marks a check that could not run because an earlier one failed.
var errSkipped = errors.New("skipped")

type Env struct {
	// Audio is the backend under test; AudioErr is why it could not be
	// created.
	Audio    audio.Context
	AudioErr error
	Devices  *device.Manager
	Engine   recorder.Config
	SaveDir  string
	// SampleFor is the length of the test recording; zero skips it.
	SampleFor   time.Duration
	SystemAudio bool
	// Interactive waits for the global shortcut to be pressed.
	Interactive bool
}

type Check struct {
	Name string
	// Optional failures are reported as warnings and do not fail the run.
	Optional bool
	Run      func(ctx context.Context) (string, error)
}

// Checks lists the checks for env in the order they run.
func Checks(env Env) []Check {
	checks := []Check{
		{Name: "Audio backend", Run: env.checkBackend},
		{Name: "Microphone permission", Run: env.checkPermission},
		{Name: "Capture devices", Run: env.checkDevices},
		{Name: "Encoder", Run: env.checkEncoder},
		{Name: "Save directory", Run: env.checkSaveDir},
	}
	if env.SampleFor > 0 {
		checks = append(checks, Check{Name: "Test recording", Run: env.checkRecording})
	}
	if env.SystemAudio {
		checks = append(checks, Check{Name: "System audio", Optional: true, Run: env.checkSystemAudio})
	}
	checks = append(checks,
		Check{Name: "Global shortcut", Optional: true, Run: env.checkHotkey},
		Check{Name: "Clipboard", Optional: true, Run: checkClipboard},
	)
	return checks
}

// Run executes the checks, printing one line per result, and returns an
// exit code (0 = all required checks pass).
func Run(ctx context.Context, env Env, out io.Writer) int {
	fmt.Fprintln(out, "meetrec doctor - system diagnostics")
	fmt.Fprintln(out, "===================================")

	checks := Checks(env)
	failed := false
	for i, c := range checks {
		fmt.Fprintf(out, "\n[%d/%d] %s\n", i+1, len(checks), c.Name)
		if failed && !c.Optional {
			fmt.Fprintln(out, "  SKIP: earlier check failed")
			continue
		}
		msg, err := c.Run(ctx)
		switch {
		case errors.Is(err, errSkipped):
			fmt.Fprintf(out, "  SKIP: %s\n", msg)
		case err != nil && c.Optional:
			fmt.Fprintf(out, "  WARN: %v\n", err)
		case err != nil:
			fmt.Fprintf(out, "  FAIL: %v\n", err)
			failed = true
		default:
			fmt.Fprintf(out, "  PASS: %s\n", msg)
		}
	}

	fmt.Fprintln(out)
	if failed {
		fmt.Fprintln(out, "Some checks failed. See details above.")
		return 1
	}
	fmt.Fprintln(out, "All checks passed!")
	return 0
}

func (e Env) checkBackend(context.Context) (string, error) {
	if e.Audio == nil {
		if e.AudioErr == nil {
			e.AudioErr = errors.New("no audio backend")
		}
		return "", fmt.Errorf("cannot connect to audio: %w", e.AudioErr)
	}
	return fmt.Sprintf("%T", e.Audio), nil
}

func (e Env) checkPermission(ctx context.Context) (string, error) {
	p, err := e.Devices.QueryPermission(ctx)
	if err != nil {
		return "", err
	}
	if p == audio.PermissionDenied {
		return "", errors.New(device.KindDenied.Message())
	}
	return string(p), nil
}

func (e Env) checkDevices(ctx context.Context) (string, error) {
	devs, err := e.Devices.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("%s (%w)", device.Classify(err).Message(), err)
	}
	if len(devs) == 0 {
		return "", errors.New(device.KindNotFound.Message())
	}
	name := "system default"
	if sel := e.Devices.Selected(); sel != nil {
		name = sel.Name
	}
	return fmt.Sprintf("%d device(s), using %q", len(devs), name), nil
}

func (e Env) checkEncoder(context.Context) (string, error) {
	prefs := e.Engine.MIMEPreferences
	if len(prefs) == 0 {
		prefs = encoder.DefaultPreferences
	}
	mime := encoder.Negotiate(prefs)
	if _, err := encoder.New(mime); err != nil {
		return "", err
	}
	if !encoder.IsTypeSupported(prefs[0]) {
		return fmt.Sprintf("%s (preferred %s unavailable)", mime, prefs[0]), nil
	}
	return mime, nil
}

func (e Env) checkSaveDir(context.Context) (string, error) {
	if err := os.MkdirAll(e.SaveDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(e.SaveDir, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	abs, _ := filepath.Abs(e.SaveDir)
	return abs, nil
}

func (e Env) checkRecording(ctx context.Context) (string, error) {
	dev, err := e.Devices.ResolveDevice(ctx)
	if err != nil {
		return "", err
	}
	stream, err := e.Devices.RequestStream(ctx, dev.ID)
	if err != nil {
		return "", fmt.Errorf("%s (%w)", device.Classify(err).Message(), err)
	}
	defer stream.StopAll()

	eng := recorder.New(e.Engine)
	if err := eng.StartRecording(stream); err != nil {
		return "", err
	}
	select {
	case <-time.After(e.SampleFor):
	case <-ctx.Done():
	}
	res, err := eng.StopRecording(context.WithoutCancel(ctx))
	if err != nil {
		return "", err
	}
	if res.Empty {
		return "", errors.New("no audio captured")
	}

	msg := fmt.Sprintf("%.1f KB of %s from %s", float64(res.Blob.Size())/1024, res.Blob.MIMEType, dev.Name)
	if res.Blob.MIMEType == encoder.MIMEWav {
		if peak := peakDB(res.Blob.Data); math.IsInf(peak, -1) {
			msg += ", silent: check input volume"
		} else {
			msg += fmt.Sprintf(", peak %.1f dBFS", peak)
		}
	}
	return msg, nil
}

func peakDB(wav []byte) float64 {
	if len(wav) <= audio.WAVHeaderSize {
		return math.Inf(-1)
	}
	var peak int
	for _, s := range audio.Samples(wav[audio.WAVHeaderSize:]) {
		v := int(s)
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	return 20 * math.Log10(float64(peak)/32768)
}

func (e Env) checkSystemAudio(ctx context.Context) (string, error) {
	if e.Audio == nil {
		return "no audio backend", errSkipped
	}
	m := mixer.New(e.Audio, mixer.Config{})
	defer m.Close()
	sys, err := m.CaptureSystem(ctx)
	if err != nil {
		return "", err
	}
	defer sys.StopAll()
	return sys.LiveAudioTracks()[0].Label(), nil
}

func (e Env) checkHotkey(context.Context) (string, error) {
	msg, err := hotkey.Diagnose()
	if err != nil || !e.Interactive {
		return msg, err
	}

	fmt.Printf("  Press %s...\n", hotkey.Combo)
	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		return "", fmt.Errorf("could not register hotkey: %w", err)
	}
	defer hk.Unregister()
	// evdev readers may leave the terminal in raw mode
	defer resetTerminal()

	select {
	case <-hk.Keydown():
		select {
		case <-hk.Keyup():
		case <-time.After(5 * time.Second):
		}
		return "shortcut detected", nil
	case <-time.After(10 * time.Second):
		return "", errors.New("timeout waiting for shortcut")
	}
}

func checkClipboard(context.Context) (string, error) {
	if !clipboard.Available() {
		return "", errors.New("no clipboard utility found (install xclip, xsel or wl-clipboard)")
	}
	return "available", nil
}
