//go:build integration

package test_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"meetrec/save"
)

var testBinary string

func TestMain(m *testing.M) {
	testBinary = os.Getenv("MEETREC_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "MEETREC_TEST_BIN not set; build meetrec and point it at the binary")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "meetrec-it")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}
	tonePath = filepath.Join(dir, "tone.wav")
	if err := generateWAV(tonePath, 16000, 1.0, 8000); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate tone.wav: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

var tonePath string

// generateWAV writes a mono 16-bit square wave of the given amplitude.
func generateWAV(path string, sampleRate int, durationS float64, amplitude int16) error {
	const headerSize = 44
	numSamples := int(float64(sampleRate) * durationS)
	dataSize := numSamples * 2

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i := 0; i < numSamples; i++ {
		v := amplitude
		if (i/40)%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[headerSize+2*i:], uint16(v))
	}
	return os.WriteFile(path, buf, 0644)
}

func cmds(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

type run struct {
	out     string
	logDir  string
	saveDir string
	code    int
}

func runMeetrec(t *testing.T, mime, stdin string, args ...string) run {
	t.Helper()
	r := run{logDir: t.TempDir(), saveDir: t.TempDir()}
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	body := fmt.Sprintf("[recording]\nmime_types = [%q]\n\n[save]\ndir = %q\nmin_duration = \"0s\"\n", mime, r.saveDir)
	if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cmdArgs := append([]string{"--config", cfgPath, "--logpath", r.logDir, "--no-beep"}, args...)
	cmd := exec.Command(testBinary, cmdArgs...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = os.Environ()

	out, err := cmd.CombinedOutput()
	r.out = string(out)
	if exit, ok := err.(*exec.ExitError); ok {
		r.code = exit.ExitCode()
	} else if err != nil {
		t.Fatalf("meetrec failed to run: %v", err)
	}
	return r
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func requireSaved(t *testing.T, r run, ext string) *save.Receipt {
	t.Helper()
	if r.code != 0 {
		t.Fatalf("exit code %d\noutput: %s", r.code, r.out)
	}
	entries, err := os.ReadDir(r.saveDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one recording folder in %s, got %v (%v)\noutput: %s", r.saveDir, entries, err, r.out)
	}
	receipt, err := save.ReadReceipt(filepath.Join(r.saveDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(receipt.Path, ext) {
		t.Errorf("recording path = %s, want %s file", receipt.Path, ext)
	}
	info, err := os.Stat(receipt.Path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("recording file missing or empty: %v", err)
	}
	if !strings.Contains(r.out, receipt.Path) {
		t.Errorf("output does not mention saved path:\n%s", r.out)
	}
	return receipt
}

func TestRecordWAV(t *testing.T) {
	r := runMeetrec(t, "audio/wav", cmds("SLEEP 500", "STOP"),
		"record", "--headless", "--fake", tonePath)
	requireSaved(t, r, ".wav")

	diag := readLog(t, r.logDir, "diagnostics_log.txt")
	for _, want := range []string{"session_start", "recording_started", "recording_stopped", "session_end"} {
		if !strings.Contains(diag, want) {
			t.Errorf("expected %s in diagnostics", want)
		}
	}
}

func TestRecordFLAC(t *testing.T) {
	r := runMeetrec(t, "audio/flac", cmds("SLEEP 500", "STOP"),
		"record", "--headless", "--fake", tonePath)
	requireSaved(t, r, ".flac")
}

func TestRecordPauseResume(t *testing.T) {
	r := runMeetrec(t, "audio/wav", cmds("SLEEP 300", "PAUSE", "SLEEP 300", "RESUME", "SLEEP 300", "STOP"),
		"record", "--headless", "--fake", tonePath)
	if !strings.Contains(r.out, "pause: true") || !strings.Contains(r.out, "resume: true") {
		t.Errorf("pause/resume not acknowledged:\n%s", r.out)
	}
	receipt := requireSaved(t, r, ".wav")
	if receipt.DurationMs >= 900 {
		t.Errorf("duration %dms includes the paused interval", receipt.DurationMs)
	}
}

func TestRecordDuration(t *testing.T) {
	r := runMeetrec(t, "audio/wav", "", "record", "--duration", "600ms", "--fake", tonePath)
	requireSaved(t, r, ".wav")
}

func TestRecordLevel(t *testing.T) {
	r := runMeetrec(t, "audio/wav", cmds("SLEEP 400", "LEVEL", "STOP"),
		"record", "--headless", "--fake", tonePath)
	requireSaved(t, r, ".wav")
	if strings.Contains(r.out, "level: 0.000") {
		t.Errorf("level meter reported silence for a tone:\n%s", r.out)
	}
}
