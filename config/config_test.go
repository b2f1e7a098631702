package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meetrec/save"
	"meetrec/session"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path() != "" {
		t.Errorf("path = %q, want none", cfg.Path())
	}
	if cfg.SystemAudio.Policy != string(session.PolicyContinue) {
		t.Errorf("policy = %q", cfg.SystemAudio.Policy)
	}
	if cfg.Recording.FinalizeTimeout != 5*time.Second {
		t.Errorf("finalize timeout = %v", cfg.Recording.FinalizeTimeout)
	}
	if _, ok := cfg.Saver().(*save.DiskStore); !ok {
		t.Errorf("saver = %T, want disk store only", cfg.Saver())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
[recording]
mime_types = ["audio/wav"]
finalize_timeout = "2s"

[devices]
preferred = "USB Headset"
retries = 4

[system_audio]
enabled = true
policy = "stop"

[system_audio.compressor]
ratio = 4.0

[save]
dir = "/tmp/meetrec-test"
upload_url = "https://api.example.test/upload"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path() != path {
		t.Errorf("path = %q", cfg.Path())
	}
	if got := cfg.Recording.MIMETypes; len(got) != 1 || got[0] != "audio/wav" {
		t.Errorf("mime types = %v", got)
	}
	if cfg.Recording.FinalizeTimeout != 2*time.Second {
		t.Errorf("finalize timeout = %v", cfg.Recording.FinalizeTimeout)
	}
	if cfg.DeviceConfig().PreferredDevice != "USB Headset" || cfg.DeviceConfig().Retries != 4 {
		t.Errorf("devices = %+v", cfg.Devices)
	}
	sc := cfg.SessionConfig()
	if sc.SystemAudioPolicy != session.PolicyStop || sc.Mixer.Compressor.Ratio != 4 {
		t.Errorf("session config = %+v", sc)
	}
	if sc.Mixer.Compressor.ThresholdDB != -24 {
		t.Errorf("unset compressor fields lost their defaults: %+v", sc.Mixer.Compressor)
	}
	if _, ok := cfg.Saver().(save.Chain); !ok {
		t.Errorf("saver = %T, want chain", cfg.Saver())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("MEETREC_DEVICE", "mic-2")
	t.Setenv("MEETREC_SYSTEM_AUDIO", "true")
	t.Setenv("MEETREC_MIME_TYPES", "audio/flac, audio/wav")
	t.Setenv("MEETREC_SAVE_DIR", "/srv/recordings")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Devices.Preferred != "mic-2" || !cfg.SystemAudio.Enabled {
		t.Errorf("overrides not applied: %+v %+v", cfg.Devices, cfg.SystemAudio)
	}
	if got := strings.Join(cfg.Recording.MIMETypes, "|"); got != "audio/flac|audio/wav" {
		t.Errorf("mime types = %s", got)
	}
	if cfg.Save.Dir != "/srv/recordings" {
		t.Errorf("save dir = %s", cfg.Save.Dir)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad policy", "[system_audio]\npolicy = \"pause\"\n", "Policy"},
		{"bad ratio", "[system_audio.compressor]\nratio = 0.5\n", "Ratio"},
		{"bad url", "[save]\nupload_url = \"not a url\"\n", "UploadURL"},
		{"negative retries", "[devices]\nretries = -1\n", "Retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestBadEnvBool(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("MEETREC_SYSTEM_AUDIO", "maybe")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid MEETREC_SYSTEM_AUDIO")
	}
}

func TestSetPreferredDeviceKeepsOtherKeys(t *testing.T) {
	path := writeFile(t, "[save]\ndir = \"/data/rec\"\n\n[devices]\nretries = 3\n")

	if err := SetPreferredDevice(path, "alsa_input.usb"); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Devices.Preferred != "alsa_input.usb" || cfg.Devices.Retries != 3 || cfg.Save.Dir != "/data/rec" {
		t.Errorf("config after update = %+v %+v", cfg.Devices, cfg.Save)
	}
}

func TestSetPreferredDeviceCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetrec", "config.toml")
	if err := SetPreferredDevice(path, "mic"); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Devices.Preferred != "mic" {
		t.Errorf("preferred = %q", cfg.Devices.Preferred)
	}
}
