// Package config loads meetrec settings from a TOML file and MEETREC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"meetrec/device"
	"meetrec/encoder"
	"meetrec/mixer"
	"meetrec/recorder"
	"meetrec/save"
	"meetrec/session"
)

type Config struct {
	Recording   Recording   `toml:"recording"`
	Devices     Devices     `toml:"devices"`
	SystemAudio SystemAudio `toml:"system_audio"`
	Save        Save        `toml:"save"`
	Log         Log         `toml:"log"`

	// path the config was read from; empty when none was found.
	path string
}

type Recording struct {
	MIMETypes       []string      `toml:"mime_types" validate:"dive,required"`
	Timeslice       time.Duration `toml:"timeslice" validate:"gte=0"`
	FinalizeTimeout time.Duration `toml:"finalize_timeout" validate:"gte=0"`
}

type Devices struct {
	Preferred      string        `toml:"preferred"`
	RequestTimeout time.Duration `toml:"request_timeout" validate:"gte=0"`
	Retries        int           `toml:"retries" validate:"gte=0,lte=10"`
	RetryDelay     time.Duration `toml:"retry_delay" validate:"gte=0"`
	Debounce       time.Duration `toml:"debounce" validate:"gte=0"`
	PollInterval   time.Duration `toml:"poll_interval" validate:"gte=0"`
}

type SystemAudio struct {
	Enabled    bool       `toml:"enabled"`
	Policy     string     `toml:"policy" validate:"oneof=stop continue"`
	MicGain    float64    `toml:"mic_gain" validate:"gte=0,lte=4"`
	SystemGain float64    `toml:"system_gain" validate:"gte=0,lte=4"`
	Compressor Compressor `toml:"compressor"`
}

type Compressor struct {
	ThresholdDB float64       `toml:"threshold_db" validate:"lte=0,gte=-100"`
	KneeDB      float64       `toml:"knee_db" validate:"gte=0,lte=40"`
	Ratio       float64       `toml:"ratio" validate:"gte=1,lte=20"`
	Attack      time.Duration `toml:"attack" validate:"gte=0"`
	Release     time.Duration `toml:"release" validate:"gte=0"`
}

type Save struct {
	Dir            string        `toml:"dir" validate:"required"`
	FolderTemplate string        `toml:"folder_template" validate:"required"`
	MinDuration    time.Duration `toml:"min_duration" validate:"gte=0"`
	UploadURL      string        `toml:"upload_url" validate:"omitempty,url"`
	ProcessURL     string        `toml:"process_url" validate:"omitempty,url"`
	APIKey         string        `toml:"api_key"`
	UploadTimeout  time.Duration `toml:"upload_timeout" validate:"gte=0"`
}

type Log struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Recording: Recording{
			MIMETypes:       append([]string(nil), encoder.DefaultPreferences...),
			Timeslice:       encoder.DefaultTimeslice,
			FinalizeTimeout: recorder.DefaultFinalizeTimeout,
		},
		Devices: Devices{
			RequestTimeout: 10 * time.Second,
			Retries:        2,
			RetryDelay:     500 * time.Millisecond,
			Debounce:       300 * time.Millisecond,
			PollInterval:   3 * time.Second,
		},
		SystemAudio: SystemAudio{
			Policy:     string(session.PolicyContinue),
			MicGain:    1.0,
			SystemGain: 0.7,
			Compressor: Compressor{
				ThresholdDB: mixer.DefaultCompressor.ThresholdDB,
				KneeDB:      mixer.DefaultCompressor.KneeDB,
				Ratio:       mixer.DefaultCompressor.Ratio,
				Attack:      mixer.DefaultCompressor.Attack,
				Release:     mixer.DefaultCompressor.Release,
			},
		},
		Save: Save{
			Dir:            defaultRecordingsDir(),
			FolderTemplate: save.DefaultFolderTemplate,
			MinDuration:    time.Second,
			UploadTimeout:  2 * time.Minute,
		},
	}
}

// Load reads path, or the default config file when path is empty, applies
// environment overrides and validates the result. A missing default file is
// not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if p := DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		cfg.path = path
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Save.Dir = expandTilde(cfg.Save.Dir)
	cfg.Log.Path = expandTilde(cfg.Log.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Path is the file the config was read from, or "".
func (c *Config) Path() string { return c.path }

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MEETREC_DEVICE"); v != "" {
		cfg.Devices.Preferred = v
	}
	if v := os.Getenv("MEETREC_MIME_TYPES"); v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		cfg.Recording.MIMETypes = types
	}
	if v := os.Getenv("MEETREC_SYSTEM_AUDIO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MEETREC_SYSTEM_AUDIO: %w", err)
		}
		cfg.SystemAudio.Enabled = b
	}
	if v := os.Getenv("MEETREC_SYSTEM_AUDIO_POLICY"); v != "" {
		cfg.SystemAudio.Policy = v
	}
	if v := os.Getenv("MEETREC_SAVE_DIR"); v != "" {
		cfg.Save.Dir = v
	}
	if v := os.Getenv("MEETREC_UPLOAD_URL"); v != "" {
		cfg.Save.UploadURL = v
	}
	if v := os.Getenv("MEETREC_PROCESS_URL"); v != "" {
		cfg.Save.ProcessURL = v
	}
	if v := os.Getenv("MEETREC_API_KEY"); v != "" {
		cfg.Save.APIKey = v
	}
	return nil
}

// DefaultPath is $XDG_CONFIG_HOME/meetrec/config.toml, falling back to
// ~/.config.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "meetrec", "config.toml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "meetrec", "config.toml")
	}
	return ""
}

func defaultRecordingsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "meetrec")
	}
	return "meetrec"
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// SetPreferredDevice records id under [devices] in the file at path,
// creating it if needed. Other keys are kept as written.
func SetPreferredDevice(path, id string) error {
	doc := map[string]any{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &doc); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	devices, _ := doc["devices"].(map[string]any)
	if devices == nil {
		devices = map[string]any{}
	}
	devices["preferred"] = id
	doc["devices"] = devices

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		f.Close()
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return f.Close()
}

func (c *Config) EngineConfig() recorder.Config {
	return recorder.Config{
		MIMEPreferences: c.Recording.MIMETypes,
		Timeslice:       c.Recording.Timeslice,
		FinalizeTimeout: c.Recording.FinalizeTimeout,
	}
}

func (c *Config) DeviceConfig() device.Config {
	return device.Config{
		PreferredDevice: c.Devices.Preferred,
		RequestTimeout:  c.Devices.RequestTimeout,
		Retries:         c.Devices.Retries,
		RetryDelay:      c.Devices.RetryDelay,
		Debounce:        c.Devices.Debounce,
		PollInterval:    c.Devices.PollInterval,
	}
}

func (c *Config) SessionConfig() session.Config {
	comp := c.SystemAudio.Compressor
	return session.Config{
		SystemAudioPolicy: session.Policy(c.SystemAudio.Policy),
		Mixer: mixer.Config{
			MicGain:    c.SystemAudio.MicGain,
			SystemGain: c.SystemAudio.SystemGain,
			Compressor: mixer.CompressorConfig{
				ThresholdDB: comp.ThresholdDB,
				KneeDB:      comp.KneeDB,
				Ratio:       comp.Ratio,
				Attack:      comp.Attack,
				Release:     comp.Release,
			},
		},
		SaveTimeout: c.Save.UploadTimeout + 30*time.Second,
	}
}

// Saver builds the disk store and, when an upload URL is set, chains the
// uploader after it.
func (c *Config) Saver() save.Saver {
	disk := &save.DiskStore{
		Dir:            c.Save.Dir,
		FolderTemplate: c.Save.FolderTemplate,
		MinDuration:    c.Save.MinDuration,
	}
	if c.Save.UploadURL == "" {
		return disk
	}
	return save.Chain{disk, c.Uploader()}
}

// Uploader returns the backend uploader, or nil when no upload URL is set.
func (c *Config) Uploader() *save.Uploader {
	if c.Save.UploadURL == "" {
		return nil
	}
	return save.NewUploader(save.UploaderConfig{
		UploadURL:   c.Save.UploadURL,
		ProcessURL:  c.Save.ProcessURL,
		APIKey:      c.Save.APIKey,
		Timeout:     c.Save.UploadTimeout,
		MinDuration: c.Save.MinDuration,
	})
}
