package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const diagFileName = "diagnostics_log.txt"

var (
	diagLog  zerolog.Logger
	rotator  *lumberjack.Logger
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

type RecordingMetrics struct {
	Session   string
	DurationS float64
	SizeKB    float64
	Chunks    int
	MIMEType  string
	Reason    string
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: --logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: MEETREC_LOG_PATH environment variable
	if envPath := os.Getenv("MEETREC_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	path := filepath.Join(dir, diagFileName)
	// Fail early on an unwritable directory; lumberjack opens lazily.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	f.Close()

	rotator = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        rotator,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(version, device, mimeType string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("version", version).
		Str("device", device).
		Str("mime", mimeType).
		Msg("session_start")
}

func SessionEnd(count int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("recordings", count).
		Msg("session_end")
}

func RecordingStarted(session, mimeType string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", session).
		Str("mime", mimeType).
		Msg("recording_started")
}

func RecordingStopped(m RecordingMetrics) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", m.Session).
		Float64("duration_s", m.DurationS).
		Float64("size_kb", m.SizeKB).
		Int("chunks", m.Chunks).
		Str("mime", m.MIMEType).
		Str("reason", m.Reason).
		Msg("recording_stopped")
}

func DeviceChange(event, device string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("event", event).
		Str("device", device).
		Msg("device_change")
}

func SaveOutcome(location string, sizeBytes int, err error) {
	if !logReady {
		return
	}
	if err != nil {
		diagLog.Error().
			Int("size_bytes", sizeBytes).
			Err(err).
			Msg("save_failed")
		return
	}
	diagLog.Info().
		Str("location", location).
		Int("size_bytes", sizeBytes).
		Msg("save_ok")
}
