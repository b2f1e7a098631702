package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"meetrec/config"
	"meetrec/log"
	"meetrec/shutdown"
)

var version = "dev"

var (
	configPath  string
	logPathFlag string
	noBeep      bool

	// cfg is loaded before any command runs.
	cfg *config.Config
)

// exitError carries a non-zero exit code without an error message.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd() *cobra.Command {
	var systemAudio bool
	root := &cobra.Command{
		Use:   "meetrec",
		Short: "Record meetings from the microphone, optionally mixed with system audio",
		Long: `meetrec records the microphone, optionally mixed with the audio other
applications play, and saves each recording to disk. When an upload URL is
configured the recording is also sent to the backend for transcription.

Without a subcommand it opens the interactive recorder:
  r      start / stop recording
  space  pause / resume
  d      next microphone
  s      toggle system audio
  c      copy the last saved path
  q      quit`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("system-audio") {
				cfg.SystemAudio.Enabled = systemAudio
			}
			return runTUI(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/meetrec/config.toml)")
	root.PersistentFlags().StringVar(&logPathFlag, "logpath", "", "log directory (default: OS-specific location, use ./ for current dir)")
	root.PersistentFlags().BoolVar(&noBeep, "no-beep", false, "disable start/stop sounds")
	root.Flags().BoolVar(&systemAudio, "system-audio", false, "mix system audio into recordings")

	root.AddCommand(newRecordCmd(), newDevicesCmd(), newDoctorCmd(), newUploadCmd())
	return root
}

func setup() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flagPath := logPathFlag
	if flagPath == "" && os.Getenv("MEETREC_LOG_PATH") == "" {
		flagPath = cfg.Log.Path
	}
	dir, err := log.ResolveDir(flagPath)
	if err != nil {
		return fmt.Errorf("resolving log directory: %w", err)
	}
	log.SetDir(dir)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	} else {
		initCrashLog()
	}
	return nil
}

// initCrashLog appends fatal runtime errors to crash_log.txt next to the
// diagnostics log.
func initCrashLog() {
	path := filepath.Join(log.Dir(), "crash_log.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(f, debug.CrashOptions{})
	f.Close()
}

func execute() int {
	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	defer log.Close()

	err := newRootCmd().ExecuteContext(ctx)
	var exit exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.code
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		log.Errorf("fatal: %v", err)
		return 1
	}
}
