package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"meetrec/session"
)

type recordOptions struct {
	Duration time.Duration
	// Headless reads commands from stdin and prints no status line.
	Headless bool
	Session  session.Options
}

func newRecordCmd() *cobra.Command {
	var (
		opts        recordOptions
		fakeWAV     string
		systemAudio bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record without the interactive UI",
		Long: `Record until --duration elapses or the process is interrupted, then save.

With --headless, commands are read line by line from stdin:
  PAUSE | RESUME | STOP | LEVEL | SLEEP <ms>`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("system-audio") {
				cfg.SystemAudio.Enabled = systemAudio
			}
			a, err := newApp(cmd.Context(), fakeWAV)
			if err != nil {
				return err
			}
			defer a.Close()

			opts.Session.SystemAudio = cfg.SystemAudio.Enabled
			var in io.Reader
			if opts.Headless {
				in = os.Stdin
			}
			out, err := record(cmd.Context(), a.coord, opts, in, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if out.Result.Empty {
				return exitError{code: 2}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&opts.Headless, "headless", false, "stdin-driven mode for scripts")
	cmd.Flags().StringVar(&opts.Session.DeviceID, "device", "", "microphone id (default: configured or system default)")
	cmd.Flags().StringVar(&fakeWAV, "fake", "", "play this 16-bit mono WAV file instead of using a microphone")
	cmd.Flags().BoolVar(&systemAudio, "system-audio", false, "mix system audio into the recording")
	return cmd
}

// syncWriter serializes writes from notice callbacks and the main loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// record runs one recording to completion and reports its outcome on w.
// A nil in disables stdin commands.
func record(ctx context.Context, coord *session.Coordinator, opts recordOptions, in io.Reader, w io.Writer) (session.Outcome, error) {
	out := &syncWriter{w: w}
	auto := make(chan session.Notice, 1)
	coord.OnNotice(func(n session.Notice) {
		switch n.Type {
		case session.NoticeSystemAudioEnded:
			fmt.Fprintln(out, "system audio ended")
		case session.NoticeAutoStopped:
			select {
			case auto <- n:
			default:
			}
		}
	})

	if err := coord.Start(ctx, opts.Session); err != nil {
		return session.Outcome{}, err
	}
	fmt.Fprintf(out, "recording %s (%s)\n", coord.Engine().SessionID(), coord.Engine().MIMEType())
	if err := coord.Fallback(); err != nil {
		fmt.Fprintf(out, "system audio unavailable, microphone only: %v\n", err)
	}

	stop := make(chan struct{})
	var once sync.Once
	stopFn := func() { once.Do(func() { close(stop) }) }
	if in != nil {
		go readCommands(in, coord, out, stopFn)
	}

	var timeout <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		timeout = timer.C
	}
	var status <-chan time.Time
	if !opts.Headless {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		status = ticker.C
	}

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-stop:
			break wait
		case <-timeout:
			break wait
		case n := <-auto:
			fmt.Fprintln(out, "input ended, recording stopped")
			report(out, *n.Outcome, n.Err)
			return *n.Outcome, n.Err
		case <-status:
			fmt.Fprintf(out, "\r%s %s", coord.State(), formatDuration(coord.Engine().Duration()))
		}
	}
	if !opts.Headless {
		fmt.Fprintln(out)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	res, err := coord.Stop(stopCtx)
	report(out, res, err)
	return res, err
}

func readCommands(in io.Reader, coord *session.Coordinator, out io.Writer, stop func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch {
		case cmd == "":
		case cmd == "PAUSE":
			fmt.Fprintf(out, "pause: %v\n", coord.Pause())
		case cmd == "RESUME":
			fmt.Fprintf(out, "resume: %v\n", coord.Resume())
		case cmd == "STOP":
			stop()
			return
		case cmd == "LEVEL":
			fmt.Fprintf(out, "level: %.3f\n", coord.Level())
		case strings.HasPrefix(cmd, "SLEEP "):
			if ms, err := strconv.Atoi(cmd[6:]); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		default:
			fmt.Fprintf(out, "unknown command %q\n", cmd)
		}
	}
}

func report(w io.Writer, out session.Outcome, err error) {
	switch {
	case out.Result.Empty:
		fmt.Fprintln(w, "nothing was recorded")
	case out.Receipt != nil && err != nil:
		fmt.Fprintf(w, "saved %s (%s), but: %v\n", out.Receipt.Location(), formatDuration(time.Duration(out.Result.DurationMs())*time.Millisecond), err)
	case err != nil:
		fmt.Fprintf(w, "recording failed: %v\n", err)
	default:
		fmt.Fprintf(w, "saved %s (%s)\n", out.Receipt.Location(), formatDuration(time.Duration(out.Result.DurationMs())*time.Millisecond))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
