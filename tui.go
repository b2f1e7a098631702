package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"meetrec/audio"
	"meetrec/clipboard"
	"meetrec/device"
	"meetrec/hotkey"
	"meetrec/log"
	"meetrec/recorder"
	"meetrec/session"
)

// TUI message types
type tickMsg time.Time
type startedMsg struct{ err error }
type stoppedMsg struct {
	out session.Outcome
	err error
}
type noticeMsg session.Notice
type devicesMsg device.Change
type hotkeyMsg hotkey.Action
type copiedMsg struct {
	path string
	err  error
}

type tuiModel struct {
	app *app

	state        recorder.State
	duration     time.Duration
	level        float64
	peak         float64
	systemActive bool
	busy         bool // start or stop in flight

	device  string
	notice  string
	warning bool
	last    *session.Outcome
	lastErr error
	copied  bool

	width, height int
}

var (
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	meterColors  = []string{"34", "40", "76", "112", "148", "184", "220", "214", "208", "196"}
	meterStyles  []lipgloss.Style
	panelStyle   = lipgloss.NewStyle().Padding(1, 2)
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Bold(true)
	noVoiceLevel = 0.01
)

func init() {
	for _, c := range meterColors {
		meterStyles = append(meterStyles, lipgloss.NewStyle().Foreground(lipgloss.Color(c)))
	}
}

func newTUIModel(a *app) tuiModel {
	m := tuiModel{app: a, state: a.coord.State()}
	m.device = deviceLabel(a.devices.Selected())
	return m
}

func runTUI(ctx context.Context) error {
	a, err := newApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	p := tea.NewProgram(newTUIModel(a), tea.WithAltScreen(), tea.WithContext(ctx))
	a.coord.OnNotice(func(n session.Notice) { p.Send(noticeMsg(n)) })
	a.devices.OnChange(func(c device.Change) { p.Send(devicesMsg(c)) })

	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		log.Warnf("global shortcut unavailable: %v", err)
	} else {
		defer hk.Unregister()
		ctrl := hotkey.NewController(hk, 400*time.Millisecond, nil)
		defer ctrl.Close()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case act := <-ctrl.Actions():
					p.Send(hotkeyMsg(act))
				}
			}
		}()
	}

	go func() {
		if _, err := a.devices.Refresh(ctx); err != nil {
			log.Warnf("initial device enumeration: %v", err)
		}
	}()

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) recording() bool {
	return m.state == recorder.StateRecording || m.state == recorder.StatePaused
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg.String())

	case hotkeyMsg:
		if hotkey.Action(msg) == hotkey.ActionPause {
			return m.handleKey(" ")
		}
		return m.handleKey("r")

	case tickMsg:
		m.refresh()
		return m, tuiTick()

	case startedMsg:
		m.busy = false
		m.refresh()
		if msg.err != nil {
			m.notice = startErrorText(msg.err)
			m.warning = true
			break
		}
		m.peak = 0
		m.notice = ""
		if fb := m.app.coord.Fallback(); fb != nil {
			m.notice = "system audio unavailable, recording microphone only"
			m.warning = true
		}

	case stoppedMsg:
		m.busy = false
		m.refresh()
		m.setOutcome(msg.out, msg.err)

	case noticeMsg:
		switch msg.Type {
		case session.NoticeSystemAudioEnded:
			m.notice = "system audio ended"
			m.warning = true
		case session.NoticeAutoStopped:
			m.refresh()
			if msg.Outcome != nil {
				m.setOutcome(*msg.Outcome, msg.Err)
			}
			m.notice = "input ended, recording stopped"
			m.warning = true
		}

	case devicesMsg:
		m.device = deviceLabel(m.app.devices.Selected())
		if msg.Removed != "" {
			m.notice = "microphone disconnected: " + msg.Removed
			m.warning = true
		} else if msg.Reconnected != "" {
			m.notice = "microphone reconnected: " + msg.Reconnected
			m.warning = false
		}

	case copiedMsg:
		if msg.err != nil {
			m.notice = "copy failed: " + msg.err.Error()
			m.warning = true
		} else {
			m.copied = true
		}
	}
	return m, nil
}

func (m tuiModel) handleKey(key string) (tea.Model, tea.Cmd) {
	coord := m.app.coord
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "r":
		if m.busy {
			return m, nil
		}
		m.busy = true
		if m.recording() {
			return m, func() tea.Msg {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				out, err := coord.Stop(ctx)
				return stoppedMsg{out: out, err: err}
			}
		}
		opts := m.app.startOptions()
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return startedMsg{err: coord.Start(ctx, opts)}
		}

	case " ":
		switch m.state {
		case recorder.StateRecording:
			coord.Pause()
		case recorder.StatePaused:
			coord.Resume()
		}
		m.refresh()

	case "d":
		devs := m.app.devices.Devices()
		if len(devs) == 0 {
			m.notice = device.KindNotFound.Message()
			m.warning = true
			break
		}
		next := 0
		cur := m.app.devices.SelectedDeviceID()
		for i, d := range devs {
			if d.ID == cur {
				next = (i + 1) % len(devs)
			}
		}
		if err := m.app.devices.Select(devs[next].ID); err != nil {
			m.notice = err.Error()
			m.warning = true
			break
		}
		m.device = deviceLabel(&devs[next])
		if m.recording() {
			m.notice = "new microphone is used from the next recording"
			m.warning = false
		}

	case "s":
		if m.recording() {
			m.notice = "system audio can be changed between recordings"
			m.warning = true
			break
		}
		cfg.SystemAudio.Enabled = !cfg.SystemAudio.Enabled
		m.notice = ""

	case "c":
		if m.last == nil || m.last.Receipt.Location() == "" {
			break
		}
		path := m.last.Receipt.Location()
		return m, func() tea.Msg {
			return copiedMsg{path: path, err: clipboard.Copy(path)}
		}
	}
	return m, nil
}

// refresh pulls live values from the coordinator.
func (m *tuiModel) refresh() {
	coord := m.app.coord
	m.state = coord.State()
	m.duration = coord.Engine().Duration()
	m.systemActive = coord.SystemActive()
	if m.state == recorder.StateRecording {
		lvl := coord.Level()
		m.level = m.level*0.6 + lvl*0.4
		m.peak = max(m.peak, lvl)
	} else {
		m.level = 0
	}
}

func (m *tuiModel) setOutcome(out session.Outcome, err error) {
	m.copied = false
	if out.Result.Empty {
		m.notice = "nothing was recorded"
		m.warning = true
		return
	}
	m.last = &out
	m.lastErr = err
}

func startErrorText(err error) string {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording):
		return "already recording"
	case errors.Is(err, recorder.ErrNoAudioTrack):
		return "the microphone delivered no audio track"
	}
	if kind := device.Classify(err); kind != device.KindUnknown {
		return kind.Message()
	}
	return "could not start: " + err.Error()
}

func deviceLabel(d *audio.DeviceInfo) string {
	if d == nil {
		return "system default"
	}
	if audio.IsBluetooth(d.Name) {
		return d.Name + " (bluetooth)"
	}
	return d.Name
}

func renderMeter(level float64, width int) string {
	if width <= 0 {
		return ""
	}
	// RMS of speech rarely exceeds 0.3; scale so it fills the bar.
	filled := min(int(level/0.3*float64(width)+0.5), width)
	var b strings.Builder
	for i := 0; i < width; i++ {
		if i >= filled {
			b.WriteString(idleStyle.Render("·"))
			continue
		}
		b.WriteString(meterStyles[i*len(meterStyles)/width].Render("█"))
	}
	return b.String()
}

func (m tuiModel) View() string {
	var lines []string

	switch m.state {
	case recorder.StateRecording:
		lines = append(lines, recStyle.Render("● REC "+formatDuration(m.duration)))
	case recorder.StatePaused:
		lines = append(lines, pausedStyle.Render("❚❚ PAUSED "+formatDuration(m.duration)))
	case recorder.StateStopping:
		lines = append(lines, idleStyle.Render("… saving"))
	case recorder.StateError:
		lines = append(lines, warnStyle.Render("✕ ERROR"))
	default:
		lines = append(lines, idleStyle.Render("○ STANDBY"))
	}

	meterWidth := 30
	if m.width > 0 {
		meterWidth = min(max(m.width-16, 10), 50)
	}
	lines = append(lines, renderMeter(m.level, meterWidth))
	if m.state == recorder.StateRecording && m.duration > 2*time.Second && m.peak < noVoiceLevel {
		lines = append(lines, warnStyle.Render("⚠ no input detected"))
	}
	lines = append(lines, "")

	lines = append(lines, dimStyle.Render("mic:    "+m.device))
	sys := "off"
	switch {
	case m.systemActive:
		sys = "mixing"
	case m.recording() && cfg.SystemAudio.Enabled:
		sys = "unavailable"
	case cfg.SystemAudio.Enabled:
		sys = "on"
	}
	lines = append(lines, dimStyle.Render("system: "+sys))

	if m.notice != "" {
		lines = append(lines, "")
		if m.warning {
			lines = append(lines, warnStyle.Render(m.notice))
		} else {
			lines = append(lines, dimStyle.Render(m.notice))
		}
	}

	if m.last != nil {
		lines = append(lines, "", titleStyle.Render("Last recording"))
		res := m.last.Result
		lines = append(lines, dimStyle.Render(fmt.Sprintf("%s, %.1f KB, %s",
			formatDuration(time.Duration(res.DurationMs())*time.Millisecond),
			float64(res.Blob.Size())/1024, res.Blob.MIMEType)))
		if loc := m.last.Receipt.Location(); loc != "" {
			line := dimStyle.Render(loc)
			if m.copied {
				line += " " + okStyle.Render("[✓ copied]")
			}
			lines = append(lines, line)
		}
		if m.lastErr != nil {
			lines = append(lines, warnStyle.Render("save: "+m.lastErr.Error()))
		}
	}

	lines = append(lines, "")
	help := []string{
		keyStyle.Render("r") + helpStyle.Render(" rec/stop"),
		keyStyle.Render("space") + helpStyle.Render(" pause"),
		keyStyle.Render("d") + helpStyle.Render(" mic"),
		keyStyle.Render("s") + helpStyle.Render(" system"),
		keyStyle.Render("c") + helpStyle.Render(" copy"),
		keyStyle.Render("q") + helpStyle.Render(" quit"),
	}
	lines = append(lines, strings.Join(help, helpStyle.Render("  ")))
	lines = append(lines, helpStyle.Render(hotkey.Combo+" toggles from anywhere · meetrec "+version))

	return panelStyle.Render(strings.Join(lines, "\n"))
}
