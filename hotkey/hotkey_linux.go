//go:build linux

package hotkey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Key codes from linux/input-event-codes.h.
const (
	evKey     = 1
	keyLCtrl  = 29
	keyRCtrl  = 97
	keyLShift = 42
	keyRShift = 54
	keyR      = 19
)

// input_event on 64-bit: timeval(16) type(2) code(2) value(4).
const inputEventSize = 24

const (
	inputDir = "/dev/input"
	sysInput = "/sys/class/input"
)

var errNoKeyboard = errors.New("no keyboard with Ctrl, Shift and R found (is user in 'input' group?)")

type inputEvent struct {
	typ   uint16
	code  uint16
	value int32
}

// decodeEvents splits a read from an evdev node into key events. A trailing
// partial record is ignored.
func decodeEvents(buf []byte) []inputEvent {
	out := make([]inputEvent, 0, len(buf)/inputEventSize)
	for off := 0; off+inputEventSize <= len(buf); off += inputEventSize {
		rec := buf[off : off+inputEventSize]
		ev := inputEvent{
			typ:   binary.LittleEndian.Uint16(rec[16:]),
			code:  binary.LittleEndian.Uint16(rec[18:]),
			value: int32(binary.LittleEndian.Uint32(rec[20:])),
		}
		if ev.typ == evKey {
			out = append(out, ev)
		}
	}
	return out
}

type edge int

const (
	edgeNone edge = iota
	edgeDown
	edgeUp
)

// comboTracker follows modifier state on one keyboard. The combo goes down
// when R is pressed with Ctrl and Shift held, and up as soon as any of the
// three is released. Autorepeat (value 2) never produces an edge.
type comboTracker struct {
	ctrl, shift uint8 // held left/right keys as bits
	active      bool
}

func (c *comboTracker) apply(ev inputEvent) edge {
	if ev.value == 2 {
		return edgeNone
	}
	down := ev.value == 1
	switch ev.code {
	case keyLCtrl:
		c.ctrl = setBit(c.ctrl, 0, down)
	case keyRCtrl:
		c.ctrl = setBit(c.ctrl, 1, down)
	case keyLShift:
		c.shift = setBit(c.shift, 0, down)
	case keyRShift:
		c.shift = setBit(c.shift, 1, down)
	case keyR:
		if down && !c.active && c.ctrl != 0 && c.shift != 0 {
			c.active = true
			return edgeDown
		}
		if !down && c.active {
			c.active = false
			return edgeUp
		}
		return edgeNone
	default:
		return edgeNone
	}
	if c.active && (c.ctrl == 0 || c.shift == 0) {
		c.active = false
		return edgeUp
	}
	return edgeNone
}

func setBit(v uint8, bit uint, on bool) uint8 {
	if on {
		return v | 1<<bit
	}
	return v &^ (1 << bit)
}

type linuxHotkey struct {
	keydown chan struct{}
	keyup   chan struct{}

	mu    sync.Mutex
	files []*os.File
}

func New() Hotkey {
	return &linuxHotkey{
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

// Register opens every keyboard that can type the combo and reads them until
// Unregister.
func (h *linuxHotkey) Register() error {
	paths, err := comboKeyboards()
	if err != nil {
		return err
	}
	var lastErr error
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			lastErr = err
			continue
		}
		h.files = append(h.files, f)
		go h.read(f)
	}
	if len(h.files) == 0 {
		return fmt.Errorf("open keyboard (run: sudo usermod -aG input $USER, then re-login): %w", lastErr)
	}
	return nil
}

func (h *linuxHotkey) read(f *os.File) {
	var combo comboTracker
	buf := make([]byte, inputEventSize*16)
	for {
		n, err := f.Read(buf)
		if err != nil {
			// Closed by Unregister or the device was unplugged.
			return
		}
		for _, ev := range decodeEvents(buf[:n]) {
			switch combo.apply(ev) {
			case edgeDown:
				signal(h.keydown)
			case edgeUp:
				signal(h.keyup)
			}
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Unregister closes the devices, which ends the readers.
func (h *linuxHotkey) Unregister() {
	h.mu.Lock()
	files := h.files
	h.files = nil
	h.mu.Unlock()
	for _, f := range files {
		f.Close()
	}
}

func (h *linuxHotkey) Keydown() <-chan struct{} { return h.keydown }

func (h *linuxHotkey) Keyup() <-chan struct{} { return h.keyup }

// comboKeyboards lists event nodes whose key capabilities include Ctrl,
// Shift and R.
func comboKeyboards() ([]string, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, fmt.Errorf("scan input devices: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		caps, err := os.ReadFile(filepath.Join(sysInput, e.Name(), "device", "capabilities", "key"))
		if err != nil {
			continue
		}
		if canTypeCombo(string(caps)) {
			out = append(out, filepath.Join(inputDir, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, errNoKeyboard
	}
	return out, nil
}

func canTypeCombo(caps string) bool {
	return hasKey(caps, keyR) &&
		(hasKey(caps, keyLCtrl) || hasKey(caps, keyRCtrl)) &&
		(hasKey(caps, keyLShift) || hasKey(caps, keyRShift))
}

// hasKey reports whether code is set in a sysfs capability bitmap: hex words
// of the native long size, most significant word first.
func hasKey(caps string, code int) bool {
	words := strings.Fields(caps)
	idx := len(words) - 1 - code/bits.UintSize
	if idx < 0 {
		return false
	}
	w, err := strconv.ParseUint(words[idx], 16, bits.UintSize)
	if err != nil {
		return false
	}
	return w&(1<<(uint(code)%bits.UintSize)) != 0
}

func Diagnose() (string, error) {
	paths, err := comboKeyboards()
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err == nil {
			f.Close()
			return fmt.Sprintf("%d keyboard(s) can type %s, opened %s", len(paths), Combo, p), nil
		}
	}
	return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(paths))
}
