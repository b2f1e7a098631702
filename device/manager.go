package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"meetrec/audio"
	"meetrec/encoder"
	"meetrec/log"
)

type Status string

const (
	StatusNotLoaded Status = "not_loaded"
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusNoDevices Status = "no_devices"
	// StatusStale means a device change was signalled and the list has not
	// been re-read yet.
	StatusStale Status = "stale"
)

type Config struct {
	// PreferredDevice is matched against device IDs and names. It is selected
	// whenever it is present.
	PreferredDevice string
	RequestTimeout  time.Duration
	Retries         int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	Debounce        time.Duration
	PollInterval    time.Duration
	Format          audio.Format
	Clock           clock.Clock
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 300 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Format.SampleRate == 0 {
		c.Format = audio.Format{SampleRate: encoder.SampleRate, Channels: encoder.Channels}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Change describes the outcome of a re-enumeration.
type Change struct {
	Devices  []audio.DeviceInfo
	Selected string
	// Removed is the previously selected device if it disappeared.
	Removed string
	// Reconnected is set when the preferred device came back and was
	// selected again.
	Reconnected string
}

// Manager owns permission state, the device list and the selected device.
// The selected ID always refers to a device in the current list, or is empty.
type Manager struct {
	actx      audio.Context
	cfg       Config
	clock     clock.Clock
	group     singleflight.Group

	mu            sync.Mutex
	permission    audio.Permission
	devices       []audio.DeviceInfo
	status        Status
	selected      string
	preferred     string
	lastErr       error
	retryCount    int
	lastEventTime time.Time
	refresh       *clock.Timer
	listeners     map[int]func(Change)
	nextID        int

	// preferredMissing is set while the preferred device is absent.
	preferredMissing bool
}

func New(actx audio.Context, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		actx:       actx,
		cfg:        cfg,
		clock:      cfg.Clock,
		permission: audio.PermissionUnknown,
		status:     StatusNotLoaded,
		preferred:  cfg.PreferredDevice,
		listeners:  make(map[int]func(Change)),
	}
}

func (m *Manager) Permission() audio.Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

// QueryPermission asks the platform for the current permission state without
// prompting. Backends that cannot tell report PermissionUnknown.
func (m *Manager) QueryPermission(ctx context.Context) (audio.Permission, error) {
	q, ok := m.actx.(audio.PermissionQuerier)
	if !ok {
		return m.Permission(), nil
	}
	p, err := bounded(ctx, m.clock, m.cfg.RequestTimeout, func() (audio.Permission, error) {
		return q.QueryPermission()
	}, nil)
	if err != nil {
		return audio.PermissionUnknown, err
	}
	m.mu.Lock()
	m.permission = p
	m.mu.Unlock()
	return p, nil
}

// RequestPermission opens and immediately releases a stream on the selected
// (or default) device, then re-reads the device list.
func (m *Manager) RequestPermission(ctx context.Context) error {
	stream, err := m.RequestStream(ctx, m.SelectedDeviceID())
	if err != nil {
		return err
	}
	stream.StopAll()
	_, err = m.Refresh(ctx)
	return err
}

func (m *Manager) Devices() []audio.DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.devices)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// RetryCount is the number of retries used by the last stream request.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

func (m *Manager) LastEventTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEventTime
}

func (m *Manager) SelectedDeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Selected returns the selected device, or nil.
func (m *Manager) Selected() *audio.DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(m.selected)
}

// Select makes id the selected and preferred device.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	dev := m.lookupLocked(id)
	if dev == nil {
		m.mu.Unlock()
		return fmt.Errorf("select %q: %w", id, audio.ErrDeviceNotFound)
	}
	m.selected = dev.ID
	m.preferred = dev.ID
	change := m.changeLocked()
	m.mu.Unlock()

	log.DeviceChange("selected", dev.Name)
	m.notify(change)
	return nil
}

// OnChange registers fn to run after every re-enumeration and selection.
func (m *Manager) OnChange(fn func(Change)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Refresh re-reads the device list. Concurrent callers share one
// enumeration.
func (m *Manager) Refresh(ctx context.Context) ([]audio.DeviceInfo, error) {
	v, err, _ := m.group.Do("enumerate", func() (any, error) {
		return m.enumerate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]audio.DeviceInfo)), nil
}

func (m *Manager) enumerate(ctx context.Context) ([]audio.DeviceInfo, error) {
	m.mu.Lock()
	prevStatus := m.status
	m.status = StatusLoading
	m.mu.Unlock()

	devices, err := bounded(ctx, m.clock, m.cfg.RequestTimeout, m.actx.Devices, nil)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		switch {
		case errors.Is(err, audio.ErrPermissionDenied):
			m.permission = audio.PermissionDenied
			m.devices = nil
			m.selected = ""
			m.status = StatusNotLoaded
		case prevStatus == StatusNotLoaded:
			m.status = StatusNotLoaded
		default:
			m.status = StatusStale
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	devices = labelled(devices)

	m.mu.Lock()
	m.devices = devices
	m.lastErr = nil
	if len(devices) == 0 {
		m.status = StatusNoDevices
	} else {
		m.status = StatusReady
	}
	change := m.reconcileLocked()
	m.mu.Unlock()

	if change.Removed != "" {
		log.DeviceChange("disconnected", change.Removed)
	}
	if change.Reconnected != "" {
		log.DeviceChange("reconnected", change.Reconnected)
	}
	m.notify(change)
	return devices, nil
}

// reconcileLocked validates the selection against the fresh list. A missing
// device is dropped, the preferred device wins whenever it is present, and
// otherwise the default candidate is used.
func (m *Manager) reconcileLocked() Change {
	var removed, reconnected string
	if m.selected != "" && m.lookupLocked(m.selected) == nil {
		removed = m.selected
		m.selected = ""
	}
	if pref := m.lookupLocked(m.preferred); pref != nil {
		if m.preferredMissing {
			reconnected = pref.ID
		}
		m.preferredMissing = false
		m.selected = pref.ID
	} else if m.preferred != "" {
		m.preferredMissing = true
	}
	if m.selected == "" {
		if d := defaultCandidate(m.devices); d != nil {
			m.selected = d.ID
		}
	}
	change := m.changeLocked()
	change.Removed = removed
	change.Reconnected = reconnected
	return change
}

func (m *Manager) changeLocked() Change {
	return Change{Devices: slices.Clone(m.devices), Selected: m.selected}
}

func (m *Manager) lookupLocked(idOrName string) *audio.DeviceInfo {
	if idOrName == "" {
		return nil
	}
	for i := range m.devices {
		if m.devices[i].ID == idOrName {
			d := m.devices[i]
			return &d
		}
	}
	for i := range m.devices {
		if m.devices[i].Name == idOrName {
			d := m.devices[i]
			return &d
		}
	}
	return nil
}

func (m *Manager) notify(c Change) {
	m.mu.Lock()
	fns := make([]func(Change), 0, len(m.listeners))
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// ResolveDevice returns the device to record from, loading the list first
// if it was never read or is stale.
func (m *Manager) ResolveDevice(ctx context.Context) (*audio.DeviceInfo, error) {
	switch m.Status() {
	case StatusNotLoaded, StatusStale:
		if _, err := m.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.devices) == 0 {
		return nil, ErrNoDevices
	}
	if d := m.lookupLocked(m.selected); d != nil {
		return d, nil
	}
	return nil, ErrNoDevices
}

// RequestStream opens a microphone stream. An empty id means the platform
// default. Busy and aborted requests are retried with backoff; denial is
// returned at once. Every attempt is bounded by RequestTimeout.
func (m *Manager) RequestStream(ctx context.Context, id string) (*audio.Stream, error) {
	var dev *audio.DeviceInfo
	if id != "" {
		m.mu.Lock()
		dev = m.lookupLocked(id)
		m.mu.Unlock()
		if dev == nil {
			if _, err := m.Refresh(ctx); err == nil {
				m.mu.Lock()
				dev = m.lookupLocked(id)
				m.mu.Unlock()
			}
		}
		if dev == nil {
			return nil, fmt.Errorf("request stream %q: %w", id, audio.ErrDeviceNotFound)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&progressiveBackOff{
		base: m.cfg.RetryDelay,
		max:  m.cfg.MaxRetryDelay,
	}, uint64(m.cfg.Retries)), ctx)

	attempts := 0
	var stream *audio.Stream
	op := func() error {
		attempts++
		s, err := m.open(ctx, dev)
		if err == nil {
			stream = s
			return nil
		}
		if retryable(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("microphone request failed (%v), retrying in %s", err, wait)
	}
	err := backoff.RetryNotifyWithTimer(op, b, notify, &clockTimer{clock: m.clock})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount = attempts - 1
	m.lastErr = err
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			m.permission = audio.PermissionDenied
			m.devices = nil
			m.selected = ""
			m.status = StatusNotLoaded
		}
		return nil, err
	}
	m.permission = audio.PermissionGranted
	return stream, nil
}

// open runs one bounded OpenMic. A stream that arrives after the caller gave
// up is stopped.
func (m *Manager) open(ctx context.Context, dev *audio.DeviceInfo) (*audio.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := bounded(ctx, m.clock, m.cfg.RequestTimeout, func() (*audio.Stream, error) {
		return m.actx.OpenMic(ctx, dev, m.cfg.Format)
	}, func(late *audio.Stream) {
		if late != nil {
			late.StopAll()
		}
	})
	if errors.Is(err, ErrTimeout) {
		switch m.Permission() {
		case audio.PermissionUnknown, audio.PermissionPrompt:
			return nil, fmt.Errorf("%w: %w", ErrPromptPending, err)
		}
	}
	return s, err
}

// NotifyDeviceChange marks the list stale and schedules one re-enumeration
// for a burst of notifications.
func (m *Manager) NotifyDeviceChange() {
	m.mu.Lock()
	m.lastEventTime = m.clock.Now()
	if m.status == StatusReady || m.status == StatusNoDevices {
		m.status = StatusStale
	}
	if m.refresh != nil {
		m.refresh.Stop()
	}
	m.refresh = m.clock.AfterFunc(m.cfg.Debounce, func() {
		if _, err := m.Refresh(context.Background()); err != nil {
			log.Warnf("device re-enumeration failed: %v", err)
		}
	})
	m.mu.Unlock()
}

// Watch forwards platform device changes until ctx is done.
func (m *Manager) Watch(ctx context.Context) {
	changes := audio.Watch(ctx, m.actx, m.clock, m.cfg.PollInterval)
	go func() {
		for range changes {
			m.NotifyDeviceChange()
		}
	}()
}

// labelled gives unnamed devices a stable "Microphone N" label.
func labelled(devices []audio.DeviceInfo) []audio.DeviceInfo {
	out := slices.Clone(devices)
	for i := range out {
		if out[i].Name == "" {
			out[i].Name = fmt.Sprintf("Microphone %d", i+1)
		}
	}
	return out
}

func defaultCandidate(devices []audio.DeviceInfo) *audio.DeviceInfo {
	for i := range devices {
		if devices[i].IsDefault {
			d := devices[i]
			return &d
		}
	}
	if len(devices) > 0 {
		d := devices[0]
		return &d
	}
	return nil
}

// bounded runs fn and gives up after timeout or when ctx ends. If it gives
// up, late receives fn's result once it arrives.
func bounded[T any](ctx context.Context, clk clock.Clock, timeout time.Duration, fn func() (T, error), late func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	timer := clk.Timer(timeout)
	defer timer.Stop()

	var zero T
	var err error
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		err = ErrTimeout
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", audio.ErrAborted, ctx.Err())
	}
	if late != nil {
		go func() {
			r := <-ch
			if r.err == nil {
				late(r.v)
			}
		}()
	}
	return zero, err
}
