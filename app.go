package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"meetrec/audio"
	"meetrec/beep"
	"meetrec/device"
	"meetrec/encoder"
	"meetrec/log"
	"meetrec/recorder"
	"meetrec/session"
)

// app is the wired recorder shared by the TUI and the record command.
type app struct {
	audio   audio.Context
	devices *device.Manager
	engine  *recorder.Engine
	coord   *session.Coordinator
	cancel  context.CancelFunc

	recordings atomic.Int32
}

// newApp connects to the audio backend, or plays fakeWAV as the only
// microphone when it is set.
func newApp(ctx context.Context, fakeWAV string) (*app, error) {
	var actx audio.Context
	var err error
	if fakeWAV != "" {
		actx, err = audio.NewFakeContextFromWAV(fakeWAV)
	} else {
		actx, err = audio.NewContext()
	}
	if err != nil {
		return nil, fmt.Errorf("initializing audio: %w", err)
	}
	return wire(ctx, actx), nil
}

func wire(ctx context.Context, actx audio.Context) *app {
	devices := device.New(actx, cfg.DeviceConfig())
	engine := recorder.New(cfg.EngineConfig())
	engine.Hub().Subscribe(recorder.LogObserver{})
	if noBeep {
		beep.Disable()
	} else {
		beep.Init()
		engine.Hub().Subscribe(beep.Observer(beep.System{}))
	}
	coord := session.New(actx, devices, engine, cfg.Saver(), cfg.SessionConfig())

	wctx, cancel := context.WithCancel(ctx)
	devices.Watch(wctx)

	log.SessionStart(version, cfg.Devices.Preferred, encoder.Negotiate(cfg.Recording.MIMETypes))
	a := &app{
		audio:   actx,
		devices: devices,
		engine:  engine,
		coord:   coord,
		cancel:  cancel,
	}
	engine.Hub().Subscribe(recorder.ObserverFunc(func(ev recorder.Event) {
		if ev.Type == recorder.EventStopped && ev.Result != nil && !ev.Result.Empty {
			a.recordings.Add(1)
		}
	}))
	return a
}

// Close stops a running recording, saving it, and releases the backend.
func (a *app) Close() {
	switch a.coord.State() {
	case recorder.StateRecording, recorder.StatePaused, recorder.StateStopping:
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if out, err := a.coord.Stop(ctx); err != nil {
			log.Errorf("stopping on exit: %v", err)
		} else if out.Receipt != nil {
			log.Infof("saved on exit: %s", out.Receipt.Location())
		}
		cancel()
	}
	a.cancel()
	a.audio.Close()
	log.SessionEnd(int(a.recordings.Load()))
}

func (a *app) startOptions() session.Options {
	return session.Options{SystemAudio: cfg.SystemAudio.Enabled}
}
