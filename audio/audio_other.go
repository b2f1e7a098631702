//go:build !linux

package audio

import (
	"context"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify("malgo", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, classify("malgo devices", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:        hex.EncodeToString(d.ID.Pointer()[:]),
			Name:      d.Name(),
			IsDefault: d.IsDefault != 0,
		})
	}
	return result, nil
}

func (m *malgoContext) OpenMic(ctx context.Context, device *DeviceInfo, format Format) (*Stream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = format.Channels
	deviceConfig.SampleRate = format.SampleRate

	label := "system default"
	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID %q: %w", device.ID, ErrDeviceNotFound)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
		label = device.Name
	}
	return m.open(ctx, label, format, deviceConfig)
}

func (m *malgoContext) OpenSystem(ctx context.Context, format Format) (*Stream, error) {
	// miniaudio only implements loopback capture on WASAPI.
	if runtime.GOOS != "windows" {
		return nil, fmt.Errorf("loopback capture on %s: %w", runtime.GOOS, ErrUnsupported)
	}
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Loopback)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = format.Channels
	deviceConfig.SampleRate = format.SampleRate
	return m.open(ctx, "system audio", format, deviceConfig)
}

func (m *malgoContext) open(ctx context.Context, label string, format Format, deviceConfig malgo.DeviceConfig) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}

	var track *Track
	var stopping atomic.Bool
	bytesPerFrame := uint32(format.BytesPerFrame())

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := frameCount * bytesPerFrame
			if int(n) > len(input) {
				n = uint32(len(input))
			}
			data := make([]byte, n)
			copy(data, input[:n])
			track.Deliver(data, frameCount)
		},
		Stop: func() {
			if stopping.Load() {
				return
			}
			// Uninit must not run on the audio thread.
			go track.End()
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, classify("malgo init device", err)
	}
	track = NewTrack(KindAudio, label, format, func() {
		stopping.Store(true)
		dev.Stop()
		dev.Uninit()
	})
	if err := dev.Start(); err != nil {
		track.Stop()
		return nil, classify("malgo start", err)
	}
	if err := ctx.Err(); err != nil {
		track.Stop()
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return NewStream(track), nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}
