//go:build linux

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

const (
	micGain      = 2
	pollInterval = 250 * time.Millisecond
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("meetrec"))
	if err != nil {
		return nil, classify("pulse", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, classify("pulse list sources", err)
	}
	defaultID := ""
	if def, err := p.client.DefaultSource(); err == nil && def != nil {
		defaultID = def.ID()
	}
	var devices []DeviceInfo
	for _, s := range sources {
		// Sink monitors are system audio, not microphones.
		if strings.HasSuffix(s.ID(), ".monitor") {
			continue
		}
		devices = append(devices, DeviceInfo{
			ID:        s.ID(),
			Name:      s.Name(),
			IsDefault: s.ID() == defaultID,
		})
	}
	return devices, nil
}

func (p *pulseContext) OpenMic(ctx context.Context, device *DeviceInfo, format Format) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	label := "system default"
	var opts []pulse.RecordOption
	if device != nil {
		source, err := p.client.SourceByID(device.ID)
		if err != nil || source == nil {
			return nil, fmt.Errorf("pulse source %q: %w", device.ID, ErrDeviceNotFound)
		}
		opts = append(opts, pulse.RecordSource(source))
		label = device.Name
	}
	opts = append(opts, pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
		vol := uint32(proto.VolumeNorm) * 2
		r.ChannelVolumes = proto.ChannelVolumes{vol}
	}))
	return p.open(ctx, label, format, micGain, opts)
}

func (p *pulseContext) OpenSystem(ctx context.Context, format Format) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	sink, err := p.client.DefaultSink()
	if err != nil {
		return nil, classify("pulse default sink", err)
	}
	return p.open(ctx, "system: "+sink.Name(), format, 1, []pulse.RecordOption{pulse.RecordMonitor(sink)})
}

func (p *pulseContext) open(ctx context.Context, label string, format Format, gain int32, extra []pulse.RecordOption) (*Stream, error) {
	var track *Track
	channels := max(format.Channels, 1)

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			amplified := int32(s) * gain
			if amplified > 32767 {
				amplified = 32767
			} else if amplified < -32768 {
				amplified = -32768
			}
			binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(amplified)))
		}
		track.Deliver(data, uint32(len(buf))/channels)
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordSampleRate(int(format.SampleRate)),
		pulse.RecordLatency(0.05),
	}
	if channels == 1 {
		opts = append(opts, pulse.RecordMono)
	} else {
		opts = append(opts, pulse.RecordStereo)
	}
	opts = append(opts, extra...)

	stream, err := p.client.NewRecord(writer, opts...)
	if err != nil {
		return nil, classify("pulse record", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	var stopOnce sync.Once
	track = NewTrack(KindAudio, label, format, func() {
		stopOnce.Do(func() { close(stop) })
		<-done
	})

	go func() {
		external := false
		func() {
			defer close(done)
			stream.Start()
			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					stream.Stop()
					stream.Close()
					return
				case <-ticker.C:
					if stream.Closed() || stream.Error() != nil {
						external = true
						stream.Close()
						return
					}
				}
			}
		}()
		if external {
			track.End()
		}
	}()

	if err := ctx.Err(); err != nil {
		track.Stop()
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return NewStream(track), nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}
