package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const WAVHeaderSize = 44

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceBusy       = errors.New("device busy")
	ErrUnsupported      = errors.New("unsupported")
	ErrAborted          = errors.New("request aborted")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives signed 16-bit little-endian PCM.
type DataCallback func(data []byte, frameCount uint32)

type Format struct {
	SampleRate uint32
	Channels   uint32
}

// BytesPerFrame assumes 16-bit samples.
func (f Format) BytesPerFrame() int {
	return int(f.Channels) * 2
}

type DeviceInfo struct {
	ID        string // opaque platform-specific identifier
	Name      string
	IsDefault bool
}

type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionPrompt  Permission = "prompt"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Context is the platform boundary: device enumeration plus microphone and
// system audio streams. OpenSystem may return a stream that also carries a
// video track; callers are responsible for discarding it.
type Context interface {
	Devices() ([]DeviceInfo, error)
	OpenMic(ctx context.Context, device *DeviceInfo, format Format) (*Stream, error)
	OpenSystem(ctx context.Context, format Format) (*Stream, error)
	Close()
}

// PermissionQuerier is implemented by backends that can report microphone
// permission without opening a stream.
type PermissionQuerier interface {
	QueryPermission() (Permission, error)
}

// classify maps backend error text onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "access denied"), strings.Contains(lower, "permission"),
		strings.Contains(lower, "not authorized"):
		return fmt.Errorf("%s: %w: %v", op, ErrPermissionDenied, err)
	case strings.Contains(lower, "no such entity"), strings.Contains(lower, "no device"),
		strings.Contains(lower, "not found"):
		return fmt.Errorf("%s: %w: %v", op, ErrDeviceNotFound, err)
	case strings.Contains(lower, "busy"), strings.Contains(lower, "in use"):
		return fmt.Errorf("%s: %w: %v", op, ErrDeviceBusy, err)
	case strings.Contains(lower, "not supported"), strings.Contains(lower, "not implemented"):
		return fmt.Errorf("%s: %w: %v", op, ErrUnsupported, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func Samples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func PCMBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
