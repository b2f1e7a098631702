package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mewkiz/flac"
)

var ErrUnknownContainer = errors.New("not a WAV or FLAC file")

// Info describes a finished recording file.
type Info struct {
	MIMEType   string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Inspect identifies a WAV or FLAC file by its magic and measures its
// length. A WAV data chunk whose size was never patched is taken to run to
// the end of data.
func Inspect(data []byte) (Info, error) {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return inspectWAV(data)
	case len(data) >= 4 && string(data[:4]) == "fLaC":
		return inspectFLAC(data)
	}
	return Info{}, ErrUnknownContainer
}

func inspectWAV(data []byte) (Info, error) {
	info := Info{MIMEType: MIMEWav}
	var bits int
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int64(binary.LittleEndian.Uint32(data[off+4:]))
		body := off + 8
		switch id {
		case "fmt ":
			if body+16 > len(data) {
				return Info{}, fmt.Errorf("wav: truncated fmt chunk")
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
		case "data":
			if info.SampleRate == 0 || info.Channels == 0 || bits == 0 {
				return Info{}, fmt.Errorf("wav: data before a valid fmt chunk")
			}
			if remain := int64(len(data) - body); size == streamingSize || size > remain {
				size = remain
			}
			frames := size / int64(info.Channels*bits/8)
			info.Duration = framesToDuration(uint64(frames), info.SampleRate)
			return info, nil
		}
		// Chunks are padded to even sizes.
		next := int64(body) + size + size%2
		if next > int64(len(data)) {
			break
		}
		off = int(next)
	}
	return Info{}, fmt.Errorf("wav: no data chunk")
}

func inspectFLAC(data []byte) (Info, error) {
	s, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("flac: %w", err)
	}
	defer s.Close()
	info := Info{
		MIMEType:   MIMEFlac,
		SampleRate: int(s.Info.SampleRate),
		Channels:   int(s.Info.NChannels),
	}
	n := s.Info.NSamples
	if n == 0 {
		// Streamed output leaves the total unset; count the frames instead.
		for {
			f, err := s.ParseNext()
			if err == io.EOF {
				break
			}
			if err != nil {
				return Info{}, fmt.Errorf("flac: %w", err)
			}
			n += uint64(f.BlockSize)
		}
	}
	info.Duration = framesToDuration(n, info.SampleRate)
	return info, nil
}

func framesToDuration(frames uint64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}
