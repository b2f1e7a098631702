package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// streamingSize marks RIFF and data lengths as unknown. Readers treat the
// data chunk as running to end of file.
const streamingSize = 0xFFFFFFFF

// WavEncoder writes a PCM WAV stream whose header is emitted up front, so
// the output can be delivered incrementally without seeking back.
type WavEncoder struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	totalFrames uint64
	closed      bool
}

func NewWav() *WavEncoder {
	e := &WavEncoder{}
	writeWAVHeader(&e.buf, streamingSize)
	return e
}

func writeWAVHeader(buf *bytes.Buffer, dataSize uint32) {
	riffSize := uint32(streamingSize)
	if dataSize != streamingSize {
		riffSize = 36 + dataSize
	}
	byteRate := uint32(SampleRate * Channels * BitsPerSample / 8)
	blockAlign := uint16(Channels * BitsPerSample / 8)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(Channels))
	binary.Write(buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(BitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
}

func (e *WavEncoder) MIMEType() string { return MIMEWav }

func (e *WavEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("wav encoder closed")
	}
	for _, s := range block {
		binary.Write(&e.buf, binary.LittleEndian, s)
	}
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *WavEncoder) Flush() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := bytes.Clone(e.buf.Bytes())
	e.buf.Reset()
	return out
}

func (e *WavEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *WavEncoder) TotalFrames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFrames
}

// FixWAVHeader rewrites the size fields of a complete in-memory WAV file
// produced by WavEncoder. Files shorter than a header are left untouched.
func FixWAVHeader(data []byte) {
	if len(data) < 44 || string(data[:4]) != "RIFF" {
		return
	}
	dataSize := uint32(len(data) - 44)
	binary.LittleEndian.PutUint32(data[4:], 36+dataSize)
	binary.LittleEndian.PutUint32(data[40:], dataSize)
}
