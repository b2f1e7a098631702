package recorder

import (
	"sync"
	"time"
)

type Blob struct {
	Data     []byte
	MIMEType string
}

func (b *Blob) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

type Stats struct {
	BlobSizeBytes int
	Duration      time.Duration
	ChunkCount    int
	MIMEType      string
}

func (s Stats) DurationSeconds() float64 { return s.Duration.Seconds() }

// ChunksBuffer collects encoded chunks in arrival order.
type ChunksBuffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	mimeType string
}

func NewChunksBuffer(mimeType string) *ChunksBuffer {
	return &ChunksBuffer{mimeType: mimeType}
}

func (b *ChunksBuffer) SetMIMEType(mimeType string) {
	b.mu.Lock()
	b.mimeType = mimeType
	b.mu.Unlock()
}

// Add appends a copy of data. Empty chunks are dropped and reported false.
func (b *ChunksBuffer) Add(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	c := make([]byte, len(data))
	copy(c, data)
	b.mu.Lock()
	b.chunks = append(b.chunks, c)
	b.size += len(c)
	b.mu.Unlock()
	return true
}

func (b *ChunksBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// FinalBlob concatenates all chunks. It returns nil when nothing was recorded.
func (b *ChunksBuffer) FinalBlob() *Blob {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return nil
	}
	data := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		data = append(data, c...)
	}
	return &Blob{Data: data, MIMEType: b.mimeType}
}

func (b *ChunksBuffer) Stats(d time.Duration) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		BlobSizeBytes: b.size,
		Duration:      d,
		ChunkCount:    len(b.chunks),
		MIMEType:      b.mimeType,
	}
}

func (b *ChunksBuffer) Clear() {
	b.mu.Lock()
	b.chunks = nil
	b.size = 0
	b.mu.Unlock()
}
