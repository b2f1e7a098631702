package recorder

import (
	"sync"

	"meetrec/audio"
)

// StreamManager owns the session stream. It reports the first external end
// of any audio track and stops every track on Cleanup.
type StreamManager struct {
	mu       sync.Mutex
	stream   *audio.Stream
	removers []func()
}

func (m *StreamManager) Initialize(stream *audio.Stream, onUnexpectedEnd func()) {
	m.Cleanup()

	var once sync.Once
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = stream
	if onUnexpectedEnd == nil {
		return
	}
	for _, t := range stream.AudioTracks() {
		m.removers = append(m.removers, t.OnEnded(func() { once.Do(onUnexpectedEnd) }))
	}
}

func (m *StreamManager) Stream() *audio.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func (m *StreamManager) Cleanup() {
	m.mu.Lock()
	stream := m.stream
	removers := m.removers
	m.stream = nil
	m.removers = nil
	m.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	if stream != nil {
		stream.StopAll()
	}
}
