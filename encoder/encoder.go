package encoder

import (
	"errors"
	"fmt"
	"strings"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	MIMEFlac = "audio/flac"
	MIMEWav  = "audio/wav"

	// DefaultMIMEType is used when no preferred type is supported.
	DefaultMIMEType = MIMEWav
)

// DefaultPreferences lists container types from most to least preferred.
// Types without a local encoder are skipped during negotiation.
var DefaultPreferences = []string{
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	MIMEFlac,
	MIMEWav,
}

var ErrUnsupportedType = errors.New("unsupported mime type")

// Encoder turns 16-bit mono PCM blocks into a byte stream. Flush returns the
// bytes produced since the previous Flush so the stream can be delivered in
// pieces; concatenating every Flush result yields the complete file.
type Encoder interface {
	MIMEType() string
	EncodeBlock(block []int16) error
	Flush() []byte
	Close() error
	TotalFrames() uint64
}

var factories = map[string]func() (Encoder, error){
	MIMEFlac: func() (Encoder, error) { return NewFlac() },
	MIMEWav:  func() (Encoder, error) { return NewWav(), nil },
}

func normalize(mime string) string {
	return strings.ToLower(strings.ReplaceAll(mime, " ", ""))
}

func IsTypeSupported(mime string) bool {
	_, ok := factories[normalize(mime)]
	return ok
}

// Negotiate returns the first supported type in prefs, or DefaultMIMEType.
func Negotiate(prefs []string) string {
	for _, p := range prefs {
		if IsTypeSupported(p) {
			return normalize(p)
		}
	}
	return DefaultMIMEType
}

func New(mime string) (Encoder, error) {
	f, ok := factories[normalize(mime)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, mime)
	}
	return f()
}
