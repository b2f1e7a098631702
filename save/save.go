// Package save hands finished recordings to storage: a local folder, a
// remote backend, or both in sequence.
package save

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetrec/encoder"
	"meetrec/recorder"
)

type Kind string

const (
	// KindRejected means the recording was refused before any I/O.
	KindRejected Kind = "rejected"
	KindStorage  Kind = "storage"
	KindNetwork  Kind = "network"
	KindRemote   Kind = "remote"
)

var (
	ErrEmptyRecording = errors.New("recording is empty")
	ErrTooShort       = errors.New("recording is too short")
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("save %s: %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or "" if err is not a save error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Receipt describes where a recording ended up. Fields a saver does not
// produce stay empty.
type Receipt struct {
	ID         string    `json:"id"`
	Path       string    `json:"path,omitempty"`
	RemoteID   string    `json:"remote_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	MIMEType   string    `json:"mime_type"`
	SizeBytes  int       `json:"size_bytes"`
	DurationMs int64     `json:"duration_ms"`
	SavedAt    time.Time `json:"saved_at"`
}

// Location is the most useful place to point the user at.
func (r *Receipt) Location() string {
	if r == nil {
		return ""
	}
	if r.Path != "" {
		return r.Path
	}
	return r.URL
}

type Saver interface {
	Save(ctx context.Context, blob *recorder.Blob, durationMs int64) (*Receipt, error)
}

func validate(blob *recorder.Blob, durationMs int64, min time.Duration) error {
	if blob.Size() == 0 {
		return &Error{Kind: KindRejected, Err: ErrEmptyRecording}
	}
	if min > 0 && time.Duration(durationMs)*time.Millisecond < min {
		return &Error{Kind: KindRejected, Err: fmt.Errorf("%w: %dms < %s", ErrTooShort, durationMs, min)}
	}
	return nil
}

func extension(mime string) string {
	switch mime {
	case encoder.MIMEFlac:
		return ".flac"
	case encoder.MIMEWav:
		return ".wav"
	default:
		return ".bin"
	}
}

// Chain runs savers in order and merges their receipts. It stops at the
// first failure and returns what was saved so far along with the error.
type Chain []Saver

func (c Chain) Save(ctx context.Context, blob *recorder.Blob, durationMs int64) (*Receipt, error) {
	var merged *Receipt
	for _, s := range c {
		r, err := s.Save(ctx, blob, durationMs)
		merged = merge(merged, r)
		if err != nil {
			return merged, err
		}
	}
	return merged, nil
}

func merge(into, r *Receipt) *Receipt {
	if r == nil {
		return into
	}
	if into == nil {
		cp := *r
		return &cp
	}
	if into.Path == "" {
		into.Path = r.Path
	}
	if into.RemoteID == "" {
		into.RemoteID = r.RemoteID
	}
	if into.URL == "" {
		into.URL = r.URL
	}
	return into
}
