package device

import (
	"context"
	"errors"

	"meetrec/audio"
)

var (
	ErrTimeout       = errors.New("device request timed out")
	ErrPromptPending = errors.New("permission prompt not answered")
	ErrNoDevices     = errors.New("no audio input devices")
)

// ErrorKind is the user-facing classification of a device or permission
// failure.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindDenied        ErrorKind = "denied"
	KindPromptPending ErrorKind = "prompt_pending"
	KindNotFound      ErrorKind = "not_found"
	KindBusy          ErrorKind = "busy"
	KindUnsupported   ErrorKind = "unsupported"
	KindTimeout       ErrorKind = "timeout"
	KindAborted       ErrorKind = "aborted"
	KindUnknown       ErrorKind = "unknown"
)

func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, audio.ErrPermissionDenied):
		return KindDenied
	case errors.Is(err, ErrPromptPending):
		return KindPromptPending
	case errors.Is(err, audio.ErrDeviceNotFound), errors.Is(err, ErrNoDevices):
		return KindNotFound
	case errors.Is(err, audio.ErrDeviceBusy):
		return KindBusy
	case errors.Is(err, audio.ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, audio.ErrAborted), errors.Is(err, context.Canceled):
		return KindAborted
	default:
		return KindUnknown
	}
}

// Message is a short actionable hint for the kind.
func (k ErrorKind) Message() string {
	switch k {
	case KindDenied:
		return "Microphone access denied. Allow it in your system settings and try again."
	case KindPromptPending:
		return "Waiting for microphone permission."
	case KindNotFound:
		return "No microphone found. Connect one and refresh."
	case KindBusy:
		return "Microphone is in use by another application."
	case KindUnsupported:
		return "Audio capture is not supported on this system."
	case KindTimeout:
		return "The microphone did not respond in time."
	case KindAborted:
		return "Request cancelled."
	case KindNone:
		return ""
	default:
		return "Could not access the microphone."
	}
}

func retryable(err error) bool {
	return errors.Is(err, audio.ErrDeviceBusy) || errors.Is(err, audio.ErrAborted)
}
