package recorder

import (
	"errors"
	"fmt"

	"meetrec/encoder"
)

var (
	ErrNoAudioTrack        = encoder.ErrNoAudioTrack
	ErrAlreadyRecording    = errors.New("already recording")
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrStreamEnded         = errors.New("stream ended unexpectedly")
	ErrFinalizeTimeout     = errors.New("finalize timed out")
)

type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseData     Phase = "data"
	PhaseFinalize Phase = "finalize"
)

// PhaseError attributes a recording primitive failure to the lifecycle
// phase it happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("recorder failed during %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// FailedPhase returns the phase of the first PhaseError in err's chain.
func FailedPhase(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}
