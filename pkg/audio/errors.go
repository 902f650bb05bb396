package audio

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is matched by every [PermissionError] via errors.Is.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// PermissionError reports that the capture device could not be opened.
// On desktop platforms this covers both an OS-level privacy denial and a
// missing or busy capture device; either way no audio can be acquired.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: permission denied for %s", e.Device)
	}
	return fmt.Sprintf("audio: permission denied for %s: %v", e.Device, e.Err)
}

// Unwrap returns the underlying device error.
func (e *PermissionError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrPermissionDenied].
func (e *PermissionError) Is(target error) bool { return target == ErrPermissionDenied }

// DecodeError reports a malformed audio payload: invalid transport text or
// a PCM byte length that is not a whole number of sample frames.
type DecodeError struct {
	Reason string
	Len    int
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("audio: decode: %s (len=%d)", e.Reason, e.Len)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *DecodeError) Unwrap() error { return e.Err }
