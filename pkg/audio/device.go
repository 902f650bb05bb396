// Package audio defines the audio types, PCM codec and device abstractions
// used by the rescuevox capture and playback pipelines.
//
// The device abstractions are:
//
//   - [Backend] creates input and output contexts for one session.
//   - [InputContext] owns the capture side and opens the [Microphone].
//   - [OutputContext] owns the speaker side and exposes an output clock that
//     buffers are scheduled against.
//
// Implementations live in backend-specific packages (audio/malgo, audio/oto)
// and in audio/mock for tests. This package lives under pkg/ because other
// hosts (a GUI shell, a browser bridge) are expected to provide their own
// backends.
package audio

import (
	"context"
	"time"
)

// ContextState is the lifecycle state of an audio context.
type ContextState int

const (
	// StateSuspended means the context exists but is not processing audio.
	// Platform contexts may start suspended until explicitly resumed.
	StateSuspended ContextState = iota

	// StateRunning means the context is processing audio.
	StateRunning

	// StateClosed means the context has been released.
	StateClosed
)

// String returns the human-readable name of the state.
func (s ContextState) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Context is the shared lifecycle of input and output audio contexts.
type Context interface {
	// State reports the current lifecycle state.
	State() ContextState

	// Resume moves a suspended context to running. Audio routed to a
	// suspended context is silently lost, so callers must resume before use.
	Resume(ctx context.Context) error

	// Close releases the context and every device it owns. Idempotent.
	Close() error
}

// FrameFunc receives one captured frame. Invocations are serialised: frame
// N+1 is not delivered before the call for frame N returns.
type FrameFunc func(Frame)

// Microphone is an open capture stream.
type Microphone interface {
	// Start begins delivering frames of exactly frameSize samples to fn.
	// Start may be called at most once.
	Start(frameSize int, fn FrameFunc) error

	// Stop disconnects the frame callback and stops the device track.
	// It is idempotent and safe to call from inside fn.
	Stop() error
}

// InputContext owns the capture device for one session.
type InputContext interface {
	Context

	// Format returns the capture format the context was created with.
	Format() Format

	// OpenMicrophone acquires the capture stream. A denied or unavailable
	// device yields a [*PermissionError].
	OpenMicrophone(ctx context.Context) (Microphone, error)
}

// OutputContext owns the speaker for one session.
type OutputContext interface {
	Context

	// Format returns the output format the context was created with.
	Format() Format

	// CurrentTime returns the output clock: how much audio the device has
	// consumed since the context was created. It never decreases.
	CurrentTime() time.Duration

	// Schedule queues buf to start playing at the given output clock time.
	// A time in the past starts the buffer immediately.
	Schedule(buf *PlaybackBuffer, at time.Duration) error

	// Flush drops every scheduled buffer that has not finished playing.
	Flush()
}

// InputBackend creates capture contexts.
type InputBackend interface {
	NewInputContext(f Format) (InputContext, error)
}

// OutputBackend creates playback contexts.
type OutputBackend interface {
	NewOutputContext(f Format) (OutputContext, error)
}

// Backend creates the audio contexts for a session.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	InputBackend
	OutputBackend
}

// Combine joins separate capture and playback implementations into one
// [Backend].
func Combine(in InputBackend, out OutputBackend) Backend {
	return combined{in, out}
}

type combined struct {
	InputBackend
	OutputBackend
}
