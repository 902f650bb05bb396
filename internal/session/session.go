// Package session owns the lifecycle of one realtime emergency call: audio
// devices, the agent channel, and the routing between them.
//
// A [Manager] moves through Idle → Connecting → Live → Stopping →
// Disconnected. Device resources exist only while Connecting, Live or
// Stopping, and at most one set exists at a time. Two event sources drive a
// live session: the capture device's frame callback and the channel's
// inbound hooks. Each is serialised on its own; they run concurrently with
// each other and with [Manager.Stop].
package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/rescuevox/internal/report"
)

// State is the lifecycle state of a [Manager].
type State int

const (
	Idle State = iota
	Connecting
	Live
	Stopping
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Stopping:
		return "stopping"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// active reports whether device resources may exist in this state.
func (s State) active() bool {
	return s == Connecting || s == Live || s == Stopping
}

var (
	// ErrAlreadyActive is returned by Connect while a session is
	// connecting, live or stopping. Nothing is acquired.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrStopped is returned by a Connect that was aborted by Stop.
	ErrStopped = errors.New("session: stopped")
)

// ConnectionError reports that the agent channel could not be opened or was
// closed by the remote side.
type ConnectionError struct {
	// Op is "dial", "open", "timeout" or "remote close".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "session: " + e.Op
	}
	return "session: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Listener is the UI side of a session. OnAudioLevel runs on the capture
// timeline at frame rate; the other methods run on the channel's receive
// goroutine or the caller of Connect/Stop. Implementations must not block.
type Listener interface {
	// OnStatusChange receives a human-readable phase label. Display only.
	OnStatusChange(status string)

	// OnAudioLevel receives the RMS level of each captured frame in [0, 1].
	OnAudioLevel(level float64)

	// OnReportSubmitted receives each reportEmergency draft exactly once.
	// Calls are never concurrent with each other.
	OnReportSubmitted(d report.Draft)
}

// NopListener discards every notification.
type NopListener struct{}

func (NopListener) OnStatusChange(string)          {}
func (NopListener) OnAudioLevel(float64)           {}
func (NopListener) OnReportSubmitted(report.Draft) {}

// Status labels passed to [Listener.OnStatusChange].
const (
	StatusAcquiringAudio = "Requesting microphone"
	StatusConnecting     = "Connecting to dispatcher"
	StatusLive           = "Connected, speak now"
	StatusStopping       = "Ending call"
	StatusDisconnected   = "Disconnected"
)
