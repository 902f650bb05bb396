package audio

import (
	"fmt"
	"time"
)

// Frame is one fixed-length block of captured audio. Samples are signed
// normalised floats in [-1, 1], mono, at SampleRate Hz.
//
// A Frame is produced once per capture callback and must be treated as
// read-only once handed to a [FrameFunc].
type Frame struct {
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// MIMEType returns the media descriptor used to tag raw 16-bit PCM of this
// format on the wire, e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Canonical formats used by the capture and playback pipelines.
var (
	// CaptureFormat is the microphone format sent to the remote agent.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the default format of synthesised speech.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)
