package audio

import (
	"time"

	"github.com/gopxl/beep"
)

// PlaybackBuffer is a decoded mono audio buffer with a known duration.
// Scheduling a buffer never mutates it; each call to [PlaybackBuffer.Streamer]
// returns an independent read cursor.
type PlaybackBuffer struct {
	samples []float32
	format  beep.Format
}

// NewPlaybackBuffer wraps samples recorded at sampleRate. The slice is
// retained, not copied.
func NewPlaybackBuffer(samples []float32, sampleRate int) *PlaybackBuffer {
	return &PlaybackBuffer{
		samples: samples,
		format: beep.Format{
			SampleRate:  beep.SampleRate(sampleRate),
			NumChannels: 1,
			Precision:   2,
		},
	}
}

// Len returns the number of samples.
func (b *PlaybackBuffer) Len() int { return len(b.samples) }

// SampleRate returns the buffer's sample rate in Hz.
func (b *PlaybackBuffer) SampleRate() int { return int(b.format.SampleRate) }

// Format returns the beep format describing the buffer.
func (b *PlaybackBuffer) Format() beep.Format { return b.format }

// Duration returns the playback length of the buffer.
func (b *PlaybackBuffer) Duration() time.Duration {
	return b.format.SampleRate.D(len(b.samples))
}

// Samples returns the decoded samples. Callers must not modify them.
func (b *PlaybackBuffer) Samples() []float32 { return b.samples }

// Streamer returns a fresh beep streamer over the buffer.
func (b *PlaybackBuffer) Streamer() beep.StreamSeeker {
	return &bufferStreamer{samples: b.samples}
}

type bufferStreamer struct {
	samples []float32
	pos     int
}

func (s *bufferStreamer) Stream(out [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy32(out, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *bufferStreamer) Err() error { return nil }

func (s *bufferStreamer) Len() int { return len(s.samples) }

func (s *bufferStreamer) Position() int { return s.pos }

func (s *bufferStreamer) Seek(p int) error {
	s.pos = min(max(p, 0), len(s.samples))
	return nil
}

func copy32(out [][2]float64, in []float32) int {
	n := min(len(out), len(in))
	for i := range n {
		v := float64(in[i])
		out[i] = [2]float64{v, v}
	}
	return n
}
