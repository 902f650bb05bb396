package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep"
)

const resampleQuality = 4

// Timeline is a mono output clock that plays scheduled buffers at absolute
// positions. Its clock is the number of samples pulled from it so far, so it
// advances exactly as fast as the device consuming it.
//
// Timeline implements the scheduling half of [OutputContext]; backends embed
// it and drive it either as a [beep.Streamer] or as an [io.Reader] producing
// 16-bit little-endian PCM. It is safe for concurrent use.
type Timeline struct {
	mu     sync.Mutex
	format beep.Format
	mixer  beep.Mixer
	pos    int
	tmp    [][2]float64
}

// NewTimeline creates a timeline running at sampleRate Hz.
func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{
		format: beep.Format{
			SampleRate:  beep.SampleRate(sampleRate),
			NumChannels: 1,
			Precision:   2,
		},
	}
}

// SampleRate returns the output rate in Hz.
func (t *Timeline) SampleRate() int { return int(t.format.SampleRate) }

// CurrentTime returns how much audio has been pulled from the timeline.
func (t *Timeline) CurrentTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.format.SampleRate.D(t.pos)
}

// Schedule mixes buf into the output starting at the absolute clock time at.
// Buffers at a different sample rate are resampled. A time that has already
// passed starts the buffer at the next pulled sample.
func (t *Timeline) Schedule(buf *PlaybackBuffer, at time.Duration) error {
	if buf == nil {
		return fmt.Errorf("audio: timeline: nil buffer")
	}
	if buf.Len() == 0 {
		return nil
	}

	var s beep.Streamer = buf.Streamer()
	if src := buf.Format().SampleRate; src != t.format.SampleRate {
		s = beep.Resample(resampleQuality, src, t.format.SampleRate, s)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if offset := t.sampleAt(at) - t.pos; offset > 0 {
		s = beep.Seq(beep.Silence(offset), s)
	}
	t.mixer.Add(s)
	return nil
}

// sampleAt converts a clock time to the nearest sample index. Clock times
// are sums of per-buffer durations truncated to whole nanoseconds, so
// truncating again here would land one sample early.
func (t *Timeline) sampleAt(d time.Duration) int {
	return int(math.Round(d.Seconds() * float64(t.format.SampleRate)))
}

// Flush drops every scheduled buffer. The clock keeps running.
func (t *Timeline) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mixer.Clear()
}

// Stream implements [beep.Streamer]. It always fills samples, emitting
// silence when nothing is scheduled, and never ends.
func (t *Timeline) Stream(samples [][2]float64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamLocked(samples)
	return len(samples), true
}

// Err implements [beep.Streamer].
func (t *Timeline) Err() error { return nil }

func (t *Timeline) streamLocked(samples [][2]float64) {
	n, _ := t.mixer.Stream(samples)
	clear(samples[n:])
	t.pos += len(samples)
}

// Read implements [io.Reader], producing mono 16-bit little-endian PCM.
// It never blocks and never returns an error.
func (t *Timeline) Read(p []byte) (int, error) {
	frames := len(p) / 2
	if frames == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cap(t.tmp) < frames {
		t.tmp = make([][2]float64, frames)
	}
	samples := t.tmp[:frames]
	t.streamLocked(samples)
	for i, s := range samples {
		t.format.EncodeSigned(p[i*2:], s)
	}
	return frames * 2, nil
}

// Advance pulls d worth of audio and discards it. Used by backends without a
// real device and by tests.
func (t *Timeline) Advance(d time.Duration) {
	n := t.sampleAt(d)
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cap(t.tmp) < n {
		t.tmp = make([][2]float64, n)
	}
	t.streamLocked(t.tmp[:n])
}
