// Package playback schedules decoded response audio for gapless sequential
// playback against a monotonically advancing playhead.
//
// Each buffer starts at max(playhead, output clock) and moves the playhead to
// its end. Buffers arriving faster than they are consumed therefore play
// back to back; buffers arriving after a pause start immediately and the pause
// is heard as silence.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFallbackRate sets the sample rate assumed for inbound chunks whose MIME
// type carries no rate parameter. Defaults to the output context's rate.
func WithFallbackRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.fallbackRate = rate
		}
	}
}

// WithDecodeErrorFunc registers a callback invoked for every chunk that
// fails to decode.
func WithDecodeErrorFunc(fn func(error)) Option {
	return func(p *Pipeline) { p.onDecodeError = fn }
}

// WithScheduledFunc registers a callback invoked after every buffer is
// scheduled with its start time and duration.
func WithScheduledFunc(fn func(start, dur time.Duration)) Option {
	return func(p *Pipeline) { p.onScheduled = fn }
}

// Pipeline owns the playhead for one output context. Its methods are safe
// for concurrent use; the clock update and the Schedule call happen under one
// lock.
type Pipeline struct {
	out           audio.OutputContext
	fallbackRate  int
	onDecodeError func(error)
	onScheduled   func(start, dur time.Duration)

	mu   sync.Mutex
	next time.Duration
}

// New creates a pipeline scheduling onto out.
func New(out audio.OutputContext, opts ...Option) *Pipeline {
	p := &Pipeline{
		out:          out,
		fallbackRate: out.Format().SampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Push decodes one inbound chunk and enqueues it. A chunk that fails to decode
// is logged and skipped; the playhead is left untouched.
func (p *Pipeline) Push(chunk agent.MediaChunk) error {
	buf, err := p.decode(chunk)
	if err != nil {
		slog.Warn("playback: dropping undecodable chunk", "mime", chunk.MIMEType, "err", err)
		if p.onDecodeError != nil {
			p.onDecodeError(err)
		}
		return err
	}
	_, err = p.Enqueue(buf)
	return err
}

func (p *Pipeline) decode(chunk agent.MediaChunk) (*audio.PlaybackBuffer, error) {
	pcm, err := audio.FromTransportText(chunk.Data)
	if err != nil {
		return nil, err
	}
	return audio.DecodePCM16(pcm, audio.ParseMIMERate(chunk.MIMEType, p.fallbackRate), 1)
}

// Enqueue schedules buf at max(playhead, output clock) and advances the
// playhead by the buffer's duration. It returns the scheduled start time.
// Empty buffers are ignored.
func (p *Pipeline) Enqueue(buf *audio.PlaybackBuffer) (time.Duration, error) {
	if buf == nil || buf.Len() == 0 {
		return p.NextStartTime(), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := max(p.next, p.out.CurrentTime())
	if err := p.out.Schedule(buf, start); err != nil {
		return start, fmt.Errorf("playback: schedule: %w", err)
	}
	dur := buf.Duration()
	p.next = start + dur
	if p.onScheduled != nil {
		p.onScheduled(start, dur)
	}
	return start, nil
}

// Flush drops every pending buffer and rebases the playhead onto the output
// clock, so audio arriving after a barge-in starts immediately.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Flush()
	p.next = p.out.CurrentTime()
}

// NextStartTime returns the playhead: the earliest time the next buffer may
// start.
func (p *Pipeline) NextStartTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}
