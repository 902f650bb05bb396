// Package capture bridges a live microphone stream into uniformly sized,
// encoded audio chunks for a realtime agent channel.
//
// Each frame delivered by the [audio.Microphone] is measured (RMS level),
// encoded to 16-bit PCM, transport-encoded and handed to the currently
// attached [Sink]. With no sink attached the frame is dropped: live audio is
// never queued, since stale speech is worse than lost speech.
package capture

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

// DefaultFrameSize is the number of samples per captured frame.
const DefaultFrameSize = 4096

// Sink receives encoded chunks. agent.Channel satisfies it.
type Sink interface {
	SendAudio(chunk agent.MediaChunk) error
}

// Outcome classifies what happened to one frame.
type Outcome int

const (
	// Sent means the frame was handed to the sink.
	Sent Outcome = iota

	// Dropped means no sink was attached.
	Dropped

	// Failed means the sink rejected the frame.
	Failed
)

// String returns the outcome name used in logs and metric attributes.
func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFrameSize overrides [DefaultFrameSize].
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithFormat sets the capture format used to tag outbound chunks. Defaults
// to [audio.CaptureFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) { p.format = f }
}

// WithLevelFunc registers a callback that receives the RMS level in [0, 1]
// of every frame. It runs on the capture timeline and must not block.
func WithLevelFunc(fn func(level float64)) Option {
	return func(p *Pipeline) { p.onLevel = fn }
}

// WithOutcomeFunc registers a callback invoked once per frame with its
// outcome. It runs on the capture timeline and must not block.
func WithOutcomeFunc(fn func(Outcome)) Option {
	return func(p *Pipeline) { p.onOutcome = fn }
}

// ── Pipeline ───────────────────────────────────────────────────────────────────

type sinkRef struct{ s Sink }

// Pipeline drives one microphone. It is safe for concurrent use: Attach,
// Detach and Stop may race with frame delivery.
type Pipeline struct {
	mic       audio.Microphone
	format    audio.Format
	frameSize int
	onLevel   func(float64)
	onOutcome func(Outcome)

	sink atomic.Pointer[sinkRef]

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a pipeline for mic. Frames are not delivered until Start.
func New(mic audio.Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:       mic,
		format:    audio.CaptureFormat,
		frameSize: DefaultFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// FrameSize returns the configured samples per frame.
func (p *Pipeline) FrameSize() int { return p.frameSize }

// Start registers the frame callback with the microphone.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("capture: pipeline stopped")
	}
	if p.started {
		return nil
	}
	if err := p.mic.Start(p.frameSize, p.handleFrame); err != nil {
		return err
	}
	p.started = true
	return nil
}

// Attach routes subsequent frames to s.
func (p *Pipeline) Attach(s Sink) {
	if s == nil {
		p.sink.Store(nil)
		return
	}
	p.sink.Store(&sinkRef{s: s})
}

// Detach stops routing frames. Frames arriving afterwards are dropped.
func (p *Pipeline) Detach() {
	p.sink.Store(nil)
}

// Stop detaches the sink and stops the microphone. It is idempotent and
// safe to call from inside a frame callback.
func (p *Pipeline) Stop() error {
	p.Detach()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	return p.mic.Stop()
}

func (p *Pipeline) handleFrame(f audio.Frame) {
	if p.onLevel != nil {
		p.onLevel(audio.RMS(f.Samples))
	}

	chunk := agent.MediaChunk{
		MIMEType: p.format.MIMEType(),
		Data:     audio.ToTransportText(audio.EncodePCM16(f.Samples)),
	}

	// The sink can be cleared by a concurrent teardown at any point; only
	// the value loaded here matters.
	ref := p.sink.Load()
	if ref == nil {
		p.report(Dropped)
		return
	}
	if err := ref.s.SendAudio(chunk); err != nil {
		slog.Debug("capture: send failed, frame dropped", "err", err)
		p.report(Failed)
		return
	}
	p.report(Sent)
}

func (p *Pipeline) report(o Outcome) {
	if p.onOutcome != nil {
		p.onOutcome(o)
	}
}
