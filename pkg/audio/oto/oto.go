// Package oto implements the playback half of [audio.Backend] on top of
// github.com/ebitengine/oto/v3.
//
// Each output context owns an [audio.Timeline] and one oto player that pulls
// mono 16-bit PCM from it. The timeline's clock therefore advances exactly as
// fast as the device consumes audio, and buffers scheduled against it play
// back gaplessly.
//
// oto permits a single device context per process. It is created lazily on
// the first NewOutputContext and shared by every later one; all contexts must
// use the same format.
package oto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	otov3 "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/rescuevox/pkg/audio"
)

// DefaultBufferSize is the device buffer length: the latency between the
// timeline clock and what is audible.
const DefaultBufferSize = 100 * time.Millisecond

var (
	_ audio.OutputBackend = (*Backend)(nil)
	_ audio.OutputContext = (*outputContext)(nil)
)

type player interface {
	Play()
	Pause()
	Close() error
}

var (
	deviceOnce   sync.Once
	deviceCtx    *otov3.Context
	deviceFormat audio.Format
	deviceErr    error
)

func sharedContext(f audio.Format, bufSize time.Duration) (*otov3.Context, error) {
	deviceOnce.Do(func() {
		ctx, ready, err := otov3.NewContext(&otov3.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: 1,
			Format:       otov3.FormatSignedInt16LE,
			BufferSize:   bufSize,
		})
		if err != nil {
			deviceErr = fmt.Errorf("oto: new context: %w", err)
			return
		}
		<-ready
		deviceCtx, deviceFormat = ctx, f
	})
	if deviceErr != nil {
		return nil, deviceErr
	}
	if deviceFormat.SampleRate != f.SampleRate {
		return nil, fmt.Errorf("oto: device already opened at %s, cannot open %s", deviceFormat, f)
	}
	return deviceCtx, nil
}

// Option configures a Backend.
type Option func(*Backend)

// WithBufferSize overrides [DefaultBufferSize]. It only takes effect for the
// first context created in the process.
func WithBufferSize(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.bufferSize = d
		}
	}
}

// Backend opens speaker output contexts.
type Backend struct {
	bufferSize time.Duration
	newPlayer  func(f audio.Format, r io.Reader) (player, error)
}

// New returns a playback backend.
func New(opts ...Option) *Backend {
	b := &Backend{bufferSize: DefaultBufferSize}
	b.newPlayer = b.devicePlayer
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) devicePlayer(f audio.Format, r io.Reader) (player, error) {
	ctx, err := sharedContext(f, b.bufferSize)
	if err != nil {
		return nil, err
	}
	return ctx.NewPlayer(r), nil
}

// NewOutputContext creates a suspended output context. Audio is pulled from
// the timeline only after Resume.
func (b *Backend) NewOutputContext(f audio.Format) (audio.OutputContext, error) {
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("oto: invalid format %s", f)
	}
	// The timeline renders mono only.
	f.Channels = 1
	tl := audio.NewTimeline(f.SampleRate)
	p, err := b.newPlayer(f, tl)
	if err != nil {
		return nil, err
	}
	return &outputContext{Timeline: tl, format: f, player: p}, nil
}

// ── Output context ─────────────────────────────────────────────────────────────

type outputContext struct {
	*audio.Timeline
	format audio.Format
	player player

	mu    sync.Mutex
	state audio.ContextState
}

func (c *outputContext) Format() audio.Format { return c.format }

func (c *outputContext) State() audio.ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *outputContext) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case audio.StateClosed:
		return errors.New("oto: resume on closed context")
	case audio.StateRunning:
		return nil
	}
	c.player.Play()
	c.state = audio.StateRunning
	return nil
}

func (c *outputContext) Schedule(buf *audio.PlaybackBuffer, at time.Duration) error {
	if c.State() == audio.StateClosed {
		return errors.New("oto: schedule on closed context")
	}
	return c.Timeline.Schedule(buf, at)
}

// Close stops the player and drops pending audio. The shared device context
// stays open for the next session.
func (c *outputContext) Close() error {
	c.mu.Lock()
	if c.state == audio.StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = audio.StateClosed
	c.mu.Unlock()

	c.player.Pause()
	c.Timeline.Flush()
	if err := c.player.Close(); err != nil {
		return fmt.Errorf("oto: close player: %w", err)
	}
	return nil
}
