// Package malgo implements the capture half of [audio.Backend] on top of
// miniaudio via github.com/gen2brain/malgo.
//
// The miniaudio data callback runs on a realtime thread and must never block.
// It only slices incoming PCM into fixed-size frames and hands them to a
// dispatcher goroutine through a small bounded queue; the dispatcher invokes
// the [audio.FrameFunc] serially. When the consumer falls behind, the newest
// frame is dropped rather than queued without bound.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/rescuevox/pkg/audio"
)

// queueDepth is the number of complete frames that may wait for the
// dispatcher.
const queueDepth = 8

var (
	_ audio.InputBackend = (*Backend)(nil)
	_ audio.InputContext = (*inputContext)(nil)
	_ audio.Microphone   = (*microphone)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithDeviceName labels the capture device in errors and logs.
func WithDeviceName(name string) Option {
	return func(b *Backend) { b.deviceName = name }
}

// WithPeriod sets the miniaudio period size in milliseconds. Smaller periods
// lower latency at the cost of more callbacks.
func WithPeriod(ms uint32) Option {
	return func(b *Backend) { b.periodMS = ms }
}

// Backend opens default capture devices through miniaudio.
type Backend struct {
	deviceName string
	periodMS   uint32
}

// New returns a capture backend.
func New(opts ...Option) *Backend {
	b := &Backend{deviceName: "default capture device", periodMS: 20}
	for _, o := range opts {
		o(b)
	}
	return b
}

// NewInputContext allocates a miniaudio context. The context starts
// suspended; no device is touched until OpenMicrophone.
func (b *Backend) NewInputContext(f audio.Format) (audio.InputContext, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("malgo: invalid format %s", f)
	}
	actx, err := ma.InitContext(nil, ma.ContextConfig{ThreadPriority: ma.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &inputContext{backend: b, actx: actx, format: f}, nil
}

// ── Input context ──────────────────────────────────────────────────────────────

type inputContext struct {
	backend *Backend
	actx    *ma.AllocatedContext
	format  audio.Format

	mu     sync.Mutex
	state  audio.ContextState
	mics   []*microphone
	closed bool
}

func (c *inputContext) Format() audio.Format { return c.format }

func (c *inputContext) State() audio.ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *inputContext) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("malgo: resume on closed context")
	}
	c.state = audio.StateRunning
	return nil
}

func (c *inputContext) OpenMicrophone(ctx context.Context) (audio.Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("malgo: open microphone on closed context")
	}

	m := &microphone{
		channels: c.format.Channels,
		rate:     c.format.SampleRate,
		queue:    make(chan audio.Frame, queueDepth),
		done:     make(chan struct{}),
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatS16
	cfg.Capture.Channels = uint32(c.format.Channels)
	cfg.SampleRate = uint32(c.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = c.backend.periodMS

	dev, err := ma.InitDevice(c.actx.Context, cfg, ma.DeviceCallbacks{Data: m.onData})
	if err != nil {
		return nil, &audio.PermissionError{Device: c.backend.deviceName, Err: err}
	}
	m.dev = dev
	c.mics = append(c.mics, m)
	return m, nil
}

// Close stops every microphone and releases the miniaudio context.
func (c *inputContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = audio.StateClosed
	mics := c.mics
	c.mics = nil
	c.mu.Unlock()

	var errs []error
	for _, m := range mics {
		if err := m.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.actx.Uninit(); err != nil {
		errs = append(errs, fmt.Errorf("malgo: uninit context: %w", err))
	}
	c.actx.Free()
	return errors.Join(errs...)
}

// ── Microphone ─────────────────────────────────────────────────────────────────

type microphone struct {
	dev      *ma.Device
	channels int
	rate     int

	// framer is touched only by the miniaudio callback thread.
	framer *framer

	queue chan audio.Frame
	done  chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

func (m *microphone) Start(frameSize int, fn audio.FrameFunc) error {
	if frameSize <= 0 {
		return fmt.Errorf("malgo: invalid frame size %d", frameSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.New("malgo: microphone stopped")
	}
	if m.started {
		return errors.New("malgo: microphone already started")
	}
	m.framer = newFramer(frameSize, m.channels, m.rate)
	go m.dispatch(fn)
	if err := m.dev.Start(); err != nil {
		close(m.done)
		m.stopped = true
		return fmt.Errorf("malgo: start device: %w", err)
	}
	m.started = true
	return nil
}

// onData runs on the miniaudio thread.
func (m *microphone) onData(_, input []byte, _ uint32) {
	if m.framer == nil {
		return
	}
	m.framer.write(input, m.offer)
}

// offer queues f for the dispatcher. When the queue is full the oldest frame
// gives way, so a slow consumer hears the latest audio.
func (m *microphone) offer(f audio.Frame) {
	for {
		select {
		case <-m.done:
			return
		case m.queue <- f:
			return
		default:
		}
		select {
		case <-m.queue:
			slog.Debug("malgo: frame queue full, dropping oldest frame")
		default:
		}
	}
}

func (m *microphone) dispatch(fn audio.FrameFunc) {
	for {
		select {
		case <-m.done:
			return
		case f := <-m.queue:
			// Stop may have raced the receive.
			select {
			case <-m.done:
				return
			default:
			}
			fn(f)
		}
	}
}

// Stop is idempotent and may run on the dispatcher goroutine itself, so it
// never waits for dispatch to return.
func (m *microphone) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		if !m.stopped {
			m.stopped = true
			close(m.done)
		}
		m.mu.Unlock()

		if started {
			if stopErr := m.dev.Stop(); stopErr != nil {
				err = fmt.Errorf("malgo: stop device: %w", stopErr)
			}
		}
		m.dev.Uninit()
	})
	return err
}
