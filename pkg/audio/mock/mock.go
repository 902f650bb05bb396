// Package mock provides in-memory implementations of the [audio.Backend],
// [audio.InputContext], [audio.OutputContext] and [audio.Microphone]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	in := &mock.InputContext{OpenResult: mic}
//	out := &mock.OutputContext{}
//	backend := &mock.Backend{Input: in, Output: out}
//	// ... start a session, then drive the capture callback:
//	mic.Emit(audio.Frame{Samples: make([]float32, 4096), SampleRate: 16000})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/rescuevox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Backend       = (*Backend)(nil)
	_ audio.InputContext  = (*InputContext)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
	_ audio.Microphone    = (*Microphone)(nil)
)

// ─── lifecycle ────────────────────────────────────────────────────────────────

// lifecycle implements the shared [audio.Context] bookkeeping.
type lifecycle struct {
	mu sync.Mutex

	// Running makes the context start in [audio.StateRunning] instead of
	// [audio.StateSuspended].
	Running bool

	// ResumeError is returned by Resume.
	ResumeError error

	// CloseError is returned by the first Close.
	CloseError error

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// State implements [audio.Context].
func (l *lifecycle) State() audio.ContextState {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return audio.StateClosed
	case l.Running:
		return audio.StateRunning
	default:
		return audio.StateSuspended
	}
}

// Resume implements [audio.Context].
func (l *lifecycle) Resume(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CallCountResume++
	if l.ResumeError != nil {
		return l.ResumeError
	}
	if l.closed {
		return errors.New("mock: resume on closed context")
	}
	l.Running = true
	return nil
}

// Close implements [audio.Context]. Only the first call returns CloseError.
func (l *lifecycle) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CallCountClose++
	if l.closed {
		return nil
	}
	l.closed = true
	l.Running = false
	return l.CloseError
}

// Closed reports whether Close has been called.
func (l *lifecycle) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone]. Frames are delivered only when the
// test calls [Microphone.Emit].
type Microphone struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// FrameSize records the frameSize passed to Start.
	FrameSize int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	fn      audio.FrameFunc
	stopped bool
	emitMu  sync.Mutex
}

// Start implements [audio.Microphone].
func (m *Microphone) Start(frameSize int, fn audio.FrameFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStart++
	if m.StartError != nil {
		return m.StartError
	}
	if m.fn != nil {
		return errors.New("mock: microphone already started")
	}
	m.FrameSize = frameSize
	m.fn = fn
	return nil
}

// Stop implements [audio.Microphone].
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStop++
	m.stopped = true
	m.fn = nil
	return nil
}

// Emit delivers f to the registered frame callback, as the audio thread
// would. It reports whether a callback was registered. Calls are serialised
// like a real device.
func (m *Microphone) Emit(f audio.Frame) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(f)
	return true
}

// Stopped reports whether Stop has been called.
func (m *Microphone) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// ─── InputContext ─────────────────────────────────────────────────────────────

// InputContext is a mock [audio.InputContext].
type InputContext struct {
	lifecycle

	// FormatResult is returned by Format. Defaults to [audio.CaptureFormat].
	FormatResult audio.Format

	// OpenResult is returned by OpenMicrophone. A fresh Microphone is created
	// when nil.
	OpenResult *Microphone

	// OpenError is returned by OpenMicrophone.
	OpenError error

	// CallCountOpen records how many times OpenMicrophone was called.
	CallCountOpen int
}

// Format implements [audio.InputContext].
func (c *InputContext) Format() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FormatResult.SampleRate == 0 {
		return audio.CaptureFormat
	}
	return c.FormatResult
}

// OpenMicrophone implements [audio.InputContext].
func (c *InputContext) OpenMicrophone(context.Context) (audio.Microphone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOpen++
	if c.OpenError != nil {
		return nil, c.OpenError
	}
	if c.OpenResult == nil {
		c.OpenResult = &Microphone{}
	}
	return c.OpenResult, nil
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// ScheduleCall records a single [OutputContext.Schedule] invocation.
type ScheduleCall struct {
	Buffer *audio.PlaybackBuffer
	At     time.Duration
}

// OutputContext is a mock [audio.OutputContext] with a manually driven clock.
type OutputContext struct {
	lifecycle

	// FormatResult is returned by Format. Defaults to [audio.PlaybackFormat].
	FormatResult audio.Format

	// ScheduleError is returned by Schedule.
	ScheduleError error

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	now time.Duration
}

// Format implements [audio.OutputContext].
func (c *OutputContext) Format() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FormatResult.SampleRate == 0 {
		return audio.PlaybackFormat
	}
	return c.FormatResult
}

// CurrentTime implements [audio.OutputContext].
func (c *OutputContext) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the output clock forward by d.
func (c *OutputContext) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Schedule implements [audio.OutputContext].
func (c *OutputContext) Schedule(buf *audio.PlaybackBuffer, at time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ScheduleError != nil {
		return c.ScheduleError
	}
	c.ScheduleCalls = append(c.ScheduleCalls, ScheduleCall{Buffer: buf, At: at})
	return nil
}

// Flush implements [audio.OutputContext].
func (c *OutputContext) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountFlush++
}

// Scheduled returns a snapshot of ScheduleCalls.
func (c *OutputContext) Scheduled() []ScheduleCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ScheduleCall(nil), c.ScheduleCalls...)
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// Input is returned by NewInputContext. A fresh InputContext is created
	// per call when nil.
	Input *InputContext

	// Output is returned by NewOutputContext. A fresh OutputContext is
	// created per call when nil.
	Output *OutputContext

	// InputError is returned by NewInputContext.
	InputError error

	// OutputError is returned by NewOutputContext.
	OutputError error

	// Inputs and Outputs record every context handed out.
	Inputs  []*InputContext
	Outputs []*OutputContext
}

// NewInputContext implements [audio.Backend].
func (b *Backend) NewInputContext(f audio.Format) (audio.InputContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.InputError != nil {
		return nil, b.InputError
	}
	in := b.Input
	if in == nil {
		in = &InputContext{FormatResult: f}
	}
	b.Inputs = append(b.Inputs, in)
	return in, nil
}

// NewOutputContext implements [audio.Backend].
func (b *Backend) NewOutputContext(f audio.Format) (audio.OutputContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OutputError != nil {
		return nil, b.OutputError
	}
	out := b.Output
	if out == nil {
		out = &OutputContext{FormatResult: f}
	}
	b.Outputs = append(b.Outputs, out)
	return out, nil
}

// Open returns how many contexts were created and not yet closed.
func (b *Backend) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, in := range b.Inputs {
		if !in.Closed() {
			n++
		}
	}
	for _, out := range b.Outputs {
		if !out.Closed() {
			n++
		}
	}
	return n
}
