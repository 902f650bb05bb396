// Package mock provides test doubles for the agent package interfaces.
//
// Use Provider to verify Connect calls and hand out a controllable Channel.
// Use Channel to fire the inbound hooks (Open, Deliver, Drop) the way a real
// provider's receive goroutine would, and to inspect what the code under test
// sent back.
//
// Example:
//
//	ch := &mock.Channel{}
//	p := &mock.Provider{Channel: ch}
//	go mgr.Connect(ctx, nil)
//	ch.WaitConnected(time.Second)
//	ch.Open()
//	ch.Deliver(agent.Message{ToolCalls: []agent.ToolCall{{ID: "1", Name: "reportEmergency"}}})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

var (
	_ agent.Provider = (*Provider)(nil)
	_ agent.Channel  = (*Channel)(nil)
)

// ErrClosed is returned by Channel send methods after Close.
var ErrClosed = errors.New("mock: channel closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg agent.SessionConfig
}

// Provider is a mock implementation of agent.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is returned by Connect. If nil, a new Channel is created per
	// call.
	Channel *Channel

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectBlock, if non-nil, makes Connect wait until it is closed or
	// the context is cancelled.
	ConnectBlock chan struct{}

	// AutoOpen fires OnOpen from a separate goroutine right after Connect,
	// like a server that acknowledges setup immediately.
	AutoOpen bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities agent.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Channels records every channel handed out.
	Channels []*Channel
}

// Connect records the call and returns Channel, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig, hooks agent.Hooks) (agent.Channel, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.ConnectBlock
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	ch := p.Channel
	if ch == nil {
		ch = &Channel{}
	}
	ch.bind(hooks)
	p.Channels = append(p.Channels, ch)
	if p.AutoOpen {
		go ch.Open()
	}
	return ch, nil
}

// Capabilities returns ProviderCapabilities, defaulting the output format to
// [audio.PlaybackFormat].
func (p *Provider) Capabilities() agent.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.ProviderCapabilities
	if caps.OutputFormat.SampleRate == 0 {
		caps.OutputFormat = audio.PlaybackFormat
	}
	return caps
}

// Calls returns a snapshot of ConnectCalls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Channel is a mock implementation of agent.Channel.
type Channel struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SendToolErr, if non-nil, is returned by SendToolResponses.
	SendToolErr error

	// Audio records every chunk passed to SendAudio.
	Audio []agent.MediaChunk

	// ToolResponses records every response passed to SendToolResponses.
	ToolResponses []agent.ToolResponse

	// CloseCount is the number of times Close was called.
	CloseCount int

	hooks     agent.Hooks
	bound     chan struct{}
	closed    bool
	onceBound sync.Once

	// dispatch serialises hook invocations like a receive goroutine.
	dispatch sync.Mutex
}

func (c *Channel) boundCh() chan struct{} {
	c.onceBound.Do(func() { c.bound = make(chan struct{}) })
	return c.bound
}

func (c *Channel) bind(h agent.Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.closed = false
	c.mu.Unlock()
	select {
	case <-c.boundCh():
	default:
		close(c.boundCh())
	}
}

// WaitConnected blocks until Connect has handed out this channel or the
// timeout elapses. It reports whether the channel is connected.
func (c *Channel) WaitConnected(timeout time.Duration) bool {
	select {
	case <-c.boundCh():
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Channel) currentHooks() agent.Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hooks
}

// Open fires OnOpen.
func (c *Channel) Open() {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	if h := c.currentHooks(); h.OnOpen != nil {
		h.OnOpen(c)
	}
}

// Deliver fires OnMessage with m.
func (c *Channel) Deliver(m agent.Message) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	if h := c.currentHooks(); h.OnMessage != nil {
		h.OnMessage(m)
	}
}

// Drop fires OnClose with err, as when the remote side ends the session.
func (c *Channel) Drop(err error) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if h := c.currentHooks(); h.OnClose != nil {
		h.OnClose(err)
	}
}

// SendAudio records chunk.
func (c *Channel) SendAudio(chunk agent.MediaChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendAudioErr != nil {
		return c.SendAudioErr
	}
	c.Audio = append(c.Audio, chunk)
	return nil
}

// SendToolResponses records responses.
func (c *Channel) SendToolResponses(responses []agent.ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendToolErr != nil {
		return c.SendToolErr
	}
	c.ToolResponses = append(c.ToolResponses, responses...)
	return nil
}

// Close marks the channel closed. It does not fire OnClose; use Drop to
// simulate the remote side.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCount++
	c.closed = true
	return nil
}

// SentAudio returns a snapshot of Audio.
func (c *Channel) SentAudio() []agent.MediaChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.MediaChunk(nil), c.Audio...)
}

// SentToolResponses returns a snapshot of ToolResponses.
func (c *Channel) SentToolResponses() []agent.ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.ToolResponse(nil), c.ToolResponses...)
}

// Closes returns CloseCount.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCount
}
