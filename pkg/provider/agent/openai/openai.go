// Package openai implements the agent.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API expects 24 kHz PCM16 input, so outbound chunks captured at
// another rate are resampled before they are appended to the input buffer.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
	"github.com/coder/websocket"
	"google.golang.org/genai"
)

// Compile-time assertions that Provider and channel satisfy the agent interfaces.
var _ agent.Provider = (*Provider)(nil)
var _ agent.Channel = (*channel)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeRate is the only PCM16 rate the Realtime API accepts.
	realtimeRate = 24000

	readLimit = 8 << 20
)

var realtimeFormat = audio.Format{SampleRate: realtimeRate, Channels: 1}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements agent.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Voices:       []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
		OutputFormat: realtimeFormat,
	}
}

// Connect dials the Realtime endpoint and sends session.update. hooks.OnOpen
// fires once the server confirms with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig, hooks agent.Hooks) (agent.Channel, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		hooks:  hooks,
		ctx:    chCtx,
		cancel: chCancel,
	}

	update, err := sessionUpdate(cfg)
	if err == nil {
		err = ch.writeJSON(update)
	}
	if err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go ch.receiveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string  `json:"modalities"`
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	ToolChoice        string    `json:"tool_choice,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func sessionUpdate(cfg agent.SessionConfig) (sessionUpdateMessage, error) {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if len(cfg.Tools) > 0 {
		tools, err := toOAITools(cfg.Tools)
		if err != nil {
			return sessionUpdateMessage{}, err
		}
		params.Tools = tools
		params.ToolChoice = "auto"
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}, nil
}

// toOAITools converts tool definitions to the Realtime function format.
func toOAITools(tools []agent.ToolDefinition) ([]oaiTool, error) {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		params, err := jsonSchema(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return out, nil
}

// jsonSchema renders a genai schema as standard JSON Schema. The two dialects
// share their keywords; genai spells type names in upper case.
func jsonSchema(s *genai.Schema) (map[string]any, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	lowerTypes(m)
	return m, nil
}

func lowerTypes(v any) {
	switch n := v.(type) {
	case map[string]any:
		for k, child := range n {
			if s, ok := child.(string); ok && k == "type" {
				n[k] = strings.ToLower(s)
				continue
			}
			lowerTypes(child)
		}
	case []any:
		for _, child := range n {
			lowerTypes(child)
		}
	}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn  *websocket.Conn
	hooks agent.Hooks

	mu     sync.Mutex
	closed bool

	// opened and currentTxText are only touched by receiveLoop.
	opened bool

	// currentTxText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received.
	currentTxText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them to the
// hooks. It fires OnClose exactly once on exit.
func (c *channel) receiveLoop() {
	var cause error
	defer func() { c.finish(cause) }()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				cause = fmt.Errorf("openai: read: %w", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if evt.Type == "error" {
			msg := "unknown error"
			if evt.Error != nil && evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			// Before the session is configured an error means it never will be.
			if !c.opened {
				cause = fmt.Errorf("openai: %s", msg)
				return
			}
			slog.Warn("openai: server error event", "message", msg)
			continue
		}

		if evt.Type == "session.updated" && !c.opened {
			c.opened = true
			if c.hooks.OnOpen != nil {
				c.hooks.OnOpen(c)
			}
			continue
		}
		if !c.opened {
			continue
		}

		if m := c.toMessage(&evt); !m.Empty() && c.hooks.OnMessage != nil {
			c.hooks.OnMessage(m)
		}
	}
}

func (c *channel) toMessage(evt *serverEvent) agent.Message {
	var m agent.Message
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta != "" {
			m.Audio = []agent.MediaChunk{{MIMEType: realtimeFormat.MIMEType(), Data: evt.Delta}}
		}

	case "response.audio_transcript.delta":
		c.currentTxText += evt.Delta

	case "response.audio_transcript.done":
		m.OutputTranscript = c.currentTxText
		c.currentTxText = ""

	case "conversation.item.input_audio_transcription.completed":
		m.InputTranscript = evt.Transcript

	case "input_audio_buffer.speech_started":
		m.Interrupted = true

	case "response.done":
		m.TurnComplete = true

	case "response.function_call_arguments.done":
		m.ToolCalls = []agent.ToolCall{{
			ID:   evt.CallID,
			Name: evt.Name,
			Args: json.RawMessage(evt.Arguments),
		}}
	}
	return m
}

// finish releases the connection and fires OnClose once.
func (c *channel) finish(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		local := c.closed
		c.closed = true
		c.mu.Unlock()

		if local {
			cause = nil
		} else {
			c.cancel()
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.hooks.OnClose != nil {
			c.hooks.OnClose(cause)
		}
	})
}

var errClosed = errors.New("openai: channel closed")

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio appends one chunk to the input audio buffer, resampling it to
// 24 kHz when the chunk declares a different rate.
func (c *channel) SendAudio(chunk agent.MediaChunk) error {
	if c.isClosed() {
		return errClosed
	}

	payload := chunk.Data
	if rate := audio.ParseMIMERate(chunk.MIMEType, realtimeRate); rate != realtimeRate {
		pcm, err := audio.FromTransportText(chunk.Data)
		if err != nil {
			return fmt.Errorf("openai: send audio: %w", err)
		}
		payload = audio.ToTransportText(audio.ResampleMono16(pcm, rate, realtimeRate))
	}

	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: payload,
	})
}

// SendToolResponses returns each result as a function_call_output item and
// then asks the model to continue its response.
func (c *channel) SendToolResponses(responses []agent.ToolResponse) error {
	if c.isClosed() {
		return errClosed
	}
	if len(responses) == 0 {
		return nil
	}
	for _, r := range responses {
		out, err := json.Marshal(r.Response)
		if err != nil {
			return fmt.Errorf("openai: marshal tool output: %w", err)
		}
		if err := c.writeJSON(createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   "function_call_output",
				CallID: r.ID,
				Output: string(out),
			},
		}); err != nil {
			return err
		}
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// Close terminates the channel and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
