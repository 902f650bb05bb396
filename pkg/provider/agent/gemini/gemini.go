// Package gemini implements the agent.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks; synthesised speech, tool
// calls and barge-in signals are surfaced through agent.Hooks.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
	"github.com/coder/websocket"
	"google.golang.org/genai"
)

// Compile-time assertions that Provider and channel satisfy the agent interfaces.
var _ agent.Provider = (*Provider)(nil)
var _ agent.Channel = (*channel)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame. Audio turns arrive as large
	// base64 blobs, well above the websocket default of 32 KiB.
	readLimit = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscription requests input and output audio transcriptions, which
// arrive as [agent.Message.InputTranscript] and [agent.Message.OutputTranscript].
func WithTranscription(enabled bool) Option {
	return func(p *Provider) { p.transcribe = enabled }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements agent.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	transcribe bool
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Voices:       []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
		OutputFormat: audio.PlaybackFormat,
	}
}

// Connect dials Gemini Live and sends the setup message. hooks.OnOpen fires
// once the server answers with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig, hooks agent.Hooks) (agent.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		hooks:  hooks,
		done:   make(chan struct{}),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.writeJSON(p.setupMessage(cfg)); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *genai.Content   `json:"systemInstruction,omitempty"`
	Tools                    []*genai.Tool    `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []genai.Modality    `json:"responseModalities"`
	SpeechConfig       *genai.SpeechConfig `json:"speechConfig,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
}

func (p *Provider) setupMessage(cfg agent.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", p.model),
			GenerationConfig: generationConfig{
				ResponseModalities: []genai.Modality{genai.ModalityAudio},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	if p.transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	GoAway               *goAway          `json:"goAway,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *mediaChunk `json:"inlineData,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// toMessage flattens a server message into an agent.Message.
func toMessage(msg *serverMessage) agent.Message {
	var m agent.Message
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" {
					m.Audio = append(m.Audio, agent.MediaChunk{
						MIMEType: p.InlineData.MIMEType,
						Data:     p.InlineData.Data,
					})
				}
				m.Text += p.Text
			}
		}
		if sc.InputTranscription != nil {
			m.InputTranscript = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			m.OutputTranscript = sc.OutputTranscription.Text
		}
		m.TurnComplete = sc.TurnComplete
		m.Interrupted = sc.Interrupted
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			m.ToolCalls = append(m.ToolCalls, agent.ToolCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: fc.Args,
			})
		}
	}
	return m
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn  *websocket.Conn
	hooks agent.Hooks

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	// opened is only touched by receiveLoop.
	opened bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// hooks. It owns the OnClose notification: it fires exactly once on exit.
func (c *channel) receiveLoop() {
	var cause error
	defer func() { c.finish(cause) }()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// A cancelled context means Close was called locally.
			if c.ctx.Err() == nil {
				cause = fmt.Errorf("gemini: read: %w", err)
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if msg.Error != nil {
			cause = fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, msg.Error.Message)
			return
		}
		if msg.GoAway != nil {
			slog.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ToolCallCancellation != nil {
			slog.Debug("gemini: tool call cancellation ignored")
		}

		if msg.SetupComplete != nil && !c.opened {
			c.opened = true
			if c.hooks.OnOpen != nil {
				c.hooks.OnOpen(c)
			}
		}
		if !c.opened {
			continue
		}

		if m := toMessage(&msg); !m.Empty() && c.hooks.OnMessage != nil {
			c.hooks.OnMessage(m)
		}
	}
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
			close(c.done)
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.hooks.OnClose != nil {
			c.hooks.OnClose(cause)
		}
	})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

var errClosed = errors.New("gemini: channel closed")

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio delivers one realtime audio chunk to the model.
func (c *channel) SendAudio(chunk agent.MediaChunk) error {
	if c.isClosed() {
		return errClosed
	}
	return c.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	})
}

// SendToolResponses answers tool calls in a single toolResponse message.
func (c *channel) SendToolResponses(responses []agent.ToolResponse) error {
	if c.isClosed() {
		return errClosed
	}
	if len(responses) == 0 {
		return nil
	}
	frs := make([]*genai.FunctionResponse, len(responses))
	for i, r := range responses {
		frs[i] = &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		}
	}
	return c.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: frs},
	})
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

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
