// Package agent defines the Provider interface for remote conversational
// agents reached over a realtime bidirectional channel.
//
// A provider wraps a voice AI service that accepts streamed microphone audio
// and answers with streamed synthesised speech and tool-call requests, all over
// one long-lived connection. Examples include Gemini Live and the OpenAI
// Realtime API.
//
// The central abstraction is [Channel]: the outbound half of an open
// connection. The inbound half is delivered through [Hooks], which the
// provider invokes from a single receive goroutine in channel order.
//
// All implementations must be safe for concurrent use.
package agent

import (
	"context"
	"encoding/json"

	"github.com/MrWong99/rescuevox/pkg/audio"
	"google.golang.org/genai"
)

// MediaChunk is one realtime media payload: raw bytes in transport text
// form tagged with a MIME-style descriptor such as "audio/pcm;rate=16000".
type MediaChunk struct {
	MIMEType string
	Data     string
}

// ToolCall is a function invocation requested by the remote agent. Every
// ToolCall must be answered by exactly one [ToolResponse] with the same ID.
type ToolCall struct {
	ID   string
	Name string

	// Args is the JSON-encoded argument object. It may be empty.
	Args json.RawMessage
}

// ToolResponse answers a [ToolCall].
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Message is one inbound event. Any combination of fields may be set;
// unset fields mean the event did not carry that kind of content.
type Message struct {
	// Audio holds synthesised speech chunks in arrival order.
	Audio []MediaChunk

	// ToolCalls holds function invocations requested in this event.
	ToolCalls []ToolCall

	// Text is model text output that accompanied the turn, if any.
	Text string

	// InputTranscript is the agent's recognition of the caller's speech.
	InputTranscript string

	// OutputTranscript is the text of the synthesised speech.
	OutputTranscript string

	// TurnComplete marks the end of the agent's turn.
	TurnComplete bool

	// Interrupted reports that the caller barged in and any speech still
	// queued for playback is stale.
	Interrupted bool
}

// Empty reports whether the message carries nothing actionable.
func (m Message) Empty() bool {
	return len(m.Audio) == 0 && len(m.ToolCalls) == 0 && m.Text == "" &&
		m.InputTranscript == "" && m.OutputTranscript == "" &&
		!m.TurnComplete && !m.Interrupted
}

// ToolDefinition declares a function the agent may invoke.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters describes the argument object. Providers convert it to
	// their own schema dialect.
	Parameters *genai.Schema
}

// SessionConfig is the initial configuration for a new channel.
type SessionConfig struct {
	// Voice is the prebuilt voice identity for synthesised speech.
	Voice string

	// Instructions is the system instruction that defines the agent's role
	// and conversational protocol.
	Instructions string

	// Tools is the set of functions the agent may call.
	Tools []ToolDefinition

	// InputFormat is the format of outbound audio chunks.
	InputFormat audio.Format
}

// Hooks receives the inbound half of a channel. All hooks are invoked from
// the provider's receive goroutine, one at a time, in channel order. Any hook
// may call [Channel.Close]. Nil hooks are skipped.
type Hooks struct {
	// OnOpen fires once when the remote side acknowledges the session
	// configuration. Audio must not be sent before OnOpen.
	OnOpen func(Channel)

	// OnMessage fires for every inbound event after OnOpen.
	OnMessage func(Message)

	// OnClose fires at most once when the channel terminates, with a nil
	// error after a local Close and the cause otherwise.
	OnClose func(error)
}

// Channel is the outbound half of an open connection.
type Channel interface {
	// SendAudio delivers one realtime audio chunk.
	SendAudio(chunk MediaChunk) error

	// SendToolResponses answers one or more tool calls.
	SendToolResponses(responses []ToolResponse) error

	// Close terminates the connection. Safe to call more than once and from
	// inside any hook.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Voices lists the prebuilt voice names the provider accepts.
	Voices []string

	// OutputFormat is the format of inbound speech when a chunk does not
	// declare its own rate.
	OutputFormat audio.Format
}

// Provider is the abstraction over any remote conversational agent.
type Provider interface {
	// Connect dials the agent and sends cfg. It returns once the request is
	// on the wire; [Hooks.OnOpen] signals that the session is usable. Errors
	// returned here mean no hook will ever fire.
	Connect(ctx context.Context, cfg SessionConfig, hooks Hooks) (Channel, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
