package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

// AgentFailover is an [agent.Provider] that dials the first healthy agent of
// a group. Only the dial is covered: once a channel is returned, a remote
// close ends the session like it would with a single agent.
type AgentFailover struct {
	group *FallbackGroup[agent.Provider]
}

var _ agent.Provider = (*AgentFailover)(nil)

// NewAgentFailover creates an [AgentFailover] preferring primary.
func NewAgentFailover(primaryName string, primary agent.Provider, cfg CircuitBreakerConfig) *AgentFailover {
	return &AgentFailover{group: NewFallbackGroup(primaryName, primary, cfg)}
}

// AddFallback registers another agent, tried after those already added.
func (f *AgentFailover) AddFallback(name string, p agent.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the agent names in the order they are tried.
func (f *AgentFailover) Names() []string { return f.group.Names() }

// BreakerState returns the breaker state of the named agent.
func (f *AgentFailover) BreakerState(name string) (State, bool) {
	return f.group.BreakerState(name)
}

// Connect implements [agent.Provider]. hooks are handed to whichever agent
// is dialled; providers fire no hooks when their Connect fails.
func (f *AgentFailover) Connect(ctx context.Context, cfg agent.SessionConfig, hooks agent.Hooks) (agent.Channel, error) {
	ch, _, err := ExecuteWithResult(ctx, f.group, func(p agent.Provider) (agent.Channel, error) {
		return p.Connect(ctx, cfg, hooks)
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: connect: %w", err)
	}
	return ch, nil
}

// Capabilities returns the primary's capabilities.
func (f *AgentFailover) Capabilities() agent.Capabilities {
	return f.group.Primary().Capabilities()
}
