package session

import (
	"context"
	"sync"

	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/audio/capture"
	"github.com/MrWong99/rescuevox/pkg/audio/playback"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

// resources is everything one session attempt acquires. Hooks capture the
// *resources they were created for, so events from a torn-down channel are
// recognised as stale by pointer identity.
type resources struct {
	gen uint64

	mu       sync.Mutex
	torn     bool
	in       audio.InputContext
	out      audio.OutputContext
	mic      audio.Microphone
	capture  *capture.Pipeline
	playback *playback.Pipeline
	ch       agent.Channel
	cancel   context.CancelFunc

	// msgMu serialises inbound message handling, including the report
	// listener.
	msgMu sync.Mutex

	opened   chan error
	openOnce sync.Once

	tearOnce sync.Once
	done     chan struct{}
}

func newResources(gen uint64) *resources {
	return &resources{
		gen:    gen,
		opened: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// adopt runs assign under the lock unless r was already torn down. The caller
// releases whatever it tried to hand over when adopt returns false.
func (r *resources) adopt(assign func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.torn {
		return false
	}
	assign()
	return true
}

func (r *resources) setChannel(ch agent.Channel) bool {
	return r.adopt(func() { r.ch = ch })
}

func (r *resources) setCancel(cancel context.CancelFunc) {
	r.adopt(func() { r.cancel = cancel })
}

func (r *resources) isTorn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.torn
}

// signal delivers the outcome of the open phase to Connect. Only the first
// signal counts.
func (r *resources) signal(err error) {
	r.openOnce.Do(func() { r.opened <- err })
}
