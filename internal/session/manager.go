package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/rescuevox/internal/dispatch"
	"github.com/MrWong99/rescuevox/internal/geo"
	"github.com/MrWong99/rescuevox/internal/observe"
	"github.com/MrWong99/rescuevox/internal/report"
	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/audio/capture"
	"github.com/MrWong99/rescuevox/pkg/audio/playback"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

// DefaultConnectTimeout bounds dial plus setup acknowledgement.
const DefaultConnectTimeout = 15 * time.Second

// Config holds the dependencies of a [Manager].
type Config struct {
	Backend  audio.Backend
	Provider agent.Provider

	// Listener receives UI notifications. Defaults to [NopListener].
	Listener Listener

	// Voice is the prebuilt agent voice. Empty selects the dispatch default.
	Voice string

	// ConnectTimeout defaults to [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// FrameSize defaults to [capture.DefaultFrameSize].
	FrameSize int

	// InputFormat defaults to [audio.CaptureFormat]; OutputFormat to
	// [audio.PlaybackFormat].
	InputFormat  audio.Format
	OutputFormat audio.Format

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager runs at most one session at a time. All methods are safe for
// concurrent use, and Stop may be called from inside any Listener callback.
type Manager struct {
	backend   audio.Backend
	provider  agent.Provider
	listener  Listener
	voice     string
	timeout   time.Duration
	frameSize int
	inFormat  audio.Format
	outFormat audio.Format
	metrics   *observe.Metrics

	mu    sync.Mutex
	state State
	gen   uint64
	cur   *resources
	last  *resources
}

// New creates an idle Manager.
func New(cfg Config) *Manager {
	m := &Manager{
		backend:   cfg.Backend,
		provider:  cfg.Provider,
		listener:  cfg.Listener,
		voice:     cfg.Voice,
		timeout:   cfg.ConnectTimeout,
		frameSize: cfg.FrameSize,
		inFormat:  cfg.InputFormat,
		outFormat: cfg.OutputFormat,
		metrics:   cfg.Metrics,
	}
	if m.listener == nil {
		m.listener = NopListener{}
	}
	if m.timeout <= 0 {
		m.timeout = DefaultConnectTimeout
	}
	if m.frameSize <= 0 {
		m.frameSize = capture.DefaultFrameSize
	}
	if m.inFormat.SampleRate == 0 {
		m.inFormat = audio.CaptureFormat
	}
	if m.outFormat.SampleRate == 0 {
		m.outFormat = audio.PlaybackFormat
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done returns a channel closed once the most recent session has released
// its resources. Before the first Connect it returns a closed channel.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.last.done
}

// ── Connect ────────────────────────────────────────────────────────────────────

// Connect acquires the audio devices, opens the agent channel and blocks
// until the channel is live, setup fails, Stop is called, ctx is cancelled or
// the connect timeout expires. deviceLocation is embedded in the agent's
// instructions; nil marks it unavailable.
//
// Connect returns [ErrAlreadyActive] without side effects while another
// session holds resources. Every failure leaves the Manager Disconnected with
// all resources released.
func (m *Manager) Connect(ctx context.Context, deviceLocation *geo.Location) (err error) {
	m.mu.Lock()
	if m.state.active() {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.gen++
	r := newResources(m.gen)
	m.cur, m.last = r, r
	m.state = Connecting
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	ctx, span := observe.StartSpan(ctx, "session.connect")
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("status", status)))
		observe.EndSpan(span, err)
	}()
	log := observe.Logger(ctx).With("session", r.gen)

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	r.setCancel(cancel)

	m.listener.OnStatusChange(StatusAcquiringAudio)
	if err := m.acquireAudio(cctx, r); err != nil {
		if r.isTorn() {
			return ErrStopped
		}
		kind := "audio"
		status := "Audio device unavailable"
		if errors.Is(err, audio.ErrPermissionDenied) {
			kind, status = "permission", "Microphone permission denied"
		}
		m.metrics.RecordSessionError(ctx, kind)
		return m.fail(r, status, err)
	}

	m.listener.OnStatusChange(StatusConnecting)
	cfg := dispatch.SessionConfig(deviceLocation, m.voice, m.inFormat)
	hooks := agent.Hooks{
		OnOpen:    func(ch agent.Channel) { m.handleOpen(r, ch) },
		OnMessage: func(msg agent.Message) { m.handleMessage(r, msg) },
		OnClose:   func(cause error) { m.handleClose(r, cause) },
	}
	ch, err := m.provider.Connect(cctx, cfg, hooks)
	if err != nil {
		if r.isTorn() {
			return ErrStopped
		}
		if ctx.Err() == nil && cctx.Err() != nil {
			return m.timedOut(ctx, r)
		}
		m.metrics.RecordSessionError(ctx, "connection")
		return m.fail(r, "Connection failed", &ConnectionError{Op: "dial", Err: err})
	}
	if !r.setChannel(ch) {
		_ = ch.Close()
		return ErrStopped
	}
	log.Debug("session: channel dialled, awaiting setup acknowledgement")

	select {
	case err := <-r.opened:
		switch {
		case err == nil:
			log.Info("session: live")
			return nil
		case errors.Is(err, ErrStopped):
			return ErrStopped
		default:
			m.metrics.RecordSessionError(ctx, "connection")
			return m.fail(r, "Connection failed", err)
		}
	case <-cctx.Done():
		if r.isTorn() {
			return ErrStopped
		}
		if ctx.Err() != nil {
			return m.fail(r, StatusDisconnected, fmt.Errorf("session: connect: %w", ctx.Err()))
		}
		return m.timedOut(ctx, r)
	}
}

func (m *Manager) timedOut(ctx context.Context, r *resources) error {
	m.metrics.RecordSessionError(ctx, "timeout")
	return m.fail(r, "Connection timed out",
		&ConnectionError{Op: "timeout", Err: fmt.Errorf("no setup acknowledgement within %s", m.timeout)})
}

// acquireAudio opens and resumes both contexts, opens the microphone and
// builds the pipelines. Capture starts immediately but frames are dropped
// until the channel opens.
func (m *Manager) acquireAudio(ctx context.Context, r *resources) error {
	in, err := m.backend.NewInputContext(m.inFormat)
	if err != nil {
		return fmt.Errorf("session: input context: %w", err)
	}
	if !r.adopt(func() { r.in = in }) {
		_ = in.Close()
		return ErrStopped
	}
	if err := in.Resume(ctx); err != nil {
		return fmt.Errorf("session: resume input: %w", err)
	}

	out, err := m.backend.NewOutputContext(m.outFormat)
	if err != nil {
		return fmt.Errorf("session: output context: %w", err)
	}
	if !r.adopt(func() { r.out = out }) {
		_ = out.Close()
		return ErrStopped
	}
	if err := out.Resume(ctx); err != nil {
		return fmt.Errorf("session: resume output: %w", err)
	}

	mic, err := in.OpenMicrophone(ctx)
	if err != nil {
		return fmt.Errorf("session: open microphone: %w", err)
	}

	pb := playback.New(out,
		playback.WithFallbackRate(m.provider.Capabilities().OutputFormat.SampleRate),
		playback.WithDecodeErrorFunc(func(error) {
			m.metrics.RecordPlaybackChunk(context.Background(), "decode_error")
		}),
		playback.WithScheduledFunc(func(_, d time.Duration) {
			m.metrics.RecordPlaybackChunk(context.Background(), "scheduled")
			m.metrics.PlaybackAudio.Add(context.Background(), d.Seconds())
		}),
	)
	cp := capture.New(mic,
		capture.WithFrameSize(m.frameSize),
		capture.WithFormat(m.inFormat),
		capture.WithLevelFunc(m.listener.OnAudioLevel),
		capture.WithOutcomeFunc(func(o capture.Outcome) {
			m.metrics.RecordCaptureFrame(context.Background(), o.String())
		}),
	)
	if !r.adopt(func() { r.mic, r.capture, r.playback = mic, cp, pb }) {
		_ = mic.Stop()
		return ErrStopped
	}
	if err := cp.Start(); err != nil {
		return fmt.Errorf("session: start capture: %w", err)
	}
	return nil
}

// fail tears r down, records Disconnected if r is still current, and
// returns cause.
func (m *Manager) fail(r *resources, status string, cause error) error {
	m.teardown(r)
	if m.release(r) {
		m.listener.OnStatusChange(status)
	}
	slog.Warn("session: connect failed", "session", r.gen, "err", cause)
	return cause
}

// release clears r as the current session. It reports whether r was current.
func (m *Manager) release(r *resources) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != r {
		return false
	}
	m.cur = nil
	m.state = Disconnected
	return true
}

// ── Stop ───────────────────────────────────────────────────────────────────────

// Stop tears down the current session. It is idempotent, safe from any state
// and safe to call from inside Listener callbacks and channel hooks.
func (m *Manager) Stop() {
	m.mu.Lock()
	r := m.cur
	if r == nil || m.state == Stopping {
		m.mu.Unlock()
		return
	}
	m.state = Stopping
	m.mu.Unlock()

	m.listener.OnStatusChange(StatusStopping)
	m.teardown(r)
	r.signal(ErrStopped)
	if m.release(r) {
		m.listener.OnStatusChange(StatusDisconnected)
		slog.Info("session: stopped", "session", r.gen)
	}
}

// teardown releases every resource of r exactly once. It never waits on the
// message handler, so it can run from inside one.
func (m *Manager) teardown(r *resources) {
	r.tearOnce.Do(func() {
		r.mu.Lock()
		r.torn = true
		in, out, mic, cp, ch, cancel := r.in, r.out, r.mic, r.capture, r.ch, r.cancel
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		// Detach first: a frame racing this teardown must see no sink.
		if cp != nil {
			cp.Detach()
			if err := cp.Stop(); err != nil {
				slog.Warn("session: stop capture", "err", err)
			}
		} else if mic != nil {
			_ = mic.Stop()
		}
		if ch != nil {
			if err := ch.Close(); err != nil {
				slog.Warn("session: close channel", "err", err)
			}
		}
		if in != nil {
			if err := in.Close(); err != nil {
				slog.Warn("session: close input context", "err", err)
			}
		}
		if out != nil {
			if err := out.Close(); err != nil {
				slog.Warn("session: close output context", "err", err)
			}
		}
		m.metrics.ActiveSessions.Add(context.Background(), -1)
		close(r.done)
	})
}

// ── Channel hooks ──────────────────────────────────────────────────────────────

func (m *Manager) handleOpen(r *resources, ch agent.Channel) {
	m.mu.Lock()
	if m.cur != r || m.state != Connecting {
		m.mu.Unlock()
		return
	}
	m.state = Live
	m.mu.Unlock()

	if !r.setChannel(ch) {
		return
	}
	// Only now may captured audio reach the channel.
	r.mu.Lock()
	cp := r.capture
	r.mu.Unlock()
	cp.Attach(ch)

	m.listener.OnStatusChange(StatusLive)
	r.signal(nil)
}

func (m *Manager) handleClose(r *resources, cause error) {
	m.mu.Lock()
	if m.cur != r {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.mu.Unlock()

	switch prev {
	case Connecting:
		// Connect is waiting and performs the teardown itself.
		if cause == nil {
			cause = errors.New("channel closed before setup completed")
		}
		r.signal(&ConnectionError{Op: "open", Err: cause})
	case Live:
		m.teardown(r)
		if !m.release(r) {
			return
		}
		m.metrics.RecordSessionError(context.Background(), "remote_close")
		err := &ConnectionError{Op: "remote close", Err: cause}
		slog.Warn("session: channel closed by remote side", "session", r.gen, "err", err)
		m.listener.OnStatusChange(StatusDisconnected)
	}
}

func (m *Manager) isLive(r *resources) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur == r && m.state == Live
}

// handleMessage routes one inbound event. A failure in one message never
// affects the next.
func (m *Manager) handleMessage(r *resources, msg agent.Message) {
	if !m.isLive(r) {
		return
	}
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("session: message handler panicked", "session", r.gen, "panic", p)
		}
	}()

	r.mu.Lock()
	pb, ch := r.playback, r.ch
	r.mu.Unlock()

	if msg.Interrupted {
		pb.Flush()
		m.metrics.Interruptions.Add(context.Background(), 1)
		slog.Debug("session: caller barged in, playback flushed")
	}
	for _, chunk := range msg.Audio {
		// Decode failures are logged and counted by the pipeline.
		if err := pb.Push(chunk); err != nil {
			var de *audio.DecodeError
			if !errors.As(err, &de) {
				m.metrics.RecordPlaybackChunk(context.Background(), "schedule_error")
			}
		}
	}
	if msg.InputTranscript != "" {
		slog.Debug("session: caller", "text", msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		slog.Debug("session: dispatcher", "text", msg.OutputTranscript)
	}

	if len(msg.ToolCalls) == 0 {
		return
	}
	responses := make([]agent.ToolResponse, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		responses = append(responses, m.handleToolCall(call))
	}
	if err := ch.SendToolResponses(responses); err != nil {
		slog.Warn("session: send tool responses", "session", r.gen, "err", err)
	}
}

// handleToolCall produces exactly one response for call.
func (m *Manager) handleToolCall(call agent.ToolCall) agent.ToolResponse {
	resp := agent.ToolResponse{ID: call.ID, Name: call.Name}
	ctx := context.Background()

	if call.Name != dispatch.ReportToolName {
		slog.Warn("session: unknown tool requested", "tool", call.Name, "id", call.ID)
		m.metrics.RecordToolCall(ctx, call.Name, "unknown")
		resp.Response = map[string]any{"error": "unknown function " + call.Name}
		return resp
	}

	d, err := report.ParseDraft(call.Args)
	if err != nil {
		slog.Warn("session: malformed report arguments", "id", call.ID, "err", err)
		m.metrics.RecordToolCall(ctx, call.Name, "invalid")
		resp.Response = map[string]any{"error": "invalid arguments: " + err.Error()}
		return resp
	}
	if err := m.submit(d); err != nil {
		slog.Error("session: report listener failed", "id", call.ID, "err", err)
		m.metrics.RecordToolCall(ctx, call.Name, "error")
		resp.Response = map[string]any{"error": "report could not be recorded"}
		return resp
	}
	m.metrics.RecordToolCall(ctx, call.Name, "ok")
	m.metrics.ReportsSubmitted.Add(ctx, 1)
	resp.Response = map[string]any{"status": "success"}
	return resp
}

func (m *Manager) submit(d report.Draft) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("session: listener panic: %v", p)
		}
	}()
	m.listener.OnReportSubmitted(d)
	return nil
}
