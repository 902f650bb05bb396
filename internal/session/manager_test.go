package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/rescuevox/internal/geo"
	"github.com/MrWong99/rescuevox/internal/observe"
	"github.com/MrWong99/rescuevox/internal/report"
	"github.com/MrWong99/rescuevox/pkg/audio"
	audiomock "github.com/MrWong99/rescuevox/pkg/audio/mock"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
	agentmock "github.com/MrWong99/rescuevox/pkg/provider/agent/mock"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type recorder struct {
	mu       sync.Mutex
	statuses []string
	levels   []float64
	drafts   []report.Draft

	onReport func(report.Draft)
}

func (r *recorder) OnStatusChange(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnAudioLevel(l float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, l)
}

func (r *recorder) OnReportSubmitted(d report.Draft) {
	r.mu.Lock()
	r.drafts = append(r.drafts, d)
	fn := r.onReport
	r.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (r *recorder) Drafts() []report.Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Draft(nil), r.drafts...)
}

func (r *recorder) Levels() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.levels...)
}

func (r *recorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

type fixture struct {
	mic      *audiomock.Microphone
	in       *audiomock.InputContext
	out      *audiomock.OutputContext
	backend  *audiomock.Backend
	provider *agentmock.Provider
	listener *recorder
	mgr      *Manager
}

func newFixture(t *testing.T, mutate func(*fixture, *Config)) *fixture {
	t.Helper()
	f := &fixture{
		mic:      &audiomock.Microphone{},
		out:      &audiomock.OutputContext{},
		provider: &agentmock.Provider{AutoOpen: true},
		listener: &recorder{},
	}
	f.in = &audiomock.InputContext{OpenResult: f.mic}
	f.backend = &audiomock.Backend{Input: f.in, Output: f.out}

	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg := Config{
		Backend:        f.backend,
		Provider:       f.provider,
		Listener:       f.listener,
		ConnectTimeout: 2 * time.Second,
		Metrics:        met,
	}
	if mutate != nil {
		mutate(f, &cfg)
	}
	f.mgr = New(cfg)
	t.Cleanup(f.mgr.Stop)
	return f
}

func (f *fixture) connectLive(t *testing.T) *agentmock.Channel {
	t.Helper()
	if err := f.mgr.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	chans := f.provider.Channels
	if len(chans) == 0 {
		t.Fatal("provider handed out no channel")
	}
	return chans[len(chans)-1]
}

// freshDevices makes the backend hand out new contexts, as a real backend
// does for every session.
func (f *fixture) freshDevices() {
	f.mic = &audiomock.Microphone{}
	f.in = &audiomock.InputContext{OpenResult: f.mic}
	f.out = &audiomock.OutputContext{}
	f.backend.Input, f.backend.Output = f.in, f.out
}

func frame() audio.Frame {
	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.Frame{Samples: samples, SampleRate: 16000}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for teardown")
	}
}

func reportCall(id string, args map[string]any) agent.ToolCall {
	raw, _ := json.Marshal(args)
	return agent.ToolCall{ID: id, Name: "reportEmergency", Args: raw}
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

func TestConnect_GoesLive(t *testing.T) {
	f := newFixture(t, nil)
	loc := &geo.Location{Lat: 52.520008, Lng: 13.404954}

	if err := f.mgr.Connect(context.Background(), loc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := f.mgr.State(); got != Live {
		t.Fatalf("State = %v; want live", got)
	}
	if f.mic.FrameSize != 4096 {
		t.Errorf("frame size = %d; want 4096", f.mic.FrameSize)
	}
	if f.in.State() != audio.StateRunning || f.out.State() != audio.StateRunning {
		t.Error("audio contexts were not resumed")
	}

	calls := f.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d; want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if !strings.Contains(cfg.Instructions, "52.520008, 13.404954") {
		t.Errorf("instructions do not carry the device location:\n%s", cfg.Instructions)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "reportEmergency" {
		t.Errorf("tools = %+v; want reportEmergency only", cfg.Tools)
	}

	st := f.listener.Statuses()
	if len(st) == 0 || st[len(st)-1] != StatusLive {
		t.Errorf("statuses = %v; want last %q", st, StatusLive)
	}
}

func TestConnect_AlreadyActive(t *testing.T) {
	f := newFixture(t, nil)
	f.connectLive(t)

	if err := f.mgr.Connect(context.Background(), nil); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Connect = %v; want ErrAlreadyActive", err)
	}
	if n := len(f.backend.Inputs); n != 1 {
		t.Errorf("input contexts created = %d; want 1", n)
	}
	if n := len(f.provider.Calls()); n != 1 {
		t.Errorf("provider connects = %d; want 1", n)
	}
}

func TestConnect_PermissionDenied(t *testing.T) {
	f := newFixture(t, func(f *fixture, _ *Config) {
		f.in.OpenError = &audio.PermissionError{Device: "default", Err: errors.New("denied")}
	})

	err := f.mgr.Connect(context.Background(), nil)
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Connect = %v; want permission error", err)
	}
	if got := f.mgr.State(); got != Disconnected {
		t.Errorf("State = %v; want disconnected", got)
	}
	if n := f.backend.Open(); n != 0 {
		t.Errorf("open contexts = %d; want 0", n)
	}
	if n := len(f.provider.Calls()); n != 0 {
		t.Errorf("provider connects = %d; want 0", n)
	}
}

func TestConnect_DialError(t *testing.T) {
	f := newFixture(t, func(f *fixture, _ *Config) {
		f.provider.ConnectErr = errors.New("handshake refused")
	})

	err := f.mgr.Connect(context.Background(), nil)
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Op != "dial" {
		t.Fatalf("Connect = %v; want dial ConnectionError", err)
	}
	if !f.mic.Stopped() {
		t.Error("microphone still running after failed connect")
	}
	if n := f.backend.Open(); n != 0 {
		t.Errorf("open contexts = %d; want 0", n)
	}
}

func TestConnect_Timeout(t *testing.T) {
	ch := &agentmock.Channel{}
	f := newFixture(t, func(f *fixture, cfg *Config) {
		f.provider.AutoOpen = false
		f.provider.Channel = ch
		cfg.ConnectTimeout = 50 * time.Millisecond
	})

	err := f.mgr.Connect(context.Background(), nil)
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Op != "timeout" {
		t.Fatalf("Connect = %v; want timeout ConnectionError", err)
	}
	if ch.Closes() == 0 {
		t.Error("channel not closed after timeout")
	}
	if f.mgr.State() != Disconnected {
		t.Errorf("State = %v; want disconnected", f.mgr.State())
	}

	// A late acknowledgement from the dead channel must not resurrect it.
	ch.Open()
	if f.mgr.State() != Disconnected {
		t.Errorf("State after late open = %v; want disconnected", f.mgr.State())
	}
}

func TestConnect_ClosedBeforeOpen(t *testing.T) {
	ch := &agentmock.Channel{}
	f := newFixture(t, func(f *fixture, _ *Config) {
		f.provider.AutoOpen = false
		f.provider.Channel = ch
	})

	go func() {
		ch.WaitConnected(time.Second)
		ch.Drop(errors.New("setup rejected"))
	}()
	err := f.mgr.Connect(context.Background(), nil)
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Op != "open" {
		t.Fatalf("Connect = %v; want open ConnectionError", err)
	}
	waitDone(t, f.mgr.Done())
}

func TestStop_WhileConnecting(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := newFixture(t, func(f *fixture, _ *Config) {
		f.provider.ConnectBlock = block
	})

	errc := make(chan error, 1)
	go func() { errc <- f.mgr.Connect(context.Background(), nil) }()

	deadline := time.Now().Add(time.Second)
	for len(f.provider.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Connect never reached the provider")
		}
		time.Sleep(time.Millisecond)
	}
	f.mgr.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Connect = %v; want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Stop")
	}
	if f.mgr.State() != Disconnected {
		t.Errorf("State = %v; want disconnected", f.mgr.State())
	}
	if n := f.backend.Open(); n != 0 {
		t.Errorf("open contexts = %d; want 0", n)
	}
}

func TestStop_ReleasesEverything(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.connectLive(t)

	f.mgr.Stop()
	f.mgr.Stop()

	waitDone(t, f.mgr.Done())
	if f.mgr.State() != Disconnected {
		t.Errorf("State = %v; want disconnected", f.mgr.State())
	}
	if !f.mic.Stopped() {
		t.Error("microphone not stopped")
	}
	if ch.Closes() != 1 {
		t.Errorf("channel closes = %d; want 1", ch.Closes())
	}
	if n := f.backend.Open(); n != 0 {
		t.Errorf("open contexts = %d; want 0", n)
	}
	if f.mic.Emit(frame()) {
		t.Error("frame callback still registered after Stop")
	}
}

func TestStop_IdleIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.Stop()
	if f.mgr.State() != Idle {
		t.Errorf("State = %v; want idle", f.mgr.State())
	}
	if len(f.listener.Statuses()) != 0 {
		t.Errorf("statuses = %v; want none", f.listener.Statuses())
	}
}

func TestRemoteClose(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.connectLive(t)

	ch.Drop(errors.New("server going away"))

	waitDone(t, f.mgr.Done())
	if f.mgr.State() != Disconnected {
		t.Errorf("State = %v; want disconnected", f.mgr.State())
	}
	if !f.mic.Stopped() {
		t.Error("microphone not stopped after remote close")
	}
	st := f.listener.Statuses()
	if st[len(st)-1] != StatusDisconnected {
		t.Errorf("last status = %q; want %q", st[len(st)-1], StatusDisconnected)
	}

	// The manager can be used again with fresh devices.
	f.freshDevices()
	f.connectLive(t)
	if f.mgr.State() != Live {
		t.Errorf("State after reconnect = %v; want live", f.mgr.State())
	}
}

// ─── capture routing ──────────────────────────────────────────────────────────

func TestCapture_NothingSentBeforeOpen(t *testing.T) {
	ch := &agentmock.Channel{}
	f := newFixture(t, func(f *fixture, _ *Config) {
		f.provider.AutoOpen = false
		f.provider.Channel = ch
	})

	errc := make(chan error, 1)
	go func() { errc <- f.mgr.Connect(context.Background(), nil) }()
	if !ch.WaitConnected(time.Second) {
		t.Fatal("channel never connected")
	}

	if !f.mic.Emit(frame()) {
		t.Fatal("capture not started before open")
	}
	if n := len(ch.SentAudio()); n != 0 {
		t.Fatalf("sent %d chunks before open; want 0", n)
	}

	ch.Open()
	if err := <-errc; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.mic.Emit(frame())

	sent := ch.SentAudio()
	if len(sent) != 1 {
		t.Fatalf("sent %d chunks; want 1", len(sent))
	}
	if sent[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIME = %q", sent[0].MIMEType)
	}
	pcm, err := audio.FromTransportText(sent[0].Data)
	if err != nil || len(pcm) != 2*4096 {
		t.Errorf("payload = %d bytes, err %v; want 8192", len(pcm), err)
	}
	if len(f.listener.Levels()) != 2 {
		t.Errorf("levels = %d; want one per frame", len(f.listener.Levels()))
	}
}

// ─── inbound messages ─────────────────────────────────────────────────────────

func TestMessage_AudioScheduledAndFlushed(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.connectLive(t)

	chunk := agent.MediaChunk{
		MIMEType: "audio/pcm;rate=24000",
		Data:     audio.ToTransportText(make([]byte, 4800)), // 100ms
	}
	ch.Deliver(agent.Message{Audio: []agent.MediaChunk{chunk, chunk}})

	sched := f.out.Scheduled()
	if len(sched) != 2 {
		t.Fatalf("scheduled = %d; want 2", len(sched))
	}
	if sched[0].At != 0 || sched[1].At != 100*time.Millisecond {
		t.Errorf("start times = %v, %v; want 0, 100ms", sched[0].At, sched[1].At)
	}

	f.out.Advance(30 * time.Millisecond)
	ch.Deliver(agent.Message{Interrupted: true, Audio: []agent.MediaChunk{chunk}})

	if f.out.CallCountFlush != 1 {
		t.Errorf("flushes = %d; want 1", f.out.CallCountFlush)
	}
	sched = f.out.Scheduled()
	if got := sched[len(sched)-1].At; got != 30*time.Millisecond {
		t.Errorf("post-barge-in start = %v; want 30ms", got)
	}
}

func TestMessage_BadAudioDoesNotStall(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.connectLive(t)

	ch.Deliver(agent.Message{Audio: []agent.MediaChunk{
		{MIMEType: "audio/pcm;rate=24000", Data: "!!not base64!!"},
		{MIMEType: "audio/pcm;rate=24000", Data: audio.ToTransportText(make([]byte, 480))},
	}})

	if n := len(f.out.Scheduled()); n != 1 {
		t.Errorf("scheduled = %d; want 1", n)
	}
}

func TestToolCall_ReportEmitted(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.connectLive(t)

	ch.Deliver(agent.Message{ToolCalls: []agent.ToolCall{
		reportCall("call-1", map[string]any{
			"emergencyType": "fire",
			"description":   "kitchen fire, smoke on second floor",
			"peopleCount":   3,
			"latitude":      48.1,
			"longitude":     11.5,
		}),
	}})

	drafts := f.listener.Drafts()
	if len(drafts) != 1 {
		t.Fatalf("drafts = %d; want 1", len(drafts))
	}
	d := drafts[0]
	if d.EmergencyType != "fire" || d.PeopleCount == nil || *d.PeopleCount != 3 || !d.HasLocation() {
		t.Errorf("draft = %+v", d)
	}

	resp := ch.SentToolResponses()
	if len(resp) != 1 {
		t.Fatalf("responses = %d; want 1", len(resp))
	}
	if resp[0].ID != "call-1" || resp[0].Response["status"] != "success" {
		t.Errorf("response = %+v", resp[0])
	}
}

func TestToolCall_UnknownAndInvalid(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.connectLive(t)

	ch.Deliver(agent.Message{ToolCalls: []agent.ToolCall{
		{ID: "a", Name: "lookupWeather", Args: json.RawMessage(`{}`)},
		{ID: "b", Name: "reportEmergency", Args: json.RawMessage(`{not json`)},
		reportCall("c", map[string]any{"emergencyType": "medical", "description": "fall"}),
	}})

	resp := ch.SentToolResponses()
	if len(resp) != 3 {
		t.Fatalf("responses = %d; want 3 in one batch", len(resp))
	}
	if got, _ := resp[0].Response["error"].(string); got != "unknown function lookupWeather" {
		t.Errorf("unknown tool response = %+v", resp[0].Response)
	}
	if got, _ := resp[1].Response["error"].(string); !strings.HasPrefix(got, "invalid arguments") {
		t.Errorf("invalid args response = %+v", resp[1].Response)
	}
	if resp[2].Response["status"] != "success" {
		t.Errorf("valid call response = %+v", resp[2].Response)
	}
	if n := len(f.listener.Drafts()); n != 1 {
		t.Errorf("drafts = %d; want 1", n)
	}
}

func TestToolCall_StopInsideListener(t *testing.T) {
	f := newFixture(t, nil)
	f.listener.onReport = func(report.Draft) { f.mgr.Stop() }
	ch := f.connectLive(t)

	done := make(chan struct{})
	go func() {
		ch.Deliver(agent.Message{ToolCalls: []agent.ToolCall{
			reportCall("x", map[string]any{"emergencyType": "fire", "description": "smoke"}),
		}})
		close(done)
	}()
	waitDone(t, done)
	waitDone(t, f.mgr.Done())

	if f.mgr.State() != Disconnected {
		t.Errorf("State = %v; want disconnected", f.mgr.State())
	}
}

func TestToolCall_ListenerPanicContained(t *testing.T) {
	f := newFixture(t, nil)
	f.listener.onReport = func(report.Draft) { panic("ui exploded") }
	ch := f.connectLive(t)

	ch.Deliver(agent.Message{ToolCalls: []agent.ToolCall{
		reportCall("p", map[string]any{"emergencyType": "fire", "description": "smoke"}),
	}})

	resp := ch.SentToolResponses()
	if len(resp) != 1 || resp[0].Response["error"] == nil {
		t.Fatalf("responses = %+v; want one error response", resp)
	}
	if f.mgr.State() != Live {
		t.Errorf("State = %v; want live", f.mgr.State())
	}
}

func TestStaleChannelIgnored(t *testing.T) {
	f := newFixture(t, nil)
	old := f.connectLive(t)
	f.mgr.Stop()
	waitDone(t, f.mgr.Done())

	f.freshDevices()
	f.connectLive(t)

	// Hooks of the first channel still fire; the manager must ignore them.
	old.Deliver(agent.Message{ToolCalls: []agent.ToolCall{
		reportCall("stale", map[string]any{"emergencyType": "fire", "description": "old"}),
	}})
	old.Drop(nil)

	if n := len(f.listener.Drafts()); n != 0 {
		t.Errorf("drafts from stale channel = %d; want 0", n)
	}
	if f.mgr.State() != Live {
		t.Errorf("State = %v; want live", f.mgr.State())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:         "idle",
		Connecting:   "connecting",
		Live:         "live",
		Stopping:     "stopping",
		Disconnected: "disconnected",
		State(42):    "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q; want %q", int(s), got, want)
		}
	}
}
