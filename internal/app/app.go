// Package app wires all rescuevox subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates every subsystem, Run
// places the call and serves the HTTP side channel, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithBackend, etc.). When an option is not provided, New creates real
// implementations through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rescuevox/internal/config"
	"github.com/MrWong99/rescuevox/internal/console"
	"github.com/MrWong99/rescuevox/internal/geo"
	"github.com/MrWong99/rescuevox/internal/health"
	"github.com/MrWong99/rescuevox/internal/observe"
	"github.com/MrWong99/rescuevox/internal/report"
	"github.com/MrWong99/rescuevox/internal/resilience"
	"github.com/MrWong99/rescuevox/internal/session"
	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

// ErrSessionEnded is returned by Run when the remote side closed the call.
var ErrSessionEnded = errors.New("app: session ended by remote side")

// shutdownTimeout bounds the HTTP server's graceful shutdown inside Run.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	provider agent.Provider
	backend  audio.Backend
	metrics  *observe.Metrics
	out      io.Writer

	// Subsystems, initialised in New.
	tracker  *geo.Tracker
	store    *report.Store
	console  *console.Console
	manager  *session.Manager
	health   *health.Handler
	promHTTP http.Handler
	handler  http.Handler
	server   *http.Server

	deviceOverride *geo.Location

	mu   sync.Mutex
	addr net.Addr

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry supplies the registry used to build the agent and the audio
// backend when they are not injected directly.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithProvider injects the agent provider instead of creating one from config.
func WithProvider(p agent.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithBackend injects the audio backend instead of creating one from config.
func WithBackend(b audio.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithOutput sets the console writer. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithDeviceLocation overrides location.device from the config.
func WithDeviceLocation(loc *geo.Location) Option {
	return func(a *App) { a.deviceOverride = loc }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing touches the
// audio devices or the network until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, out: os.Stdout}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initProviders(); err != nil {
		return nil, err
	}

	// ── Location + reports ───────────────────────────────────────────────
	device := cfg.Location.Device
	if a.deviceOverride != nil {
		device = a.deviceOverride
	}
	a.tracker = geo.NewTracker(device)
	a.store = report.NewStore()
	resolver := report.NewResolver(a.tracker, cfg.Location.Fallback)
	a.console = console.New(a.out, resolver, a.store, console.WithMetrics(a.metrics))

	// ── Session ──────────────────────────────────────────────────────────
	a.manager = session.New(session.Config{
		Backend:        a.backend,
		Provider:       a.provider,
		Listener:       a.console,
		Voice:          cfg.Agent.Voice,
		ConnectTimeout: cfg.Session.ConnectTimeout,
		FrameSize:      cfg.Audio.FrameSize,
		InputFormat:    audio.Format{SampleRate: cfg.Audio.InputSampleRate, Channels: 1},
		OutputFormat:   audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: 1},
		Metrics:        a.metrics,
	})

	// ── HTTP side channel ────────────────────────────────────────────────
	a.health = health.New(
		health.State("session", func() (string, bool) {
			s := a.manager.State()
			return s.String(), s != session.Disconnected
		}),
	)
	if a.registry != nil {
		a.health.Add(health.Required("agent_api_key", cfg.Agent.APIKey))
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	a.store.Register(mux)
	if a.promHTTP != nil {
		mux.Handle("GET /metrics", a.promHTTP)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		}
	}

	slog.Info("app initialised",
		"agent", cfg.Agent.Name,
		"audio", cfg.Audio.Backend,
		"device_location", a.tracker.Current(),
		"http", cfg.Server.ListenAddr,
	)
	return a, nil
}

// initProviders builds the agent and the audio backend from the registry
// unless they were injected.
func (a *App) initProviders() error {
	if a.provider == nil {
		if a.registry == nil {
			return errors.New("app: no agent provider and no registry")
		}
		p, err := a.registry.CreateAgent(a.cfg.Agent)
		if err != nil {
			return fmt.Errorf("app: create agent %q: %w", a.cfg.Agent.Name, err)
		}
		a.provider = p

		if fo := a.cfg.Failover; len(fo.Agents) > 0 {
			f := resilience.NewAgentFailover(a.cfg.Agent.Name, p, resilience.CircuitBreakerConfig{
				MaxFailures:  fo.MaxFailures,
				ResetTimeout: fo.ResetTimeout,
			})
			for _, ac := range fo.Agents {
				fp, err := a.registry.CreateAgent(ac)
				if err != nil {
					return fmt.Errorf("app: create failover agent %q: %w", ac.Name, err)
				}
				f.AddFallback(ac.Name, fp)
			}
			slog.Info("agent failover enabled", "order", f.Names())
			a.provider = f
		}
	}
	if a.backend == nil {
		if a.registry == nil {
			return errors.New("app: no audio backend and no registry")
		}
		b, err := a.registry.CreateAudio(a.cfg.Audio)
		if err != nil {
			return fmt.Errorf("app: create audio backend %q: %w", a.cfg.Audio.Backend, err)
		}
		a.backend = b
	}
	return nil
}

// Handler returns the HTTP handler serving health, metrics and reports.
func (a *App) Handler() http.Handler { return a.handler }

// Reports returns the report store.
func (a *App) Reports() *report.Store { return a.store }

// State returns the session state.
func (a *App) State() session.State { return a.manager.State() }

// Addr returns the HTTP listener address once Run has bound it, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. The log
// level is handled by the caller, which owns the logger.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.DeviceLocationChanged {
		if d.NewDeviceLocation == nil {
			a.tracker.Clear()
			slog.Info("device location cleared")
		} else if err := a.tracker.Update(*d.NewDeviceLocation); err != nil {
			slog.Warn("device location rejected", "err", err)
		} else {
			slog.Info("device location updated", "location", d.NewDeviceLocation)
		}
	}
	if d.AgentChanged {
		slog.Warn("agent settings changed; they take effect on the next call")
	}
	if d.FallbackChanged {
		slog.Warn("location.fallback changed; it takes effect on the next call")
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run places the call and serves HTTP until ctx is cancelled, the remote
// side hangs up ([ErrSessionEnded]) or something fails. The device location
// is read from the tracker at connect time.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
		a.mu.Lock()
		a.addr = ln.Addr()
		a.mu.Unlock()
		slog.Info("http listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		if err := a.manager.Connect(gctx, a.tracker.Current()); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("app: connect: %w", err)
		}
		select {
		case <-gctx.Done():
			a.manager.Stop()
			return nil
		case <-a.manager.Done():
			if gctx.Err() != nil {
				return nil
			}
			return ErrSessionEnded
		}
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the call and stops the HTTP server. It respects the context
// deadline while waiting for the audio devices to be released.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "reports", a.store.Len())

		a.manager.Stop()
		select {
		case <-a.manager.Done():
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for audio release")
			shutdownErr = ctx.Err()
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
