// Command rescuevox places a voice call to a realtime dispatcher agent and
// prints every emergency report the agent files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/rescuevox/internal/app"
	"github.com/MrWong99/rescuevox/internal/config"
	"github.com/MrWong99/rescuevox/internal/geo"
	"github.com/MrWong99/rescuevox/internal/observe"
	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/audio/malgo"
	"github.com/MrWong99/rescuevox/pkg/audio/oto"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
	"github.com/MrWong99/rescuevox/pkg/provider/agent/gemini"
	"github.com/MrWong99/rescuevox/pkg/provider/agent/openai"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "rescuevox.yaml", "path to the YAML configuration file")
	lat := flag.Float64("lat", 0, "device latitude, overrides location.device")
	lng := flag.Float64("lng", 0, "device longitude, overrides location.device")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fileFound, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rescuevox: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("rescuevox starting",
		"version", version,
		"config", *configPath,
		"config_found", fileFound,
		"log_level", cfg.Server.LogLevel,
	)

	var deviceOverride *geo.Location
	if flagSet("lat") || flagSet("lng") {
		if !flagSet("lat") || !flagSet("lng") {
			fmt.Fprintln(os.Stderr, "rescuevox: -lat and -lng must be given together")
			return 2
		}
		loc := geo.Location{Lat: *lat, Lng: *lng}
		if !loc.Valid() {
			fmt.Fprintf(os.Stderr, "rescuevox: invalid coordinates %v\n", loc)
			return 2
		}
		deviceOverride = &loc
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg, deviceOverride)

	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithMetricsHandler(prov.Handler()),
	}
	if deviceOverride != nil {
		opts = append(opts, app.WithDeviceLocation(deviceOverride))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if fileFound {
		w, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if deviceOverride != nil && d.DeviceLocationChanged {
				// Command-line coordinates win over the file.
				d.DeviceLocationChanged = false
			}
			application.ApplyConfig(d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("calling dispatcher, press Ctrl+C to hang up")

	exit := 0
	if err := application.Run(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, app.ErrSessionEnded):
			slog.Info("call ended", "reason", err)
		default:
			slog.Error("call failed", "err", err)
			exit = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye", "reports", application.Reports().Len())
	return exit
}

// loadConfig loads path. A missing file is not an error: the defaults plus
// environment variables are enough for a call.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	cfg, err = config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the agents and audio backends that ship with
// rescuevox into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterAgent("gemini-live", func(entry config.AgentConfig) (agent.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if v, ok := optBool(entry.Options, "transcription"); ok {
			opts = append(opts, gemini.WithTranscription(v))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAgent("openai-realtime", func(entry config.AgentConfig) (agent.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAudio("native", func(entry config.AudioConfig) (audio.Backend, error) {
		var in []malgo.Option
		if entry.Device != "" {
			in = append(in, malgo.WithDeviceName(entry.Device))
		}
		return audio.Combine(malgo.New(in...), oto.New(oto.WithBufferSize(entry.OutputBuffer))), nil
	})

	for _, name := range reg.AgentNames() {
		slog.Debug("registered agent", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, override *geo.Location) {
	device := "(unknown)"
	switch {
	case override != nil:
		device = override.String() + " *"
	case cfg.Location.Device != nil:
		device = cfg.Location.Device.String()
	}
	httpAddr := cfg.Server.ListenAddr
	if httpAddr == "" {
		httpAddr = "(disabled)"
	}

	fmt.Println("╔═════════════════════════════════════════════╗")
	fmt.Println("║          rescuevox — startup summary        ║")
	fmt.Println("╠═════════════════════════════════════════════╣")
	printRow("Agent", joinModel(cfg.Agent.Name, cfg.Agent.Model))
	printRow("Voice", cfg.Agent.Voice)
	printRow("Audio", fmt.Sprintf("%s %d/%d Hz", cfg.Audio.Backend, cfg.Audio.InputSampleRate, cfg.Audio.OutputSampleRate))
	printRow("Device loc", device)
	printRow("Fallback", cfg.Location.Fallback.String())
	printRow("HTTP", httpAddr)
	fmt.Println("╚═════════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 27 {
		value = value[:24] + "…"
	}
	fmt.Printf("║  %-12s : %-27s ║\n", label, value)
}

func joinModel(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optBool extracts a bool from an Options map. ok is false when the key is
// absent or not a bool.
func optBool(opts map[string]any, key string) (value, ok bool) {
	v, found := opts[key]
	if !found {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}
