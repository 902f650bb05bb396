package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/rescuevox/internal/config"
	"github.com/MrWong99/rescuevox/internal/geo"
)

const pollEvery = 20 * time.Millisecond

const baseYAML = `
server:
  log_level: info
agent:
  name: gemini-live
  api_key: k
  voice: Kore
location:
  device: {lat: 34.05, lng: -118.24}
`

// change is one watcher callback.
type change struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// watchFile writes content to a temp config file and watches it. Every
// callback is forwarded on the returned channel.
func watchFile(t *testing.T, content string) (string, *config.Watcher, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rescuevox.yaml")
	rewrite(t, path, content)

	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config, d config.ConfigDiff) {
		changes <- change{old, new, d}
	}, config.WithInterval(pollEvery))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, changes
}

// rewrite replaces the file and pushes its mtime forward so coarse
// filesystem clocks still register the edit.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	bump(t, path)
}

var mtimeStep time.Duration

func bump(t *testing.T, path string) {
	t.Helper()
	mtimeStep += time.Second
	ts := time.Now().Add(mtimeStep)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func nextChange(t *testing.T, changes <-chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no reload observed")
		return change{}
	}
}

func expectQuiet(t *testing.T, changes <-chan change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload: %+v", c.diff)
	case <-time.After(10 * pollEvery):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	_, w, _ := watchFile(t, baseYAML)
	cfg := w.Current()
	if cfg == nil || cfg.Agent.Voice != "Kore" {
		t.Fatalf("Current = %+v", cfg)
	}
	// Defaults are applied on every load.
	if cfg.Audio.FrameSize != config.DefaultFrameSize {
		t.Errorf("frame_size = %d; want default", cfg.Audio.FrameSize)
	}
}

func TestWatcher_ReportsDiff(t *testing.T) {
	path, w, changes := watchFile(t, baseYAML)

	rewrite(t, path, `
server:
  log_level: debug
agent:
  name: gemini-live
  api_key: k
  voice: Puck
location:
  device: {lat: 48.137, lng: 11.575}
`)
	c := nextChange(t, changes)

	if c.old.Agent.Voice != "Kore" || c.new.Agent.Voice != "Puck" {
		t.Errorf("old/new voice = %q/%q", c.old.Agent.Voice, c.new.Agent.Voice)
	}
	d := c.diff
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.AgentChanged {
		t.Error("voice change not reported as agent change")
	}
	want := geo.Location{Lat: 48.137, Lng: 11.575}
	if !d.DeviceLocationChanged || d.NewDeviceLocation == nil || *d.NewDeviceLocation != want {
		t.Errorf("device location diff = %+v", d)
	}
	if w.Current() != c.new {
		t.Error("Current does not return the reloaded config")
	}
}

func TestWatcher_DeviceLocationRemoved(t *testing.T) {
	path, _, changes := watchFile(t, baseYAML)

	rewrite(t, path, `
agent:
  name: gemini-live
  api_key: k
  voice: Kore
`)
	d := nextChange(t, changes).diff
	if !d.DeviceLocationChanged || d.NewDeviceLocation != nil {
		t.Errorf("diff = %+v; want device location cleared", d)
	}
	if d.AgentChanged || d.LogLevelChanged {
		t.Errorf("diff = %+v; want only the location", d)
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	path, w, changes := watchFile(t, baseYAML)

	rewrite(t, path, "server:\n  log_level: bananas\n")
	expectQuiet(t, changes)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Fatalf("log_level after invalid edit = %q; want info", got)
	}

	// A later valid edit is picked up.
	rewrite(t, path, baseYAML+"  fallback: {lat: 1, lng: 1}\n")
	if d := nextChange(t, changes).diff; !d.FallbackChanged {
		t.Errorf("diff = %+v; want fallback change", d)
	}
}

func TestWatcher_TouchIsIgnored(t *testing.T) {
	path, _, changes := watchFile(t, baseYAML)
	bump(t, path)
	expectQuiet(t, changes)
}

func TestWatcher_MissingFile(t *testing.T) {
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	_, w, _ := watchFile(t, baseYAML)
	w.Stop()
	w.Stop()
}
