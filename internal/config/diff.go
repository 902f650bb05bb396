package config

import (
	"maps"
	"reflect"

	"github.com/MrWong99/rescuevox/internal/geo"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is set when any agent or failover field changed. The new
	// settings apply to the next session.
	AgentChanged bool

	// DeviceLocationChanged is set when location.device changed.
	// NewDeviceLocation is nil when the location was removed.
	DeviceLocationChanged bool
	NewDeviceLocation     *geo.Location

	FallbackChanged bool
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && !d.DeviceLocationChanged && !d.FallbackChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !agentEqual(old.Agent, new.Agent) || !reflect.DeepEqual(old.Failover, new.Failover) {
		d.AgentChanged = true
	}

	if !locationEqual(old.Location.Device, new.Location.Device) {
		d.DeviceLocationChanged = true
		if new.Location.Device != nil {
			loc := *new.Location.Device
			d.NewDeviceLocation = &loc
		}
	}

	if old.Location.Fallback != new.Location.Fallback {
		d.FallbackChanged = true
	}

	return d
}

func agentEqual(a, b AgentConfig) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Voice != b.Voice {
		return false
	}
	return maps.EqualFunc(a.Options, b.Options, func(x, y any) bool {
		return reflect.DeepEqual(x, y)
	})
}

func locationEqual(a, b *geo.Location) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
