package dispatch_test

import (
	"slices"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/MrWong99/rescuevox/internal/dispatch"
	"github.com/MrWong99/rescuevox/internal/geo"
	"github.com/MrWong99/rescuevox/pkg/audio"
)

func TestInstructions_EmbedsLocation(t *testing.T) {
	t.Parallel()

	got := dispatch.Instructions(&geo.Location{Lat: 34.05, Lng: -118.24})
	if !strings.Contains(got, "34.050000, -118.240000") {
		t.Errorf("instruction missing coordinates:\n%s", got)
	}
	if strings.Contains(got, dispatch.LocationUnavailable) {
		t.Error("instruction contains the unavailable marker despite a known location")
	}
}

func TestInstructions_UnavailableMarker(t *testing.T) {
	t.Parallel()

	got := dispatch.Instructions(nil)
	if !strings.Contains(got, "DEVICE LOCATION: "+dispatch.LocationUnavailable) {
		t.Errorf("instruction missing unavailable marker:\n%s", got)
	}
}

func TestInstructions_ProtocolOrder(t *testing.T) {
	t.Parallel()

	got := dispatch.Instructions(nil)
	last := -1
	for _, step := range []string{"LOCATION:", "SITUATION:", "VITAL DETAILS:", "EXECUTION:", "CLOSING:"} {
		i := strings.Index(got, step)
		if i < 0 {
			t.Fatalf("step %q missing", step)
		}
		if i <= last {
			t.Errorf("step %q out of order", step)
		}
		last = i
	}
}

func TestReportEmergencyTool_Schema(t *testing.T) {
	t.Parallel()

	tool := dispatch.ReportEmergencyTool()
	if tool.Name != "reportEmergency" {
		t.Errorf("Name = %q", tool.Name)
	}
	p := tool.Parameters
	if p.Type != genai.TypeObject {
		t.Errorf("Type = %v; want object", p.Type)
	}
	req := slices.Clone(p.Required)
	slices.Sort(req)
	if !slices.Equal(req, []string{"description", "emergencyType"}) {
		t.Errorf("Required = %v", p.Required)
	}
	for name, typ := range map[string]genai.Type{
		"peopleCount":   genai.TypeInteger,
		"latitude":      genai.TypeNumber,
		"longitude":     genai.TypeNumber,
		"criticalNeeds": genai.TypeString,
		"locationName":  genai.TypeString,
	} {
		s, ok := p.Properties[name]
		if !ok {
			t.Errorf("property %q missing", name)
			continue
		}
		if s.Type != typ {
			t.Errorf("property %q type = %v; want %v", name, s.Type, typ)
		}
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()

	cfg := dispatch.SessionConfig(nil, "", audio.CaptureFormat)
	if cfg.Voice != dispatch.DefaultVoice {
		t.Errorf("Voice = %q; want default", cfg.Voice)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != dispatch.ReportToolName {
		t.Errorf("Tools = %+v", cfg.Tools)
	}
	if cfg.InputFormat != audio.CaptureFormat {
		t.Errorf("InputFormat = %v", cfg.InputFormat)
	}

	cfg = dispatch.SessionConfig(nil, "Puck", audio.CaptureFormat)
	if cfg.Voice != "Puck" {
		t.Errorf("Voice = %q; want Puck", cfg.Voice)
	}
}
