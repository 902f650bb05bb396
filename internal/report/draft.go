// Package report turns reportEmergency tool arguments into emergency
// reports.
//
// The session hands a [Draft] to a [Sink] exactly once per tool call. A
// [Resolver] on the UI side completes it into a [Report] (location fallback,
// identity, timestamp) and a [Store] keeps reports for the lifetime of the
// process.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Draft is the argument payload of one reportEmergency call. It is created by
// the remote agent and is immutable once handed to a [Sink].
//
// Latitude and Longitude are either both set or both nil.
type Draft struct {
	EmergencyType string   `json:"emergencyType"`
	Description   string   `json:"description"`
	PeopleCount   *int     `json:"peopleCount,omitempty"`
	CriticalNeeds *string  `json:"criticalNeeds,omitempty"`
	LocationName  *string  `json:"locationName,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

// HasLocation reports whether the draft carries explicit coordinates.
func (d Draft) HasLocation() bool {
	return d.Latitude != nil && d.Longitude != nil
}

// Sink receives drafts. Calls are never concurrent with each other.
type Sink interface {
	OnReportSubmitted(d Draft)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Draft)

// OnReportSubmitted calls f(d).
func (f SinkFunc) OnReportSubmitted(d Draft) { f(d) }

// ParseDraft decodes tool arguments leniently. Numbers may arrive as JSON
// numbers or as numeric strings; fields of the wrong type are dropped with a
// warning. A lone latitude or longitude is discarded so the pair rule holds.
//
// Only undecodable JSON is an error. Empty arguments yield an empty draft.
func ParseDraft(args json.RawMessage) (Draft, error) {
	var d Draft
	if len(bytes.TrimSpace(args)) == 0 {
		return d, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil {
		return d, fmt.Errorf("report: parse draft: %w", err)
	}

	d.EmergencyType, _ = stringField(fields, "emergencyType")
	d.Description, _ = stringField(fields, "description")
	if s, ok := stringField(fields, "criticalNeeds"); ok {
		d.CriticalNeeds = &s
	}
	if s, ok := stringField(fields, "locationName"); ok {
		d.LocationName = &s
	}
	if f, ok := numberField(fields, "peopleCount"); ok {
		if f >= 0 && f == math.Trunc(f) && f <= math.MaxInt32 {
			n := int(f)
			d.PeopleCount = &n
		} else {
			slog.Warn("report: peopleCount is not a count, dropped", "value", f)
		}
	}
	lat, latOK := numberField(fields, "latitude")
	lng, lngOK := numberField(fields, "longitude")
	switch {
	case latOK && lngOK:
		d.Latitude, d.Longitude = &lat, &lng
	case latOK || lngOK:
		slog.Warn("report: lone coordinate dropped", "has_latitude", latOK, "has_longitude", lngOK)
	}
	return d, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	// A number where text was expected still carries meaning.
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	slog.Warn("report: field is not text, dropped", "field", key)
	return "", false
}

func numberField(fields map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	slog.Warn("report: field is not numeric, dropped", "field", key)
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
