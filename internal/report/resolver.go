package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/rescuevox/internal/geo"
)

// Status is the lifecycle status of a report.
type Status string

// StatusNew is assigned to every freshly resolved report.
const StatusNew Status = "new"

// LocationSource records where a report's coordinates came from.
type LocationSource string

const (
	// SourceAgent means the agent supplied the coordinates.
	SourceAgent LocationSource = "agent"
	// SourceDevice means the latest device fix was used.
	SourceDevice LocationSource = "device"
	// SourceDefault means neither was available and the fallback was used.
	SourceDefault LocationSource = "default"
)

// Report is a resolved emergency report.
type Report struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         Status         `json:"status"`
	EmergencyType  string         `json:"emergencyType"`
	Description    string         `json:"description"`
	PeopleCount    *int           `json:"peopleCount,omitempty"`
	CriticalNeeds  string         `json:"criticalNeeds,omitempty"`
	LocationName   string         `json:"locationName,omitempty"`
	Location       geo.Location   `json:"location"`
	LocationSource LocationSource `json:"locationSource"`
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithIDFunc overrides the uuid generator.
func WithIDFunc(fn func() string) ResolverOption {
	return func(r *Resolver) { r.newID = fn }
}

// Resolver completes drafts into reports. Location precedence: explicit
// coordinates from the agent, then the device's freshest fix, then the
// configured fallback.
type Resolver struct {
	device   geo.Reader
	fallback geo.Location
	now      func() time.Time
	newID    func() string
}

// NewResolver creates a resolver. device may be nil.
func NewResolver(device geo.Reader, fallback geo.Location, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		device:   device,
		fallback: fallback,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve builds a report from d. The device location is read at call time.
func (r *Resolver) Resolve(d Draft) Report {
	rep := Report{
		ID:            r.newID(),
		CreatedAt:     r.now().UTC(),
		Status:        StatusNew,
		EmergencyType: d.EmergencyType,
		Description:   d.Description,
		PeopleCount:   d.PeopleCount,
	}
	if d.CriticalNeeds != nil {
		rep.CriticalNeeds = *d.CriticalNeeds
	}
	if d.LocationName != nil {
		rep.LocationName = *d.LocationName
	}

	var dev *geo.Location
	if r.device != nil && !d.HasLocation() {
		dev = r.device.Current()
	}
	switch {
	case d.HasLocation():
		rep.Location = geo.Location{Lat: *d.Latitude, Lng: *d.Longitude}
		rep.LocationSource = SourceAgent
	case dev != nil:
		rep.Location = *dev
		rep.LocationSource = SourceDevice
	default:
		rep.Location = r.fallback
		rep.LocationSource = SourceDefault
	}
	return rep
}
