// Package geo holds geographic coordinates and a freshest-value location
// tracker fed by an external geolocation source.
package geo

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Location is a point in decimal degrees.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Valid reports whether the coordinates are finite and within range.
func (l Location) Valid() bool {
	return !math.IsNaN(l.Lat) && !math.IsNaN(l.Lng) &&
		l.Lat >= -90 && l.Lat <= 90 &&
		l.Lng >= -180 && l.Lng <= 180
}

// String formats the location with six decimal places (about 0.1 m).
func (l Location) String() string {
	return fmt.Sprintf("%.6f, %.6f", l.Lat, l.Lng)
}

// Reader returns the freshest known location, or nil when none is known.
// Implementations must be safe for concurrent use and must not cache: every
// call reflects the latest update.
type Reader interface {
	Current() *Location
}

// Tracker stores the latest device location. The zero value holds no
// location and is ready to use.
type Tracker struct {
	cur atomic.Pointer[Location]
}

var _ Reader = (*Tracker)(nil)

// NewTracker returns a tracker, optionally seeded with an initial fix.
func NewTracker(initial *Location) *Tracker {
	t := &Tracker{}
	if initial != nil {
		t.Update(*initial)
	}
	return t
}

// Update records a new fix. Invalid coordinates are ignored and reported as
// an error.
func (t *Tracker) Update(l Location) error {
	if !l.Valid() {
		return fmt.Errorf("geo: invalid location %v", l)
	}
	t.cur.Store(&l)
	return nil
}

// Clear forgets the current fix.
func (t *Tracker) Clear() { t.cur.Store(nil) }

// Current returns a copy of the latest fix, or nil.
func (t *Tracker) Current() *Location {
	p := t.cur.Load()
	if p == nil {
		return nil
	}
	l := *p
	return &l
}
