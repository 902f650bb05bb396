package geo_test

import (
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/rescuevox/internal/geo"
)

func TestTracker_ZeroValue(t *testing.T) {
	t.Parallel()

	var tr geo.Tracker
	if tr.Current() != nil {
		t.Error("zero tracker should hold no location")
	}
}

func TestTracker_UpdateAndCurrent(t *testing.T) {
	t.Parallel()

	tr := geo.NewTracker(&geo.Location{Lat: 1, Lng: 2})
	if got := tr.Current(); got == nil || *got != (geo.Location{Lat: 1, Lng: 2}) {
		t.Fatalf("Current = %v; want {1 2}", got)
	}

	if err := tr.Update(geo.Location{Lat: 34.05, Lng: -118.24}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := tr.Current()
	if *got != (geo.Location{Lat: 34.05, Lng: -118.24}) {
		t.Errorf("Current = %v", got)
	}

	// Callers get a copy.
	got.Lat = 0
	if tr.Current().Lat != 34.05 {
		t.Error("mutating the returned location changed the tracker")
	}

	tr.Clear()
	if tr.Current() != nil {
		t.Error("Clear did not forget the location")
	}
}

func TestTracker_RejectsInvalid(t *testing.T) {
	t.Parallel()

	tr := geo.NewTracker(&geo.Location{Lat: 1, Lng: 1})
	for _, l := range []geo.Location{
		{Lat: 91, Lng: 0},
		{Lat: 0, Lng: -181},
		{Lat: math.NaN(), Lng: 0},
	} {
		if err := tr.Update(l); err == nil {
			t.Errorf("Update(%v) accepted invalid location", l)
		}
	}
	if *tr.Current() != (geo.Location{Lat: 1, Lng: 1}) {
		t.Error("invalid update replaced the previous fix")
	}
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	t.Parallel()

	tr := &geo.Tracker{}
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			_ = tr.Update(geo.Location{Lat: float64(i), Lng: float64(i)})
			if l := tr.Current(); l == nil || l.Lat != l.Lng {
				t.Errorf("torn read: %v", l)
			}
		})
	}
	wg.Wait()
}

func TestLocation_String(t *testing.T) {
	t.Parallel()

	if got := (geo.Location{Lat: 34.05, Lng: -118.24}).String(); got != "34.050000, -118.240000" {
		t.Errorf("String = %q", got)
	}
}
