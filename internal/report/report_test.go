package report_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/MrWong99/rescuevox/internal/geo"
	"github.com/MrWong99/rescuevox/internal/report"
)

func ptr[T any](v T) *T { return &v }

func TestParseDraft_FullPayload(t *testing.T) {
	t.Parallel()

	args := json.RawMessage(`{"emergencyType":"Fire","description":"Apartment fire","peopleCount":3,` +
		`"criticalNeeds":"Fire truck","latitude":34.05,"longitude":-118.24}`)
	got, err := report.ParseDraft(args)
	if err != nil {
		t.Fatalf("ParseDraft: %v", err)
	}
	want := report.Draft{
		EmergencyType: "Fire",
		Description:   "Apartment fire",
		PeopleCount:   ptr(3),
		CriticalNeeds: ptr("Fire truck"),
		Latitude:      ptr(34.05),
		Longitude:     ptr(-118.24),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseDraft =\n%+v\nwant\n%+v", got, want)
	}
}

func TestParseDraft_Lenient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args string
		want report.Draft
	}{
		{
			name: "empty arguments",
			args: ``,
			want: report.Draft{},
		},
		{
			name: "numeric strings",
			args: `{"emergencyType":"Medical","description":"x","peopleCount":"2","latitude":"1.5","longitude":" -2.25 "}`,
			want: report.Draft{EmergencyType: "Medical", Description: "x", PeopleCount: ptr(2), Latitude: ptr(1.5), Longitude: ptr(-2.25)},
		},
		{
			name: "lone latitude dropped",
			args: `{"emergencyType":"Crime","description":"x","latitude":10}`,
			want: report.Draft{EmergencyType: "Crime", Description: "x"},
		},
		{
			name: "lone longitude dropped",
			args: `{"emergencyType":"Crime","description":"x","longitude":10,"latitude":null}`,
			want: report.Draft{EmergencyType: "Crime", Description: "x"},
		},
		{
			name: "fractional people count dropped",
			args: `{"emergencyType":"Accident","description":"x","peopleCount":2.5}`,
			want: report.Draft{EmergencyType: "Accident", Description: "x"},
		},
		{
			name: "wrong types dropped",
			args: `{"emergencyType":"Fire","description":"x","criticalNeeds":{"a":1},"peopleCount":"many"}`,
			want: report.Draft{EmergencyType: "Fire", Description: "x"},
		},
		{
			name: "unknown fields ignored",
			args: `{"emergencyType":"Fire","description":"x","severity":"high","locationName":"Main St"}`,
			want: report.Draft{EmergencyType: "Fire", Description: "x", LocationName: ptr("Main St")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := report.ParseDraft(json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("ParseDraft: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v; want %+v", got, tt.want)
			}
			if (got.Latitude == nil) != (got.Longitude == nil) {
				t.Error("coordinate pair rule violated")
			}
		})
	}
}

func TestParseDraft_Undecodable(t *testing.T) {
	t.Parallel()

	for _, args := range []string{`{`, `[1,2]`, `"text"`} {
		if _, err := report.ParseDraft(json.RawMessage(args)); err == nil {
			t.Errorf("ParseDraft(%s) = nil error", args)
		}
	}
}

type fixedReader struct{ loc *geo.Location }

func (f fixedReader) Current() *geo.Location { return f.loc }

func newResolver(dev geo.Reader) *report.Resolver {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return report.NewResolver(dev, geo.Location{Lat: 1, Lng: 2},
		report.WithClock(func() time.Time { return at }),
		report.WithIDFunc(func() string { return "rep-1" }),
	)
}

func TestResolver_AgentCoordinates(t *testing.T) {
	t.Parallel()

	r := newResolver(fixedReader{&geo.Location{Lat: 9, Lng: 9}})
	rep := r.Resolve(report.Draft{
		EmergencyType: "Fire", Description: "Apartment fire",
		PeopleCount: ptr(3), CriticalNeeds: ptr("Fire truck"),
		Latitude: ptr(34.05), Longitude: ptr(-118.24),
	})
	if rep.Location != (geo.Location{Lat: 34.05, Lng: -118.24}) || rep.LocationSource != report.SourceAgent {
		t.Errorf("location = %v (%s); want agent coordinates", rep.Location, rep.LocationSource)
	}
	if rep.ID != "rep-1" || rep.Status != report.StatusNew || rep.CreatedAt.IsZero() {
		t.Errorf("identity = %q %q %v", rep.ID, rep.Status, rep.CreatedAt)
	}
	if rep.CriticalNeeds != "Fire truck" || *rep.PeopleCount != 3 {
		t.Errorf("details = %+v", rep)
	}
}

func TestResolver_DeviceFallback(t *testing.T) {
	t.Parallel()

	tracker := geo.NewTracker(&geo.Location{Lat: 10, Lng: 10})
	r := newResolver(tracker)

	// The freshest fix at resolution time wins, not the one at construction.
	_ = tracker.Update(geo.Location{Lat: 40.7128, Lng: -74.006})
	rep := r.Resolve(report.Draft{EmergencyType: "Medical", Description: "Collapsed"})

	if rep.Location != (geo.Location{Lat: 40.7128, Lng: -74.006}) {
		t.Errorf("location = %v; want latest device fix", rep.Location)
	}
	if rep.LocationSource != report.SourceDevice {
		t.Errorf("source = %s; want device", rep.LocationSource)
	}
}

func TestResolver_DefaultFallback(t *testing.T) {
	t.Parallel()

	for _, dev := range []geo.Reader{nil, fixedReader{}} {
		rep := newResolver(dev).Resolve(report.Draft{EmergencyType: "Crime", Description: "x"})
		if rep.Location != (geo.Location{Lat: 1, Lng: 2}) || rep.LocationSource != report.SourceDefault {
			t.Errorf("location = %v (%s); want default", rep.Location, rep.LocationSource)
		}
	}
}

func TestSinkFunc(t *testing.T) {
	t.Parallel()

	var got []report.Draft
	var s report.Sink = report.SinkFunc(func(d report.Draft) { got = append(got, d) })
	s.OnReportSubmitted(report.Draft{EmergencyType: "Fire"})
	if len(got) != 1 || got[0].EmergencyType != "Fire" {
		t.Errorf("got %+v", got)
	}
}

func TestStore_AddListGet(t *testing.T) {
	t.Parallel()

	s := report.NewStore()
	s.Add(report.Report{ID: "a", EmergencyType: "Fire"})
	s.Add(report.Report{ID: "b", EmergencyType: "Medical"})
	s.Add(report.Report{ID: "a", EmergencyType: "Fire", Status: "dispatched"})

	if s.Len() != 2 {
		t.Fatalf("Len = %d; want 2", s.Len())
	}
	list := s.List()
	if list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("order = %v", list)
	}
	if got, _ := s.Get("a"); got.Status != "dispatched" {
		t.Errorf("replacement not stored: %+v", got)
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("Get(missing) = ok")
	}
}

func TestStore_HTTP(t *testing.T) {
	t.Parallel()

	s := report.NewStore()
	s.Add(report.Report{ID: "abc", EmergencyType: "Fire", LocationSource: report.SourceAgent})
	mux := http.NewServeMux()
	s.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []report.Report
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "abc" {
		t.Errorf("list = %+v", list)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports/abc", nil))
	var one report.Report
	if err := json.NewDecoder(rec.Body).Decode(&one); err != nil || one.LocationSource != report.SourceAgent {
		t.Errorf("get = %+v, %v", one, err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d; want 404", rec.Code)
	}
}
