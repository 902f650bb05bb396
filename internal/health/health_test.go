package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func get(t *testing.T, h http.Handler, path string) (int, Status) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
	return rec.Code, st
}

func mux(h *Handler) *http.ServeMux {
	m := http.NewServeMux()
	h.Register(m)
	return m
}

func TestHealthz(t *testing.T) {
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("x") }})
	code, st := get(t, mux(h), "/healthz")
	if code != http.StatusOK || st.Status != "ok" || len(st.Checks) != 0 {
		t.Errorf("/healthz = %d %+v", code, st)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     []CheckResult
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "session", Check: pass},
				{Name: "agent_api_key", Check: pass},
			},
			wantCode: http.StatusOK,
			want: []CheckResult{
				{Name: "agent_api_key", OK: true},
				{Name: "session", OK: true},
			},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "session", Check: func(context.Context) error { return errors.New("state disconnected") }},
				{Name: "agent_api_key", Check: pass},
			},
			wantCode: http.StatusServiceUnavailable,
			want: []CheckResult{
				{Name: "agent_api_key", OK: true},
				{Name: "session", Error: "state disconnected"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, st := get(t, mux(New(tt.checkers...)), "/readyz")
			if code != tt.wantCode {
				t.Errorf("code = %d; want %d", code, tt.wantCode)
			}
			wantStatus := "ok"
			if tt.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if st.Status != wantStatus {
				t.Errorf("status = %q; want %q", st.Status, wantStatus)
			}
			if len(st.Checks) != len(tt.want) {
				t.Fatalf("checks = %+v; want %+v", st.Checks, tt.want)
			}
			for i := range tt.want {
				if st.Checks[i] != tt.want[i] {
					t.Errorf("checks[%d] = %+v; want %+v", i, st.Checks[i], tt.want[i])
				}
			}
		})
	}
}

func TestReadyz_Parallel(t *testing.T) {
	// Each checker blocks until all three are running.
	var running atomic.Int32
	slow := func(ctx context.Context) error {
		running.Add(1)
		for running.Load() < 3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return nil
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if st := h.Evaluate(ctx); st.Status != "ok" {
		t.Errorf("Evaluate = %+v; checkers did not run concurrently", st)
	}
}

func TestEvaluate_CancelledContext(t *testing.T) {
	h := New(Checker{Name: "dial", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := h.Evaluate(ctx)
	if st.Status != "fail" || st.Checks[0].Error != context.Canceled.Error() {
		t.Errorf("Evaluate = %+v", st)
	}
}

func TestAdd(t *testing.T) {
	h := New()
	h.Add(Checker{Name: "late", Check: func(context.Context) error { return errors.New("nope") }})
	if code, _ := get(t, mux(h), "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d after Add; want 503", code)
	}
}

func TestState(t *testing.T) {
	state, ready := "connecting", false
	c := State("session", func() (string, bool) { return state, ready })

	err := c.Check(context.Background())
	if err == nil || err.Error() != "state connecting" {
		t.Errorf("Check = %v; want state connecting", err)
	}
	state, ready = "live", true
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check while live = %v", err)
	}
}

func TestRequired(t *testing.T) {
	if err := Required("agent_api_key", "").Check(context.Background()); err == nil {
		t.Error("empty value passed")
	}
	if err := Required("agent_api_key", "secret").Check(context.Background()); err != nil {
		t.Errorf("set value failed: %v", err)
	}
}
