// Package health serves the liveness and readiness probes of the HTTP side
// channel.
//
// GET /healthz answers 200 as long as the process serves HTTP. GET /readyz
// runs every registered [Checker] in parallel and answers 200 only when all
// of them pass, 503 otherwise. Both bodies are JSON:
//
//	{"status":"fail","checks":[{"name":"session","ok":false,"error":"state disconnected"}]}
package health

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil when ready and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker] in a /readyz body.
type CheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Status is a probe response body.
type Status struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// Handler holds the readiness checkers. Safe for concurrent use.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Add registers another checker.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, Status{Status: "ok"})
}

// Readyz answers 503 if any checker fails or outlives [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	st := h.Evaluate(r.Context())
	code := http.StatusOK
	if st.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, st)
}

// Evaluate runs all checkers and returns the aggregate, sorted by name.
func (h *Handler) Evaluate(ctx context.Context) Status {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			results[i] = CheckResult{Name: c.Name, OK: true}
			if err := c.Check(cctx); err != nil {
				results[i] = CheckResult{Name: c.Name, Error: err.Error()}
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortStableFunc(results, func(a, b CheckResult) int { return cmp.Compare(a.Name, b.Name) })
	st := Status{Status: "ok", Checks: results}
	for _, res := range results {
		if !res.OK {
			st.Status = "fail"
			break
		}
	}
	return st
}

func respond(w http.ResponseWriter, code int, v Status) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
