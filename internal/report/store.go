package report

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Store keeps resolved reports in memory for the lifetime of the process.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	reports []Report
	byID    map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[string]int)}
}

// Add appends r. A report whose ID is already stored replaces the old entry.
func (s *Store) Add(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[r.ID]; ok {
		s.reports[i] = r
		return
	}
	s.byID[r.ID] = len(s.reports)
	s.reports = append(s.reports, r)
}

// List returns all reports, oldest first.
func (s *Store) List() []Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// Get returns the report with the given ID.
func (s *Store) Get(id string) (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Report{}, false
	}
	return s.reports[i], true
}

// Len returns the number of stored reports.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}

// Register adds GET /reports and GET /reports/{id} to mux.
func (s *Store) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /reports", s.handleList)
	mux.HandleFunc("GET /reports/{id}", s.handleGet)
}

func (s *Store) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.List())
}

func (s *Store) handleGet(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not found"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
