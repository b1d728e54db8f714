// Package health provides the HTTP probes the voicebot exposes next to its
// metrics endpoint.
//
//   - /healthz — liveness; a process that can serve HTTP is alive.
//   - /readyz  — readiness; passes only when every registered [Checker]
//     (shared cache, stasis event stream) passes.
//
// Responses are JSON with a top-level "status" ("ok" or "fail"), the process
// uptime, and a "checks" map with the result and latency of each probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is the per-probe JSON body.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// result is the JSON response body for both endpoints.
type result struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New creates a Handler that evaluates the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{started: time.Now(), checkers: c}
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", Uptime: h.uptime()})
}

// Readyz answers 200 only when every checker passes, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]checkResult, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		start := time.Now()
		err := c.Check(ctx)
		latency := time.Since(start).Milliseconds()
		cancel()

		if err != nil {
			checks[c.Name] = checkResult{Status: "fail", Error: err.Error(), LatencyMs: latency}
			allOK = false
		} else {
			checks[c.Name] = checkResult{Status: "ok", LatencyMs: latency}
		}
	}

	res := result{Status: "ok", Uptime: h.uptime(), Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) uptime() string {
	return time.Since(h.started).Truncate(time.Second).String()
}

// writeJSON encodes v with the given status, falling back to a plain 500 on
// encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
