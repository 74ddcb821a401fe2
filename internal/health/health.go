// Package health provides the liveness and readiness HTTP probes.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; passes only when every registered [Checker]
//     passes, so load balancers stop routing new calls to an instance whose
//     upstream pool or recorder is down.
//
// Responses are JSON with a top-level "status" field ("ok" or "fail") and a
// "checks" map naming each probe result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxduct/voxduct/internal/pool"
)

// checkTimeout bounds one readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// can serve calls.
type Checker struct {
	// Name appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a Handler that evaluates the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	status := http.StatusOK

	res := result{Status: "ok", Checks: checks}
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// PoolChecker reports ready when the pool is accepting leases. A pool with
// open-but-all-leased connections still counts as ready; only a closed pool
// fails, since Lease can always try a fresh dial.
func PoolChecker(p *pool.Pool) Checker {
	return Checker{
		Name: "pool",
		Check: func(ctx context.Context) error {
			return p.Healthy()
		},
	}
}

// Pingable is anything with a context-aware health probe; the Postgres
// recorder satisfies it.
type Pingable interface {
	Healthy(ctx context.Context) error
}

// RecorderChecker reports ready when the call recorder can reach its store.
func RecorderChecker(r Pingable) Checker {
	return Checker{
		Name:  "recorder",
		Check: r.Healthy,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
