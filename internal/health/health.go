// Package health serves the liveness and readiness probes on the moderator
// agent's sidecar HTTP listener.
//
//   - /healthz — liveness; the agent process is alive as soon as the listener
//     accepts connections, so this always answers 200.
//   - /readyz  — readiness; the agent can moderate a session only when the
//     dependencies behind its registered [Checker]s (the control plane, the
//     audio room path) answer, so this returns 503 until every check passes.
//
// The body is JSON: a top-level "status" of "ok" or "fail" and, for /readyz,
// one entry per checker with its outcome and how long the probe took. The
// latency makes a slow-but-passing control plane visible before it starts
// failing outright.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// readyCheckTimeout bounds one readiness probe. A control plane that cannot
// answer within this window is treated as down.
const readyCheckTimeout = 5 * time.Second

// Checker probes one dependency the agent needs to run a session. Check
// returns nil when the dependency answers and must respect ctx cancellation.
type Checker struct {
	// Name keys the check in the /readyz body, e.g. "control_plane".
	Name string

	Check func(ctx context.Context) error
}

// checkOutcome is the per-dependency entry in the /readyz body.
type checkOutcome struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// report is the probe response body.
type report struct {
	Status string                  `json:"status"`
	Checks map[string]checkOutcome `json:"checks,omitempty"`
}

// Handler answers the agent's probe endpoints. The checker set is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that runs the given checkers, in order, on every
// /readyz request. With no checkers the agent reports ready unconditionally.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz answers the liveness probe. Serving the request is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every registered checker under a [readyCheckTimeout] deadline
// derived from the request context and answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{
		Status: "ok",
		Checks: make(map[string]checkOutcome, len(h.checkers)),
	}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		start := time.Now()
		err := c.Check(ctx)
		latency := time.Since(start)
		cancel()

		out := checkOutcome{Status: "ok", LatencyMS: latency.Milliseconds()}
		if err != nil {
			out.Status = "fail"
			out.Error = err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
		}
		rep.Checks[c.Name] = out
	}

	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
