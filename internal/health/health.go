// Package health serves the backend health endpoint. A liveness query
// answers immediately; the full check probes every registered dependency
// concurrently and reports per-component latency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one dependency probe.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when the dependency
// is healthy and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// ComponentStatus is the per-dependency entry in the full health response.
type ComponentStatus struct {
	Status     string `json:"status"`
	ResponseMs int64  `json:"responseMs"`
	Error      string `json:"error,omitempty"`
}

type response struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components,omitempty"`
}

// Handler evaluates the registered checkers. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// ServeHTTP answers GET /api/health. With ?liveness it returns 200
// immediately; a serving process is alive. Otherwise every checker runs
// concurrently and the response is 200 or 503 with per-component detail.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("liveness") {
		writeJSON(w, http.StatusOK, response{Status: "ok"})
		return
	}

	components := make(map[string]ComponentStatus, len(h.checkers))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		c := c
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(probeCtx)
			status := ComponentStatus{Status: "ok", ResponseMs: time.Since(start).Milliseconds()}
			if err != nil {
				status.Status = "fail"
				status.Error = err.Error()
			}

			mu.Lock()
			components[c.Name] = status
			mu.Unlock()
			// Errors are reported per component, never propagated: one bad
			// dependency must not cancel the sibling probes.
			return nil
		})
	}
	_ = g.Wait()

	res := response{Status: "ok", Components: components}
	code := http.StatusOK
	for _, c := range components {
		if c.Status != "ok" {
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
