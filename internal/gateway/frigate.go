package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// frigateProxy forwards NVR reads to Frigate so the dashboard never needs
// direct network access to the recorder. Auth stays on our side; the Frigate
// API itself is unauthenticated on the homelab segment.
type frigateProxy struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

func newFrigateProxy(endpoint string, logger *slog.Logger) *frigateProxy {
	return &frigateProxy{
		base:   strings.TrimRight(endpoint, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "frigate"),
	}
}

// events proxies the event list, passing the caller's query string through.
func (f *frigateProxy) events() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := f.base + "/api/events"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		f.forward(w, r, target)
	})
}

func (f *frigateProxy) cameraSnapshot() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		camera := r.PathValue("camera")
		f.forward(w, r, fmt.Sprintf("%s/api/%s/latest.jpg", f.base, camera))
	})
}

func (f *frigateProxy) eventThumbnail() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.forward(w, r, fmt.Sprintf("%s/api/events/%s/thumbnail.jpg", f.base, r.PathValue("id")))
	})
}

func (f *frigateProxy) eventSnapshot() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.forward(w, r, fmt.Sprintf("%s/api/events/%s/snapshot.jpg", f.base, r.PathValue("id")))
	})
}

func (f *frigateProxy) forward(w http.ResponseWriter, r *http.Request, target string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bad upstream request")
		return
	}
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("nvr unreachable", "url", target, "error", err)
		writeError(w, http.StatusBadGateway, "nvr unreachable")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Debug("nvr stream aborted", "url", target, "error", err)
	}
}
