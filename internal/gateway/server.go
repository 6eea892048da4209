// Package gateway is the backend's outer surface: the REST API and the single
// multiplexed websocket carrying the chat, cluster, events, terminal, and
// voice channels.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/agent/contextmgr"
	"github.com/jarvishq/jarvis/internal/agent/routing"
	"github.com/jarvishq/jarvis/internal/auth"
	"github.com/jarvishq/jarvis/internal/config"
	"github.com/jarvishq/jarvis/internal/health"
	"github.com/jarvishq/jarvis/internal/infra/sshpool"
	"github.com/jarvishq/jarvis/internal/store"
	"github.com/jarvishq/jarvis/internal/stt"
	"github.com/jarvishq/jarvis/internal/telemetry"
	"github.com/jarvishq/jarvis/internal/tools"
	"github.com/jarvishq/jarvis/internal/tts"
)

var wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "jarvis",
	Subsystem: "gateway",
	Name:      "ws_connections",
	Help:      "Open websocket connections.",
})

// Config wires the Server. Every field except Frigate and STT is required.
type Config struct {
	Auth      *auth.Service
	Store     store.Store
	Loop      *agent.Loop
	Router    *routing.Router
	Context   *contextmgr.Manager
	Executor  *tools.Executor
	Registry  *tools.Registry
	TTS       *tts.Pipeline
	STT       stt.Transcriber
	SSH       *sshpool.Pool
	Inventory *config.Inventory
	Telemetry *telemetry.Emitter
	Health    *health.Handler

	// OverrideKey unlocks RED/ORANGE auto-approval when present in a message.
	OverrideKey string
	// ApprovalKeyword must appear in the user turn for ORANGE tools.
	ApprovalKeyword string
	// FrigateEndpoint is the NVR base URL; empty disables the proxies.
	FrigateEndpoint string
	// CORSOrigins are the allowed browser origins.
	CORSOrigins []string

	Logger *slog.Logger
}

// Server owns the HTTP listener.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server

	connMu sync.Mutex
	conns  map[*wsConn]struct{}
}

// New assembles the Server and its routes.
func New(port int, cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "gateway"),
		conns:  make(map[*wsConn]struct{}),
	}

	mux := http.NewServeMux()
	protected := cfg.Auth.Middleware

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("GET /api/health", cfg.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.Handle("GET /api/memory/events", protected(http.HandlerFunc(s.handleListEvents)))
	mux.Handle("GET /api/memory/events/unresolved", protected(http.HandlerFunc(s.handleUnresolvedEvents)))
	mux.Handle("POST /api/memory/events", protected(http.HandlerFunc(s.handleCreateEvent)))
	mux.Handle("GET /api/memory/preferences", protected(http.HandlerFunc(s.handleListPreferences)))
	mux.Handle("PUT /api/memory/preferences/{key}", protected(http.HandlerFunc(s.handleSetPreference)))
	mux.Handle("GET /api/tools", protected(http.HandlerFunc(s.handleListTools)))
	mux.Handle("POST /api/tools/execute", protected(http.HandlerFunc(s.handleExecuteTool)))
	mux.Handle("GET /api/cost", protected(http.HandlerFunc(s.handleCostSummary)))

	if cfg.FrigateEndpoint != "" {
		frigate := newFrigateProxy(cfg.FrigateEndpoint, s.logger)
		mux.Handle("GET /api/events", protected(frigate.events()))
		mux.Handle("GET /api/cameras/{camera}/snapshot", protected(frigate.cameraSnapshot()))
		mux.Handle("GET /api/events/{id}/thumbnail", protected(frigate.eventThumbnail()))
		mux.Handle("GET /api/events/{id}/snapshot", protected(frigate.eventSnapshot()))
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerConn(c *wsConn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) unregisterConn(c *wsConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// Broadcast pushes an events-channel frame to every authenticated socket.
// Alert notifications and freshly persisted events arrive this way.
func (s *Server) Broadcast(event string, payload any) {
	s.connMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.sendEvent("events", event, payload)
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
