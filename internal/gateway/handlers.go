package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/auth"
	"github.com/jarvishq/jarvis/internal/store"
	"github.com/jarvishq/jarvis/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.cfg.Auth.Login(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidPassword) {
			writeError(w, http.StatusUnauthorized, "invalid password")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter := models.EventFilter{
		Type:  r.URL.Query().Get("type"),
		Node:  r.URL.Query().Get("node"),
		Limit: 50,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = ts
	}

	events, err := s.cfg.Store.GetEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleUnresolvedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.cfg.Store.GetEvents(r.Context(), models.EventFilter{Unresolved: true, Limit: 100})
	if err != nil {
		s.logger.Error("list unresolved events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type createEventRequest struct {
	Type     string         `json:"type"`
	Node     string         `json:"node,omitempty"`
	Severity string         `json:"severity,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	event := &models.Event{
		Type:       req.Type,
		Node:       req.Node,
		Severity:   req.Severity,
		Detail:     req.Detail,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.cfg.Store.SaveEvent(r.Context(), event); err != nil {
		s.logger.Error("save event failed", "error", err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.cfg.Store.ListPreferences(r.Context())
	if err != nil {
		s.logger.Error("list preferences failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if prefs == nil {
		prefs = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

type setPreferenceRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	var req setPreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Store.SetPreference(r.Context(), key, req.Value); err != nil {
		s.logger.Error("set preference failed", "error", err, "key", key)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

type toolListing struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Tier        string `json:"tier"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	specs := s.cfg.Registry.Specs()
	listing := make([]toolListing, 0, len(specs))
	for _, spec := range specs {
		tier, _ := s.cfg.Registry.TierOf(spec.Name)
		listing = append(listing, toolListing{
			Name:        spec.Name,
			Description: spec.Description,
			Tier:        string(tier),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": listing})
}

type executeToolRequest struct {
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Confirmed bool            `json:"confirmed"`
}

// handleExecuteTool runs a tool on behalf of the API. Held calls come back as
// 409 so a scripted caller can retry with confirmed=true.
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	call := models.ToolCall{ID: "api-" + strconv.FormatInt(time.Now().UnixNano(), 36), Name: req.Tool, Input: input}
	outcome := s.cfg.Executor.Execute(r.Context(), call, agent.ExecOptions{
		Source:    models.SourceAPI,
		Confirmed: req.Confirmed,
	})

	switch outcome.Disposition {
	case agent.DispositionNeedsConfirmation:
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "confirmation_required",
			"tool":   req.Tool,
			"tier":   string(outcome.Tier),
			"reason": outcome.Reason,
		})
	case agent.DispositionBlocked:
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  "blocked",
			"tool":   req.Tool,
			"tier":   string(outcome.Tier),
			"reason": outcome.Reason,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"tool":     req.Tool,
			"tier":     string(outcome.Tier),
			"is_error": outcome.Result.IsError,
			"result":   outcome.Result.Content,
		})
	}
}

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	rng := store.CostRange(r.URL.Query().Get("range"))
	switch rng {
	case "":
		rng = store.CostDay
	case store.CostDay, store.CostWeek, store.CostMonth:
	default:
		writeError(w, http.StatusBadRequest, "range must be day, week, or month")
		return
	}
	summary, err := s.cfg.Store.SummarizeCost(r.Context(), rng)
	if err != nil {
		s.logger.Error("cost summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
