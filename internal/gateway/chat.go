package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/agent/routing"
	"github.com/jarvishq/jarvis/internal/safety"
	"github.com/jarvishq/jarvis/internal/sentence"
	"github.com/jarvishq/jarvis/internal/timing"
	"github.com/jarvishq/jarvis/internal/tts"
	"github.com/jarvishq/jarvis/pkg/models"
)

// Anthropic Sonnet pricing per million tokens; the local model is free.
const (
	agenticInputUSDPerMTok  = 3.0
	agenticOutputUSDPerMTok = 15.0
)

// followUpMaxLen is the message length under which a turn is treated as a
// follow-up to the previous agentic exchange.
const followUpMaxLen = 60

// runHandle identifies one in-flight run so a finished run only unregisters
// itself, never a newer run for the same session.
type runHandle struct {
	cancel context.CancelFunc
}

// chatState is the per-connection chat bookkeeping: one in-flight run per
// session, and the last route taken for the follow-up heuristic.
type chatState struct {
	mu        sync.Mutex
	runs      map[string]*runHandle
	lastRoute map[string]routing.Route
}

func newChatState() *chatState {
	return &chatState{
		runs:      make(map[string]*runHandle),
		lastRoute: make(map[string]routing.Route),
	}
}

// begin cancels any in-flight run for the session and registers the new one.
func (cs *chatState) begin(sessionID string, cancel context.CancelFunc) *runHandle {
	handle := &runHandle{cancel: cancel}
	cs.mu.Lock()
	if prev, ok := cs.runs[sessionID]; ok {
		prev.cancel()
	}
	cs.runs[sessionID] = handle
	cs.mu.Unlock()
	return handle
}

func (cs *chatState) end(sessionID string, handle *runHandle) {
	cs.mu.Lock()
	if cs.runs[sessionID] == handle {
		delete(cs.runs, sessionID)
	}
	cs.mu.Unlock()
}

func (cs *chatState) cancelSession(sessionID string) {
	cs.mu.Lock()
	if handle, ok := cs.runs[sessionID]; ok {
		handle.cancel()
	}
	cs.mu.Unlock()
}

func (cs *chatState) cancelAll() {
	cs.mu.Lock()
	for _, handle := range cs.runs {
		handle.cancel()
	}
	cs.runs = make(map[string]*runHandle)
	cs.mu.Unlock()
}

func (cs *chatState) setRoute(sessionID string, route routing.Route) {
	cs.mu.Lock()
	cs.lastRoute[sessionID] = route
	cs.mu.Unlock()
}

func (cs *chatState) route(sessionID string) (routing.Route, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	r, ok := cs.lastRoute[sessionID]
	return r, ok
}

type chatSendParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	VoiceMode bool   `json:"voiceMode,omitempty"`
}

type chatConfirmParams struct {
	SessionID      string `json:"sessionId"`
	ConfirmationID string `json:"confirmationId"`
	// ToolUseID identifies the held tool call; clients may send it instead
	// of confirmationId.
	ToolUseID string `json:"toolUseId"`
	Confirmed bool   `json:"confirmed"`
}

func (c *wsConn) handleChatEvent(frame *wsFrame) {
	switch frame.Event {
	case "chat:send":
		var params chatSendParams
		if err := json.Unmarshal(frame.Payload, &params); err != nil {
			c.sendError("chat", "invalid chat:send payload")
			return
		}
		if strings.TrimSpace(params.Message) == "" {
			c.sendError("chat", "message is required")
			return
		}
		go c.runChat(params)
	case "chat:confirm":
		var params chatConfirmParams
		if err := json.Unmarshal(frame.Payload, &params); err != nil {
			c.sendError("chat", "invalid chat:confirm payload")
			return
		}
		go c.runConfirm(params)
	case "chat:cancel":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(frame.Payload, &params); err == nil {
			c.chat.cancelSession(params.SessionID)
		}
	default:
		c.sendError("chat", "unknown chat event "+frame.Event)
	}
}

func (c *wsConn) runChat(params chatSendParams) {
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.sendEvent("chat", "chat:acknowledge", map[string]any{"sessionId": sessionID})

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	handle := c.chat.begin(sessionID, cancel)
	defer c.chat.end(sessionID, handle)

	timer := timing.New()
	cfg := c.server.cfg

	c.sendEvent("chat", "chat:stage", map[string]any{"sessionId": sessionID, "stage": "routing"})

	overrideActive := cfg.OverrideKey != "" && strings.Contains(params.Message, cfg.OverrideKey)
	keywordPresent := cfg.ApprovalKeyword != "" &&
		strings.Contains(strings.ToLower(params.Message), strings.ToLower(cfg.ApprovalKeyword))

	provider, route := cfg.Router.Pick(params.Message)
	if overrideActive {
		route = routing.RouteAgentic
	}
	// Short message after an agentic exchange stays agentic: "and pve2?"
	// should reuse the tool-capable model.
	if last, ok := c.chat.route(sessionID); ok && last == routing.RouteAgentic &&
		len(params.Message) < followUpMaxLen {
		route = routing.RouteAgentic
	}
	c.chat.setRoute(sessionID, route)
	c.server.logger.Debug("chat routed",
		"session_id", sessionID, "route", route, "override", overrideActive)

	c.sendEvent("chat", "chat:stage", map[string]any{"sessionId": sessionID, "stage": "generating"})

	if route == routing.RouteAgentic {
		opts := agent.ExecOptions{
			Source:         models.SourceLLM,
			VoiceMode:      params.VoiceMode,
			OverrideActive: overrideActive,
			KeywordPresent: keywordPresent,
		}
		chunks, err := cfg.Loop.Run(ctx, sessionID, params.Message, opts)
		if err != nil {
			c.sendEvent("chat", "chat:error", map[string]any{"sessionId": sessionID, "message": err.Error()})
			return
		}
		c.streamResponse(ctx, sessionID, chunks, params.VoiceMode, timer)
		return
	}

	c.runConversational(ctx, sessionID, params, provider, timer)
}

func (c *wsConn) runConfirm(params chatConfirmParams) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	confirmationID := params.ConfirmationID
	if confirmationID == "" && params.ToolUseID != "" {
		if id, ok := c.server.cfg.Loop.Confirmations().ResolveCall(params.ToolUseID); ok {
			confirmationID = id
		} else {
			confirmationID = params.ToolUseID
		}
	}

	chunks, err := c.server.cfg.Loop.ResumeAfterConfirmation(ctx, confirmationID, params.Confirmed, agent.ExecOptions{
		Source: models.SourceUser,
	})
	if err != nil {
		c.sendEvent("chat", "chat:error", map[string]any{
			"sessionId": params.SessionID, "message": err.Error(),
		})
		return
	}
	handle := c.chat.begin(params.SessionID, cancel)
	defer c.chat.end(params.SessionID, handle)
	c.streamResponse(ctx, params.SessionID, chunks, false, timing.New())
}

// streamResponse fans one agentic response out to the socket: tokens to
// chat:token, sentences to the TTS pipeline when voiceMode is set, tool
// activity to its events, and the timing line at the end.
func (c *wsConn) streamResponse(ctx context.Context, sessionID string, chunks <-chan *agent.ResponseChunk, voiceMode bool, timer *timing.Timer) {
	cfg := c.server.cfg

	var ttsResp *tts.Response
	if voiceMode && cfg.TTS != nil {
		ttsResp = cfg.TTS.NewResponse(ctx, func(chunk tts.Chunk) {
			timer.Mark(timing.MarkFirstAudio)
			c.sendEvent("chat", "chat:audio_chunk", map[string]any{
				"sessionId":   sessionID,
				"index":       chunk.Index,
				"contentType": chunk.ContentType,
				"audio":       chunk.Audio,
				"engine":      chunk.Engine,
			})
		})
	}

	streamer := sentence.New(func(text string, index int) {
		timer.Mark(timing.MarkFirstSentence)
		c.sendEvent("chat", "chat:sentence", map[string]any{
			"sessionId": sessionID, "index": index, "text": text,
		})
		if ttsResp != nil {
			ttsResp.Enqueue(index, text)
		}
	})

	var usageIn, usageOut int
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			c.sendEvent("chat", "chat:error", map[string]any{
				"sessionId": sessionID, "message": chunk.Error.Error(),
			})
		case chunk.Text != "":
			timer.Mark(timing.MarkFirstToken)
			c.sendEvent("chat", "chat:token", map[string]any{
				"sessionId": sessionID, "text": chunk.Text,
			})
			streamer.Push(chunk.Text)
		case chunk.ToolCall != nil:
			tier := safety.TierBlack
			if t, ok := cfg.Registry.TierOf(chunk.ToolCall.Name); ok {
				tier = t
			}
			c.sendEvent("chat", "chat:tool_use", map[string]any{
				"sessionId": sessionID,
				"id":        chunk.ToolCall.ID,
				"name":      chunk.ToolCall.Name,
				"input":     chunk.ToolCall.Input,
				"tier":      tier,
			})
		case chunk.ToolResult != nil:
			timer.Mark(timing.MarkToolsDone)
			event := "chat:tool_result"
			if chunk.ToolResult.IsError && strings.HasPrefix(chunk.ToolResult.Content, "blocked by safety policy") {
				event = "chat:blocked"
			}
			c.sendEvent("chat", event, map[string]any{
				"sessionId":  sessionID,
				"toolCallId": chunk.ToolResult.ToolCallID,
				"content":    chunk.ToolResult.Content,
				"isError":    chunk.ToolResult.IsError,
			})
		case chunk.PendingConfirmation != nil:
			conf := chunk.PendingConfirmation
			c.sendEvent("chat", "chat:confirm_needed", map[string]any{
				"sessionId":      sessionID,
				"confirmationId": conf.ID,
				"toolCallId":     conf.Call.ID,
				"tool":           conf.Call.Name,
				"input":          conf.Call.Input,
				"tier":           conf.Tier,
				"reason":         conf.Reason,
			})
		case chunk.Done:
			usageIn, usageOut = chunk.InputTokens, chunk.OutputTokens
		}
	}

	streamer.Flush()
	if ttsResp != nil {
		ttsResp.CloseAndWait()
		c.sendEvent("chat", "chat:audio_done", map[string]any{
			"sessionId": sessionID,
			"sentences": streamer.Count(),
			"engine":    ttsResp.EngineLock(),
		})
	}

	c.recordCost(ctx, "anthropic", usageIn, usageOut)
	c.sendEvent("chat", "chat:timing", map[string]any{
		"sessionId": sessionID, "breakdown": timer.Breakdown(),
	})
	c.sendEvent("chat", "chat:done", map[string]any{
		"sessionId":    sessionID,
		"inputTokens":  usageIn,
		"outputTokens": usageOut,
	})
	timer.Log(c.server.logger, sessionID)

	if cfg.Context != nil {
		go cfg.Context.MaybeSummarize(context.WithoutCancel(ctx), sessionID)
	}
}

// runConversational streams the tool-less local model directly: persistence
// and context assembly happen here since the agentic loop is not involved.
func (c *wsConn) runConversational(ctx context.Context, sessionID string, params chatSendParams, provider agent.LLMProvider, timer *timing.Timer) {
	cfg := c.server.cfg

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   params.Message,
		CreatedAt: time.Now(),
	}
	if err := cfg.Store.SaveMessage(ctx, userMsg); err != nil {
		c.sendEvent("chat", "chat:error", map[string]any{"sessionId": sessionID, "message": err.Error()})
		return
	}

	history, err := cfg.Store.GetSessionMessages(ctx, sessionID, 20)
	if err != nil {
		c.sendEvent("chat", "chat:error", map[string]any{"sessionId": sessionID, "message": err.Error()})
		return
	}
	system := "You are JARVIS, a concise homelab assistant. Answer briefly."
	if cfg.Context != nil {
		if summary := cfg.Context.Summary(ctx, sessionID); summary != "" {
			system += "\n\nEarlier in this conversation: " + summary
		}
	}

	messages := make([]agent.CompletionMessage, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		messages = append(messages, agent.CompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	completion, err := provider.Complete(ctx, &agent.CompletionRequest{
		System:    system,
		Messages:  messages,
		MaxTokens: 1024,
	})
	if err != nil {
		c.sendEvent("chat", "chat:error", map[string]any{"sessionId": sessionID, "message": err.Error()})
		return
	}

	var ttsResp *tts.Response
	if params.VoiceMode && cfg.TTS != nil {
		ttsResp = cfg.TTS.NewResponse(ctx, func(chunk tts.Chunk) {
			timer.Mark(timing.MarkFirstAudio)
			c.sendEvent("chat", "chat:audio_chunk", map[string]any{
				"sessionId":   sessionID,
				"index":       chunk.Index,
				"contentType": chunk.ContentType,
				"audio":       chunk.Audio,
				"engine":      chunk.Engine,
			})
		})
	}
	streamer := sentence.New(func(text string, index int) {
		timer.Mark(timing.MarkFirstSentence)
		c.sendEvent("chat", "chat:sentence", map[string]any{
			"sessionId": sessionID, "index": index, "text": text,
		})
		if ttsResp != nil {
			ttsResp.Enqueue(index, text)
		}
	})

	var text strings.Builder
	var usageIn, usageOut int
	for chunk := range completion {
		if chunk.Error != nil {
			c.sendEvent("chat", "chat:error", map[string]any{"sessionId": sessionID, "message": chunk.Error.Error()})
			break
		}
		if chunk.Text != "" {
			timer.Mark(timing.MarkFirstToken)
			text.WriteString(chunk.Text)
			c.sendEvent("chat", "chat:token", map[string]any{"sessionId": sessionID, "text": chunk.Text})
			streamer.Push(chunk.Text)
		}
		if chunk.Done {
			usageIn, usageOut = chunk.InputTokens, chunk.OutputTokens
		}
	}

	if text.Len() > 0 {
		assistant := &models.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   text.String(),
			Model:     provider.Name(),
			TokensIn:  usageIn,
			TokensOut: usageOut,
			CreatedAt: time.Now(),
		}
		if err := cfg.Store.SaveMessage(ctx, assistant); err != nil {
			c.server.logger.Error("failed to persist assistant message", "session_id", sessionID, "error", err)
		}
	}

	streamer.Flush()
	if ttsResp != nil {
		ttsResp.CloseAndWait()
		c.sendEvent("chat", "chat:audio_done", map[string]any{
			"sessionId": sessionID,
			"sentences": streamer.Count(),
			"engine":    ttsResp.EngineLock(),
		})
	}
	c.sendEvent("chat", "chat:timing", map[string]any{"sessionId": sessionID, "breakdown": timer.Breakdown()})
	c.sendEvent("chat", "chat:done", map[string]any{
		"sessionId": sessionID, "inputTokens": usageIn, "outputTokens": usageOut,
	})
	timer.Log(c.server.logger, sessionID)

	if cfg.Context != nil {
		go cfg.Context.MaybeSummarize(context.WithoutCancel(ctx), sessionID)
	}
}

func (c *wsConn) recordCost(ctx context.Context, provider string, tokensIn, tokensOut int) {
	if tokensIn == 0 && tokensOut == 0 {
		return
	}
	usd := float64(tokensIn)/1e6*agenticInputUSDPerMTok + float64(tokensOut)/1e6*agenticOutputUSDPerMTok
	entry := &models.CostEntry{
		Provider:  provider,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		USD:       usd,
		CreatedAt: time.Now(),
	}
	if err := c.server.cfg.Store.AppendCost(ctx, entry); err != nil {
		c.server.logger.Warn("failed to record cost", "error", err)
	}
}
