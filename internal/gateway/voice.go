package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/agent/routing"
	"github.com/jarvishq/jarvis/internal/sentence"
	"github.com/jarvishq/jarvis/internal/timing"
	"github.com/jarvishq/jarvis/internal/tts"
	"github.com/jarvishq/jarvis/pkg/models"
)

const (
	// captureInactivity ends capture when no audio arrives for this long.
	captureInactivity = 2 * time.Second
	// captureHardCap bounds a single capture regardless of activity.
	captureHardCap = 30 * time.Second
)

// voiceSession is the server-driven state machine for one voice satellite:
// idle -> listening -> capturing -> processing -> speaking -> listening.
type voiceSession struct {
	conn    *wsConn
	agentID string

	mu         sync.Mutex
	state      models.VoiceAgentState
	buf        bytes.Buffer
	generation int
	inactivity *time.Timer
	hardCap    *time.Timer
	sessionID  string
}

func (c *wsConn) voiceSessionLocked() *voiceSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voice == nil {
		c.voice = &voiceSession{
			conn:    c,
			agentID: uuid.NewString(),
			state:   models.VoiceIdle,
		}
		c.voice.transition(models.VoiceListening)
		c.sendEvent("voice", "voice:listening", map[string]any{"agentId": c.voice.agentID})
	}
	return c.voice
}

type voiceChunkParams struct {
	Seq   int    `json:"seq"`
	Audio []byte `json:"audio"`
}

func (c *wsConn) handleVoiceEvent(frame *wsFrame) {
	v := c.voiceSessionLocked()

	switch frame.Event {
	case "voice:ping":
		c.sendEvent("voice", "voice:pong", map[string]any{"timestamp": time.Now().UnixMilli()})
	case "voice:audio_start":
		v.startCapture()
	case "voice:audio_chunk":
		var params voiceChunkParams
		if err := json.Unmarshal(frame.Payload, &params); err != nil {
			c.sendError("voice", "invalid audio chunk")
			return
		}
		v.appendAudio(params.Audio)
	case "voice:audio_end":
		v.endCapture("audio_end")
	default:
		c.sendError("voice", "unknown voice event "+frame.Event)
	}
}

// transition updates the state under the caller's lock discipline and mirrors
// it into the telemetry voice-agent registry.
func (v *voiceSession) transition(state models.VoiceAgentState) {
	v.state = state
	if t := v.conn.server.cfg.Telemetry; t != nil {
		t.SetVoiceAgent(v.agentID, string(state))
	}
}

func (v *voiceSession) startCapture() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == models.VoiceProcessing || v.state == models.VoiceSpeaking {
		v.conn.sendError("voice", "busy")
		return
	}
	v.buf.Reset()
	v.generation++
	gen := v.generation
	v.transition(models.VoiceCapturing)

	v.stopTimersLocked()
	v.inactivity = time.AfterFunc(captureInactivity, func() { v.timeoutCapture(gen, "inactivity") })
	v.hardCap = time.AfterFunc(captureHardCap, func() { v.timeoutCapture(gen, "max_duration") })
}

func (v *voiceSession) appendAudio(audio []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != models.VoiceCapturing {
		return
	}
	v.buf.Write(audio)
	if v.inactivity != nil {
		v.inactivity.Reset(captureInactivity)
	}
}

// timeoutCapture is invoked by the timers; generation guards against a timer
// from an earlier capture firing into a new one.
func (v *voiceSession) timeoutCapture(gen int, reason string) {
	v.mu.Lock()
	if v.generation != gen || v.state != models.VoiceCapturing {
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	v.endCapture(reason)
}

func (v *voiceSession) endCapture(reason string) {
	v.mu.Lock()
	if v.state != models.VoiceCapturing {
		v.mu.Unlock()
		return
	}
	v.stopTimersLocked()
	audio := make([]byte, v.buf.Len())
	copy(audio, v.buf.Bytes())
	v.buf.Reset()
	v.transition(models.VoiceProcessing)
	v.mu.Unlock()

	v.conn.sendEvent("voice", "voice:processing", map[string]any{"reason": reason})
	go v.process(audio)
}

func (v *voiceSession) stopTimersLocked() {
	if v.inactivity != nil {
		v.inactivity.Stop()
		v.inactivity = nil
	}
	if v.hardCap != nil {
		v.hardCap.Stop()
		v.hardCap = nil
	}
}

func (v *voiceSession) backToListening() {
	v.mu.Lock()
	v.transition(models.VoiceListening)
	v.mu.Unlock()
	v.conn.sendEvent("voice", "voice:listening", map[string]any{"agentId": v.agentID})
}

// process runs the full voice turn: transcribe, route, stream the answer
// through TTS, and return to listening.
func (v *voiceSession) process(audio []byte) {
	cfg := v.conn.server.cfg
	timer := timing.New()

	if len(audio) == 0 || cfg.STT == nil {
		v.conn.sendEvent("voice", "voice:error", map[string]any{"message": "no audio captured"})
		v.backToListening()
		return
	}

	ctx, cancel := context.WithCancel(v.conn.ctx)
	defer cancel()

	result, err := cfg.STT.Transcribe(ctx, audio)
	if err != nil {
		v.conn.sendEvent("voice", "voice:error", map[string]any{"message": "transcription failed: " + err.Error()})
		v.backToListening()
		return
	}
	timer.Mark(timing.MarkSTTDone)
	if result.Text == "" {
		v.conn.sendEvent("voice", "voice:error", map[string]any{"message": "nothing heard"})
		v.backToListening()
		return
	}

	v.mu.Lock()
	if v.sessionID == "" {
		v.sessionID = uuid.NewString()
	}
	sessionID := v.sessionID
	v.mu.Unlock()

	v.conn.sendEvent("voice", "voice:transcript", map[string]any{"text": result.Text})
	v.conn.sendEvent("voice", "voice:thinking", nil)

	// Voice turns route like typed ones: small talk goes to the local
	// model, tool-shaped requests to the agentic loop.
	provider, route := cfg.Router.Pick(result.Text)

	var chunks <-chan *agent.ResponseChunk
	if route == routing.RouteAgentic {
		chunks, err = cfg.Loop.Run(ctx, sessionID, result.Text, agent.ExecOptions{
			Source:    models.SourceUser,
			VoiceMode: true,
		})
	} else {
		chunks, err = v.runLocal(ctx, sessionID, result.Text, provider)
	}
	if err != nil {
		v.conn.sendEvent("voice", "voice:error", map[string]any{"message": err.Error()})
		v.backToListening()
		return
	}

	v.mu.Lock()
	v.transition(models.VoiceSpeaking)
	v.mu.Unlock()

	var ttsResp *tts.Response
	if cfg.TTS != nil {
		ttsResp = cfg.TTS.NewResponse(ctx, func(chunk tts.Chunk) {
			timer.Mark(timing.MarkFirstAudio)
			v.conn.sendEvent("voice", "voice:tts_chunk", map[string]any{
				"index":       chunk.Index,
				"contentType": chunk.ContentType,
				"audio":       chunk.Audio,
				"engine":      chunk.Engine,
			})
		})
	}
	streamer := sentence.New(func(text string, index int) {
		timer.Mark(timing.MarkFirstSentence)
		if ttsResp != nil {
			ttsResp.Enqueue(index, text)
		}
	})

	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			v.conn.sendEvent("voice", "voice:error", map[string]any{"message": chunk.Error.Error()})
		case chunk.Text != "":
			timer.Mark(timing.MarkFirstToken)
			streamer.Push(chunk.Text)
		case chunk.ToolResult != nil:
			timer.Mark(timing.MarkToolsDone)
		}
	}

	streamer.Flush()
	engine := ""
	if ttsResp != nil {
		ttsResp.CloseAndWait()
		engine = ttsResp.EngineLock()
	}
	v.conn.sendEvent("voice", "voice:tts_done", map[string]any{
		"sentences": streamer.Count(),
		"engine":    engine,
	})
	timer.Log(v.conn.server.logger, sessionID)
	v.backToListening()
}

// runLocal streams the tool-less local model for a voice turn, adapting its
// output to the response-chunk shape the agentic loop produces. Persistence
// and context assembly happen here since the loop is not involved.
func (v *voiceSession) runLocal(ctx context.Context, sessionID, text string, provider agent.LLMProvider) (<-chan *agent.ResponseChunk, error) {
	cfg := v.conn.server.cfg

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}
	if err := cfg.Store.SaveMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	history, err := cfg.Store.GetSessionMessages(ctx, sessionID, 20)
	if err != nil {
		return nil, err
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
		return nil, err
	}

	out := make(chan *agent.ResponseChunk, 32)
	go func() {
		defer close(out)
		var full strings.Builder
		var usageIn, usageOut int
		for chunk := range completion {
			if chunk.Error != nil {
				out <- &agent.ResponseChunk{Error: chunk.Error}
				return
			}
			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				out <- &agent.ResponseChunk{Text: chunk.Text}
			}
			if chunk.Done {
				usageIn, usageOut = chunk.InputTokens, chunk.OutputTokens
			}
		}
		if full.Len() > 0 {
			assistant := &models.Message{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				Role:      models.RoleAssistant,
				Content:   full.String(),
				Model:     provider.Name(),
				TokensIn:  usageIn,
				TokensOut: usageOut,
				CreatedAt: time.Now(),
			}
			if err := cfg.Store.SaveMessage(ctx, assistant); err != nil {
				v.conn.server.logger.Error("failed to persist assistant message", "session_id", sessionID, "error", err)
			}
		}
		out <- &agent.ResponseChunk{Done: true, InputTokens: usageIn, OutputTokens: usageOut}
	}()
	return out, nil
}

func (v *voiceSession) close() {
	v.mu.Lock()
	v.stopTimersLocked()
	v.transition(models.VoiceIdle)
	v.mu.Unlock()
	if t := v.conn.server.cfg.Telemetry; t != nil {
		t.RemoveVoiceAgent(v.agentID)
	}
}
