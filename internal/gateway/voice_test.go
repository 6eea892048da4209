package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/agent/routing"
	"github.com/jarvishq/jarvis/internal/safety"
	"github.com/jarvishq/jarvis/internal/stt"
	"github.com/jarvishq/jarvis/internal/tools"
	"github.com/jarvishq/jarvis/pkg/models"
)

// fakeSTT returns a canned transcript for any audio.
type fakeSTT struct {
	text string
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte) (stt.Result, error) {
	return stt.Result{Text: f.text}, nil
}

// fakeProvider replies with one text chunk and records every request.
type fakeProvider struct {
	name  string
	reply string
	tools bool

	mu       sync.Mutex
	requests []*agent.CompletionRequest
}

func (p *fakeProvider) Name() string        { return p.name }
func (p *fakeProvider) SupportsTools() bool { return p.tools }

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	out := make(chan *agent.CompletionChunk, 2)
	out <- &agent.CompletionChunk{Text: p.reply}
	out <- &agent.CompletionChunk{Done: true, InputTokens: 5, OutputTokens: 3}
	close(out)
	return out, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// voiceHarness wires a voice session over an in-memory connection so process
// can run without a live websocket.
func voiceHarness(t *testing.T, transcript string, conversational, agentic *fakeProvider) (*voiceSession, *wsConn, *memStore) {
	t.Helper()
	logger := testLogger()
	st := newMemStore()

	registry := tools.NewRegistry()
	registry.Freeze()
	policy := safety.New(safety.NewProtectedSet(nil, nil, nil, nil), registry.TierOf)
	executor := tools.NewExecutor(registry, policy, st, logger)
	loop := agent.NewLoop(agentic, executor, st, nil, agent.LoopConfig{}, logger)

	s := &Server{
		cfg: Config{
			Store:  st,
			Loop:   loop,
			Router: routing.New(conversational, agentic),
			STT:    &fakeSTT{text: transcript},
			Logger: logger,
		},
		logger: logger,
		conns:  make(map[*wsConn]struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &wsConn{
		server: s,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		chat:   newChatState(),
	}
	v := &voiceSession{conn: c, agentID: "agent-test", state: models.VoiceProcessing}
	return v, c, st
}

func drainFrames(t *testing.T, c *wsConn) []wsOutFrame {
	t.Helper()
	var out []wsOutFrame
	for {
		select {
		case data := <-c.send:
			var frame wsOutFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, frame)
		default:
			return out
		}
	}
}

func frameEvents(frames []wsOutFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func TestVoiceSmallTalkUsesConversationalModel(t *testing.T) {
	conversational := &fakeProvider{name: "llamacpp", reply: "Doing well, sir."}
	agentic := &fakeProvider{name: "anthropic", reply: "unused", tools: true}
	v, c, st := voiceHarness(t, "How are you today?", conversational, agentic)

	v.process([]byte("fake-audio"))

	if conversational.callCount() != 1 {
		t.Fatalf("conversational calls = %d, want 1", conversational.callCount())
	}
	if agentic.callCount() != 0 {
		t.Fatalf("agentic calls = %d, want 0", agentic.callCount())
	}

	conversational.mu.Lock()
	req := conversational.requests[0]
	conversational.mu.Unlock()
	if !strings.Contains(req.System, "concise homelab assistant") {
		t.Fatalf("system = %q", req.System)
	}
	if len(req.Tools) != 0 {
		t.Fatal("conversational request must not carry tools")
	}

	events := frameEvents(drainFrames(t, c))
	var sawTranscript, sawDone bool
	for _, e := range events {
		if e == "voice:transcript" {
			sawTranscript = true
		}
		if e == "voice:tts_done" {
			sawDone = true
		}
		if e == "voice:error" {
			t.Fatalf("unexpected voice:error in %v", events)
		}
	}
	if !sawTranscript || !sawDone {
		t.Fatalf("events = %v", events)
	}

	// The local path persists both sides of the exchange.
	v.mu.Lock()
	sessionID := v.sessionID
	v.mu.Unlock()
	roles := st.sessionRoles(sessionID)
	if len(roles) != 2 || roles[0] != models.RoleUser || roles[1] != models.RoleAssistant {
		t.Fatalf("persisted roles = %v", roles)
	}
}

func TestVoiceCommandUsesAgenticLoop(t *testing.T) {
	conversational := &fakeProvider{name: "llamacpp", reply: "unused"}
	agentic := &fakeProvider{name: "anthropic", reply: "VM 104 is stopped.", tools: true}
	v, c, _ := voiceHarness(t, "stop vm 104", conversational, agentic)

	v.process([]byte("fake-audio"))

	if agentic.callCount() != 1 {
		t.Fatalf("agentic calls = %d, want 1", agentic.callCount())
	}
	if conversational.callCount() != 0 {
		t.Fatalf("conversational calls = %d, want 0", conversational.callCount())
	}

	events := frameEvents(drainFrames(t, c))
	var sawDone bool
	for _, e := range events {
		if e == "voice:tts_done" {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatalf("events = %v", events)
	}
}
