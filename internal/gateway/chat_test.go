package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/agent/routing"
	"github.com/jarvishq/jarvis/internal/safety"
	"github.com/jarvishq/jarvis/internal/tools"
	"github.com/jarvishq/jarvis/pkg/models"
)

// toolOnceProvider requests one tool call, then answers in text.
type toolOnceProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *toolOnceProvider) Name() string        { return "anthropic" }
func (p *toolOnceProvider) SupportsTools() bool { return true }

func (p *toolOnceProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	out := make(chan *agent.CompletionChunk, 2)
	if call == 0 {
		out <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
			ID:    "tc1",
			Name:  "stop_vm",
			Input: json.RawMessage(`{"vmid":104}`),
		}}
	} else {
		out <- &agent.CompletionChunk{Text: "VM 104 is stopped."}
	}
	out <- &agent.CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 5}
	close(out)
	return out, nil
}

func chatHarness(t *testing.T, provider agent.LLMProvider) *wsConn {
	t.Helper()
	logger := testLogger()
	st := newMemStore()

	registry := tools.NewRegistry()
	if err := registry.Register(&stubTool{name: "stop_vm", tier: safety.TierRed}); err != nil {
		t.Fatal(err)
	}
	registry.Freeze()
	policy := safety.New(safety.NewProtectedSet(nil, nil, nil, nil), registry.TierOf)
	executor := tools.NewExecutor(registry, policy, st, logger)
	loop := agent.NewLoop(provider, executor, st, nil, agent.LoopConfig{}, logger)

	s := &Server{
		cfg: Config{
			Store:    st,
			Loop:     loop,
			Router:   routing.New(nil, provider),
			Registry: registry,
			Executor: executor,
			Logger:   logger,
		},
		logger: logger,
		conns:  make(map[*wsConn]struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &wsConn{
		server: s,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		chat:   newChatState(),
	}
}

func TestChatConfirmAcceptsToolUseID(t *testing.T) {
	c := chatHarness(t, &toolOnceProvider{})

	c.runChat(chatSendParams{SessionID: "s1", Message: "stop vm 104"})

	var toolUseID string
	for _, f := range drainFrames(t, c) {
		if f.Event == "chat:confirm_needed" {
			payload, ok := f.Payload.(map[string]any)
			if !ok {
				t.Fatalf("confirm payload = %T", f.Payload)
			}
			toolUseID, _ = payload["toolCallId"].(string)
		}
	}
	if toolUseID == "" {
		t.Fatal("no chat:confirm_needed frame")
	}

	c.runConfirm(chatConfirmParams{SessionID: "s1", ToolUseID: toolUseID, Confirmed: true})

	var sawResult, sawDone bool
	for _, f := range drainFrames(t, c) {
		switch f.Event {
		case "chat:error":
			t.Fatalf("chat:error: %v", f.Payload)
		case "chat:tool_result":
			sawResult = true
		case "chat:done":
			sawDone = true
		}
	}
	if !sawResult || !sawDone {
		t.Fatalf("tool_result=%v done=%v", sawResult, sawDone)
	}
}

func TestChatConfirmStillAcceptsConfirmationID(t *testing.T) {
	c := chatHarness(t, &toolOnceProvider{})

	c.runChat(chatSendParams{SessionID: "s1", Message: "stop vm 104"})

	var confirmationID string
	for _, f := range drainFrames(t, c) {
		if f.Event == "chat:confirm_needed" {
			payload := f.Payload.(map[string]any)
			confirmationID, _ = payload["confirmationId"].(string)
		}
	}
	if confirmationID == "" {
		t.Fatal("no chat:confirm_needed frame")
	}

	c.runConfirm(chatConfirmParams{SessionID: "s1", ConfirmationID: confirmationID, Confirmed: true})

	var sawDone bool
	for _, f := range drainFrames(t, c) {
		if f.Event == "chat:error" {
			t.Fatalf("chat:error: %v", f.Payload)
		}
		if f.Event == "chat:done" {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("confirm flow did not complete")
	}
}
