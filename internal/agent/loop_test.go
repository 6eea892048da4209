package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jarvishq/jarvis/internal/safety"
	"github.com/jarvishq/jarvis/internal/store"
	"github.com/jarvishq/jarvis/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedProvider returns one canned chunk sequence per Complete call and
// records every request it sees.
type scriptedProvider struct {
	mu       sync.Mutex
	script   func(call int, req *CompletionRequest) []*CompletionChunk
	requests []*CompletionRequest
	calls    int
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	chunks := p.script(call, req)
	out := make(chan *CompletionChunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeExecutor returns a programmable outcome and records calls.
type fakeExecutor struct {
	mu      sync.Mutex
	outcome func(call models.ToolCall, opts ExecOptions) ExecOutcome
	seen    []models.ToolCall
	opts    []ExecOptions
}

func (e *fakeExecutor) Specs() []ToolSpec {
	return []ToolSpec{{
		Name:        "stop_vm",
		Description: "Stop a virtual machine",
		Schema:      json.RawMessage(`{"type":"object","properties":{"vmid":{"type":"integer"}},"required":["vmid"]}`),
	}}
}

func (e *fakeExecutor) Execute(ctx context.Context, call models.ToolCall, opts ExecOptions) ExecOutcome {
	e.mu.Lock()
	e.seen = append(e.seen, call)
	e.opts = append(e.opts, opts)
	e.mu.Unlock()
	return e.outcome(call, opts)
}

// memStore is an in-memory store.Store for loop tests.
type memStore struct {
	mu       sync.Mutex
	messages []*models.Message
}

func (s *memStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memStore) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) SaveEvent(ctx context.Context, event *models.Event) error { return nil }
func (s *memStore) GetEvents(ctx context.Context, f models.EventFilter) ([]*models.Event, error) {
	return nil, nil
}
func (s *memStore) UpsertMemory(ctx context.Context, mem *models.Memory) error { return nil }
func (s *memStore) SearchMemories(ctx context.Context, q string, limit int) ([]*models.Memory, error) {
	return nil, nil
}
func (s *memStore) GetPreference(ctx context.Context, key string) (string, error) {
	return "", store.ErrNotFound
}
func (s *memStore) SetPreference(ctx context.Context, key, value string) error  { return nil }
func (s *memStore) ListPreferences(ctx context.Context) (map[string]string, error) {
	return nil, nil
}
func (s *memStore) AppendCost(ctx context.Context, entry *models.CostEntry) error { return nil }
func (s *memStore) SummarizeCost(ctx context.Context, r store.CostRange) (*models.CostSummary, error) {
	return &models.CostSummary{}, nil
}
func (s *memStore) Close() error { return nil }

func (s *memStore) roleSequence() []models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Role, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Role
	}
	return out
}

func textChunks(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

func toolCallChunks(id, name, input string) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

func drain(t *testing.T, chunks <-chan *ResponseChunk) []*ResponseChunk {
	t.Helper()
	var out []*ResponseChunk
	for c := range chunks {
		out = append(out, c)
	}
	return out
}

func TestPlainAnswerStreamsAndPersists(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, req *CompletionRequest) []*CompletionChunk {
		return textChunks("All systems nominal.")
	}}
	st := &memStore{}
	loop := NewLoop(provider, &fakeExecutor{}, st, nil, LoopConfig{}, testLogger())

	chunks, err := loop.Run(context.Background(), "s1", "how are things?", ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, chunks)

	var text string
	var done bool
	for _, c := range got {
		if c.Error != nil {
			t.Fatalf("unexpected error: %v", c.Error)
		}
		text += c.Text
		done = done || c.Done
	}
	if text != "All systems nominal." || !done {
		t.Fatalf("text = %q, done = %v", text, done)
	}

	roles := st.roleSequence()
	if len(roles) != 2 || roles[0] != models.RoleUser || roles[1] != models.RoleAssistant {
		t.Fatalf("persisted roles = %v", roles)
	}
}

func TestToolCallExecutedAndFedBack(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, req *CompletionRequest) []*CompletionChunk {
		if call == 0 {
			return toolCallChunks("tc1", "stop_vm", `{"vmid":104}`)
		}
		return textChunks("VM 104 is stopped.")
	}}
	executor := &fakeExecutor{outcome: func(call models.ToolCall, opts ExecOptions) ExecOutcome {
		return ExecOutcome{
			Disposition: DispositionExecuted,
			Result:      models.ToolResult{ToolCallID: call.ID, Content: `{"status":"stopped"}`},
		}
	}}
	st := &memStore{}
	loop := NewLoop(provider, executor, st, nil, LoopConfig{}, testLogger())

	got := drain(t, mustRun(t, loop, "s1", "stop vm 104"))

	var sawToolCall, sawToolResult, sawDone bool
	for _, c := range got {
		if c.ToolCall != nil {
			sawToolCall = true
		}
		if c.ToolResult != nil && !c.ToolResult.IsError {
			sawToolResult = true
		}
		sawDone = sawDone || c.Done
	}
	if !sawToolCall || !sawToolResult || !sawDone {
		t.Fatalf("toolCall=%v toolResult=%v done=%v", sawToolCall, sawToolResult, sawDone)
	}

	// Second provider call must carry the tool result back.
	req := provider.request(1)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "tool" || len(last.ToolResults) != 1 {
		t.Fatalf("second request last message = %+v", last)
	}
}

func TestBlockedToolContinuesLoop(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, req *CompletionRequest) []*CompletionChunk {
		if call == 0 {
			return toolCallChunks("tc1", "reboot_node", `{"node":"pve1"}`)
		}
		return textChunks("I can't do that remotely.")
	}}
	executor := &fakeExecutor{outcome: func(call models.ToolCall, opts ExecOptions) ExecOutcome {
		return ExecOutcome{Disposition: DispositionBlocked, Tier: safety.TierBlack, Reason: "physical presence required"}
	}}
	loop := NewLoop(provider, executor, &memStore{}, nil, LoopConfig{}, testLogger())

	got := drain(t, mustRun(t, loop, "s1", "reboot pve1"))

	var blockedResult *models.ToolResult
	var done bool
	for _, c := range got {
		if c.ToolResult != nil && c.ToolResult.IsError {
			blockedResult = c.ToolResult
		}
		done = done || c.Done
	}
	if blockedResult == nil || !done {
		t.Fatalf("blocked=%v done=%v", blockedResult, done)
	}
	if provider.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2 (loop must continue past a block)", provider.callCount())
	}
}

func TestConfirmationHoldsThenResumeExecutes(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, req *CompletionRequest) []*CompletionChunk {
		if call == 0 {
			return toolCallChunks("tc1", "stop_vm", `{"vmid":104}`)
		}
		return textChunks("Done, VM stopped.")
	}}
	executor := &fakeExecutor{outcome: func(call models.ToolCall, opts ExecOptions) ExecOutcome {
		if !opts.Confirmed {
			return ExecOutcome{Disposition: DispositionNeedsConfirmation, Tier: safety.TierRed, Reason: "destructive operation"}
		}
		return ExecOutcome{
			Disposition: DispositionExecuted,
			Result:      models.ToolResult{ToolCallID: call.ID, Content: `{"status":"stopped"}`},
		}
	}}
	loop := NewLoop(provider, executor, &memStore{}, nil, LoopConfig{}, testLogger())

	got := drain(t, mustRun(t, loop, "s1", "stop vm 104"))

	var pending *Confirmation
	for _, c := range got {
		if c.PendingConfirmation != nil {
			pending = c.PendingConfirmation
		}
		if c.Done {
			t.Fatal("loop completed despite pending confirmation")
		}
	}
	if pending == nil {
		t.Fatal("no pending confirmation emitted")
	}
	if pending.Tier != safety.TierRed || pending.Call.Name != "stop_vm" {
		t.Fatalf("pending = %+v", pending)
	}

	resumed, err := loop.ResumeAfterConfirmation(context.Background(), pending.ID, true, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var text string
	var done bool
	for _, c := range drain(t, resumed) {
		if c.Error != nil {
			t.Fatalf("resume error: %v", c.Error)
		}
		text += c.Text
		done = done || c.Done
	}
	if text != "Done, VM stopped." || !done {
		t.Fatalf("resume text = %q done = %v", text, done)
	}

	// The confirmation is consumed exactly once.
	if _, err := loop.ResumeAfterConfirmation(context.Background(), pending.ID, true, ExecOptions{}); err != ErrConfirmationNotFound {
		t.Fatalf("second resume err = %v", err)
	}
}

func TestDeclineFeedsDeclinedResultBack(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, req *CompletionRequest) []*CompletionChunk {
		if call == 0 {
			return toolCallChunks("tc1", "stop_vm", `{"vmid":104}`)
		}
		return textChunks("Understood, leaving it running.")
	}}
	executor := &fakeExecutor{outcome: func(call models.ToolCall, opts ExecOptions) ExecOutcome {
		return ExecOutcome{Disposition: DispositionNeedsConfirmation, Tier: safety.TierRed, Reason: "destructive operation"}
	}}
	loop := NewLoop(provider, executor, &memStore{}, nil, LoopConfig{}, testLogger())

	got := drain(t, mustRun(t, loop, "s1", "stop vm 104"))
	var pending *Confirmation
	for _, c := range got {
		if c.PendingConfirmation != nil {
			pending = c.PendingConfirmation
		}
	}
	if pending == nil {
		t.Fatal("no pending confirmation")
	}

	resumed, err := loop.ResumeAfterConfirmation(context.Background(), pending.ID, false, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var declined bool
	for _, c := range drain(t, resumed) {
		if c.ToolResult != nil && c.ToolResult.IsError && c.ToolResult.Content == "declined by user" {
			declined = true
		}
	}
	if !declined {
		t.Fatal("declined tool result not surfaced")
	}

	// Declined call never reached a confirmed execution.
	executor.mu.Lock()
	defer executor.mu.Unlock()
	for _, o := range executor.opts {
		if o.Confirmed {
			t.Fatal("executor ran with Confirmed despite decline")
		}
	}
}

func TestFinalIterationWithholdsTools(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, req *CompletionRequest) []*CompletionChunk {
		if len(req.Tools) > 0 {
			return toolCallChunks("tc", "stop_vm", `{"vmid":1}`)
		}
		return textChunks("Here is what I found.")
	}}
	executor := &fakeExecutor{outcome: func(call models.ToolCall, opts ExecOptions) ExecOutcome {
		return ExecOutcome{
			Disposition: DispositionExecuted,
			Result:      models.ToolResult{ToolCallID: call.ID, Content: "ok"},
		}
	}}
	loop := NewLoop(provider, executor, &memStore{}, nil, LoopConfig{MaxIterations: 3}, testLogger())

	got := drain(t, mustRun(t, loop, "s1", "keep going"))

	var done bool
	for _, c := range got {
		if c.Error != nil {
			t.Fatalf("unexpected error: %v", c.Error)
		}
		done = done || c.Done
	}
	if !done {
		t.Fatal("loop did not complete")
	}
	if provider.callCount() != 3 {
		t.Fatalf("provider calls = %d, want 3", provider.callCount())
	}
	if len(provider.request(2).Tools) != 0 {
		t.Fatal("final iteration still offered tools")
	}
}

func TestSummaryInjectedIntoSystemPrompt(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, req *CompletionRequest) []*CompletionChunk {
		if call == 0 {
			return toolCallChunks("tc1", "stop_vm", `{"vmid":104}`)
		}
		return textChunks("Done.")
	}}
	executor := &fakeExecutor{outcome: func(call models.ToolCall, opts ExecOptions) ExecOutcome {
		return ExecOutcome{
			Disposition: DispositionExecuted,
			Result:      models.ToolResult{ToolCallID: call.ID, Content: "ok"},
		}
	}}
	loop := NewLoop(provider, executor, &memStore{}, nil, LoopConfig{}, testLogger())
	loop.SetSystemPrompt("You are JARVIS.")
	loop.SetSummarizer(func(ctx context.Context, sessionID string) string {
		if sessionID != "s1" {
			t.Errorf("summarizer got session %q", sessionID)
		}
		return "The user manages a Proxmox cluster named homelab."
	})

	drain(t, mustRun(t, loop, "s1", "stop vm 104"))

	for i := 0; i < provider.callCount(); i++ {
		system := provider.request(i).System
		if !strings.HasPrefix(system, "You are JARVIS.") {
			t.Fatalf("request %d system = %q", i, system)
		}
		if !strings.Contains(system, "Proxmox cluster named homelab") {
			t.Fatalf("request %d system missing summary: %q", i, system)
		}
	}
}

func TestEmptySummaryLeavesSystemPromptAlone(t *testing.T) {
	provider := &scriptedProvider{script: func(call int, req *CompletionRequest) []*CompletionChunk {
		return textChunks("Hello.")
	}}
	loop := NewLoop(provider, &fakeExecutor{}, &memStore{}, nil, LoopConfig{}, testLogger())
	loop.SetSystemPrompt("You are JARVIS.")
	loop.SetSummarizer(func(ctx context.Context, sessionID string) string { return "" })

	drain(t, mustRun(t, loop, "s1", "hi"))

	if got := provider.request(0).System; got != "You are JARVIS." {
		t.Fatalf("system = %q", got)
	}
}

func mustRun(t *testing.T, loop *Loop, sessionID, text string) <-chan *ResponseChunk {
	t.Helper()
	chunks, err := loop.Run(context.Background(), sessionID, text, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return chunks
}
