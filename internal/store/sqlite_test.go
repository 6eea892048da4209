package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarvishq/jarvis/pkg/models"
)

func testStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path, DefaultRetention(), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMessageRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		msg := &models.Message{
			SessionID: "sess-1",
			Role:      models.RoleUser,
			Content:   "message",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetSessionMessages(ctx, "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatal("messages out of timestamp order")
		}
	}
}

func TestMessageAppendsAtTail(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := &models.Message{SessionID: "s", Role: models.RoleUser, Content: "first", CreatedAt: time.Now().Add(-time.Minute)}
	if err := s.SaveMessage(ctx, first); err != nil {
		t.Fatal(err)
	}
	last := &models.Message{
		SessionID: "s",
		Role:      models.RoleAssistant,
		Content:   "last",
		ToolCalls: []models.ToolCall{{ID: "tc1", Name: "get_cluster_status", Input: []byte(`{}`)}},
		CreatedAt: time.Now(),
	}
	if err := s.SaveMessage(ctx, last); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetSessionMessages(ctx, "s", 10)
	if err != nil {
		t.Fatal(err)
	}
	tail := msgs[len(msgs)-1]
	if tail.Content != "last" {
		t.Fatalf("tail = %q, want %q", tail.Content, "last")
	}
	if len(tail.ToolCalls) != 1 || tail.ToolCalls[0].Name != "get_cluster_status" {
		t.Fatalf("tool calls not preserved: %+v", tail.ToolCalls)
	}
}

func TestEventsFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	events := []*models.Event{
		{Type: "safety_denied", Node: "pve", OccurredAt: time.Now().Add(-time.Hour)},
		{Type: "action_executed", Node: "home", OccurredAt: time.Now()},
		{Type: "safety_denied", Node: "home", OccurredAt: time.Now()},
	}
	for _, e := range events {
		if err := s.SaveEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetEvents(ctx, models.EventFilter{Type: "safety_denied"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}

	got, err = s.GetEvents(ctx, models.EventFilter{Node: "home", Since: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
}

func TestMemoryUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mem := &models.Memory{Tier: models.MemorySemantic, Category: "homelab", Key: "nas_vm", Content: "VM 103 is the NAS"}
	if err := s.UpsertMemory(ctx, mem); err != nil {
		t.Fatal(err)
	}
	mem2 := &models.Memory{Tier: models.MemorySemantic, Category: "homelab", Key: "nas_vm", Content: "VM 103 is the TrueNAS VM"}
	if err := s.UpsertMemory(ctx, mem2); err != nil {
		t.Fatal(err)
	}

	found, err := s.SearchMemories(ctx, "TrueNAS", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("got %d memories, want 1", len(found))
	}
	if found[0].Content != "VM 103 is the TrueNAS VM" {
		t.Fatalf("content = %q", found[0].Content)
	}
}

func TestPreferences(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetPreference(ctx, "voice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetPreference(ctx, "voice", "en_GB-alan"); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetPreference(ctx, "voice")
	if err != nil {
		t.Fatal(err)
	}
	if v != "en_GB-alan" {
		t.Fatalf("got %q", v)
	}
}

func TestCostSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []*models.CostEntry{
		{Provider: "anthropic", TokensIn: 100, TokensOut: 50, USD: 0.01, CreatedAt: time.Now()},
		{Provider: "anthropic", TokensIn: 200, TokensOut: 80, USD: 0.02, CreatedAt: time.Now()},
		{Provider: "anthropic", TokensIn: 999, TokensOut: 999, USD: 9.99, CreatedAt: time.Now().AddDate(0, -2, 0)},
	}
	for _, e := range entries {
		if err := s.AppendCost(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := s.SummarizeCost(ctx, CostDay)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TokensIn != 300 || sum.TokensOut != 130 {
		t.Fatalf("day summary = %+v", sum)
	}
	if sum.USD < 0.029 || sum.USD > 0.031 {
		t.Fatalf("usd = %v", sum.USD)
	}
}

func TestRetentionSweep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := &models.Memory{Tier: models.MemoryEpisodic, Category: "obs", Key: "old", Content: "stale", CreatedAt: time.Now().AddDate(0, 0, -60)}
	fresh := &models.Memory{Tier: models.MemoryEpisodic, Category: "obs", Key: "fresh", Content: "recent"}
	keep := &models.Memory{Tier: models.MemorySemantic, Category: "facts", Key: "keep", Content: "semantic never expires", CreatedAt: time.Now().AddDate(0, 0, -60)}
	for _, m := range []*models.Memory{old, fresh, keep} {
		if err := s.UpsertMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.sweep(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.SearchMemories(ctx, "stale", 10); len(got) != 0 {
		t.Fatal("episodic memory past retention survived the sweep")
	}
	if got, _ := s.SearchMemories(ctx, "recent", 10); len(got) != 1 {
		t.Fatal("fresh episodic memory was swept")
	}
	if got, _ := s.SearchMemories(ctx, "semantic", 10); len(got) != 1 {
		t.Fatal("semantic memory was swept")
	}
}
