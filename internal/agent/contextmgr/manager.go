// Package contextmgr keeps long sessions inside the model context window by
// summarizing overflow history into working memory.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/store"
	"github.com/jarvishq/jarvis/pkg/models"
)

const (
	// defaultThreshold is the message count past which summarization kicks
	// in. Roughly 20 user/assistant turns.
	defaultThreshold = 40

	// keepRecent is how many trailing messages stay verbatim in the window.
	keepRecent = 20

	summaryCategory = "conversation_summary"
)

// Manager watches session length and folds older turns into a stored summary.
// The summary lands in working memory, so the system prompt can carry it into
// later requests.
type Manager struct {
	store      store.Store
	summarizer agent.LLMProvider
	threshold  int
	logger     *slog.Logger

	mu         sync.Mutex
	summarized map[string]int // session → message count at last summarization
}

// New creates a Manager. summarizer should be the cheap local provider.
func New(st store.Store, summarizer agent.LLMProvider, logger *slog.Logger) *Manager {
	return &Manager{
		store:      st,
		summarizer: summarizer,
		threshold:  defaultThreshold,
		logger:     logger.With("component", "contextmgr"),
		summarized: make(map[string]int),
	}
}

// Summary returns the stored summary for a session, or "" when none exists.
func (m *Manager) Summary(ctx context.Context, sessionID string) string {
	memories, err := m.store.SearchMemories(ctx, sessionID, 5)
	if err != nil {
		return ""
	}
	for _, mem := range memories {
		if mem.Category == summaryCategory && mem.Key == sessionID {
			return mem.Content
		}
	}
	return ""
}

// MaybeSummarize summarizes the session's older history when it has grown
// past the threshold since the last pass. Intended to run in its own
// goroutine after a response completes; failures only log.
func (m *Manager) MaybeSummarize(ctx context.Context, sessionID string) {
	if m.summarizer == nil {
		return
	}

	messages, err := m.store.GetSessionMessages(ctx, sessionID, m.threshold*4)
	if err != nil {
		m.logger.Warn("summarization skipped", "session_id", sessionID, "error", err)
		return
	}
	if len(messages) < m.threshold {
		return
	}

	m.mu.Lock()
	last := m.summarized[sessionID]
	if len(messages)-last < m.threshold/2 {
		m.mu.Unlock()
		return
	}
	m.summarized[sessionID] = len(messages)
	m.mu.Unlock()

	overflow := messages
	if len(messages) > keepRecent {
		overflow = messages[:len(messages)-keepRecent]
	}

	summary, err := m.summarize(ctx, overflow)
	if err != nil {
		m.logger.Warn("summarization failed", "session_id", sessionID, "error", err)
		return
	}
	if summary == "" {
		return
	}

	mem := &models.Memory{
		Tier:      models.MemoryWorking,
		Category:  summaryCategory,
		Key:       sessionID,
		Content:   summary,
		Source:    "summarizer",
		SessionID: sessionID,
	}
	if err := m.store.UpsertMemory(ctx, mem); err != nil {
		m.logger.Warn("failed to store summary", "session_id", sessionID, "error", err)
		return
	}
	m.logger.Debug("session summarized", "session_id", sessionID, "messages", len(overflow))
}

func (m *Manager) summarize(ctx context.Context, messages []*models.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}
	if transcript.Len() == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	chunks, err := m.summarizer.Complete(ctx, &agent.CompletionRequest{
		System: "Summarize this conversation in a few sentences. Keep names, numbers, and decisions. Output only the summary.",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out.WriteString(chunk.Text)
	}
	return strings.TrimSpace(out.String()), nil
}
