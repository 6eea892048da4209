// Package store is the persistence port: conversations, events, memories,
// preferences, and the cost ledger. The SQLite implementation batches writes
// where convenient; callers must not rely on synchronous durability.
package store

import (
	"context"
	"time"

	"github.com/jarvishq/jarvis/pkg/models"
)

// Store is the persistence interface consumed by the rest of the backend.
type Store interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	SaveEvent(ctx context.Context, event *models.Event) error
	GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error)

	UpsertMemory(ctx context.Context, mem *models.Memory) error
	SearchMemories(ctx context.Context, query string, limit int) ([]*models.Memory, error)

	GetPreference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error
	ListPreferences(ctx context.Context) (map[string]string, error)

	AppendCost(ctx context.Context, entry *models.CostEntry) error
	SummarizeCost(ctx context.Context, rng CostRange) (*models.CostSummary, error)

	Close() error
}

// CostRange selects the rollup window for SummarizeCost.
type CostRange string

const (
	CostDay   CostRange = "day"
	CostWeek  CostRange = "week"
	CostMonth CostRange = "month"
)

// RetentionConfig controls the background expiry sweep.
type RetentionConfig struct {
	// EpisodicDays is the retention window for episodic memories.
	EpisodicDays int
	// ConversationDays is the retention window for session messages.
	ConversationDays int
}

// DefaultRetention keeps episodic memories for 30 days and conversations for 90.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{EpisodicDays: 30, ConversationDays: 90}
}

func (r RetentionConfig) episodicCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -r.EpisodicDays)
}

func (r RetentionConfig) conversationCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -r.ConversationDays)
}
