package models

import "time"

// MemoryTier classifies how long a memory is retained.
type MemoryTier string

const (
	// MemorySemantic holds durable facts and never expires.
	MemorySemantic MemoryTier = "semantic"
	// MemoryEpisodic holds time-bound observations and expires after the
	// configured retention window.
	MemoryEpisodic MemoryTier = "episodic"
	// MemoryWorking holds scratch state for the current session.
	MemoryWorking MemoryTier = "working"
)

// Memory is a keyed memory entry surfaced to the LLM context builder.
type Memory struct {
	ID             string     `json:"id"`
	Tier           MemoryTier `json:"tier"`
	Category       string     `json:"category"`
	Key            string     `json:"key"`
	Content        string     `json:"content"`
	Source         string     `json:"source"`
	SessionID      string     `json:"session_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
}

// Event is a persisted infrastructure or safety event.
type Event struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	Node       string         `json:"node,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Resolved   bool           `json:"resolved"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventFilter narrows event queries.
type EventFilter struct {
	Type       string
	Node       string
	Since      time.Time
	Limit      int
	Unresolved bool
}

// CostEntry records per-invocation LLM spend.
type CostEntry struct {
	Provider  string    `json:"provider"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	USD       float64   `json:"usd"`
	CreatedAt time.Time `json:"created_at"`
}

// CostSummary is a rolled-up spend figure for a time range.
type CostSummary struct {
	Range     string  `json:"range"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	USD       float64 `json:"usd"`
}
