package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jarvishq/jarvis/pkg/models"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("store: not found")

// SQLite implements Store on an embedded SQLite database with WAL journaling.
type SQLite struct {
	db        *sql.DB
	logger    *slog.Logger
	retention RetentionConfig
	sweeper   *cron.Cron
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, retention RetentionConfig, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn under WAL.
	db.SetMaxOpenConns(1)

	s := &SQLite{
		db:        db,
		logger:    logger.With("component", "store"),
		retention: retention,
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	s.startSweeper()
	return s, nil
}

func (s *SQLite) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-65536", // 64 MiB
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			model TEXT,
			tool_calls TEXT,
			tool_results TEXT,
			tokens_in INTEGER DEFAULT 0,
			tokens_out INTEGER DEFAULT 0,
			cost_usd REAL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			node TEXT,
			severity TEXT,
			detail TEXT,
			resolved INTEGER NOT NULL DEFAULT 0,
			occurred_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, occurred_at)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT,
			session_id TEXT,
			created_at DATETIME NOT NULL,
			last_accessed_at DATETIME NOT NULL,
			UNIQUE(tier, category, key)
		)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS costs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			tokens_in INTEGER NOT NULL,
			tokens_out INTEGER NOT NULL,
			usd REAL NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_costs_created ON costs(created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// startSweeper schedules the nightly retention sweep.
func (s *SQLite) startSweeper() {
	s.sweeper = cron.New()
	_, err := s.sweeper.AddFunc("17 3 * * *", func() {
		if err := s.sweep(context.Background(), time.Now()); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		s.logger.Error("schedule retention sweep", "error", err)
		return
	}
	s.sweeper.Start()
}

func (s *SQLite) sweep(ctx context.Context, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE tier = ? AND created_at < ?`,
		string(models.MemoryEpisodic), s.retention.episodicCutoff(now))
	if err != nil {
		return fmt.Errorf("expire episodic memories: %w", err)
	}
	expired, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < ?`, s.retention.conversationCutoff(now))
	if err != nil {
		return fmt.Errorf("expire conversations: %w", err)
	}
	pruned, _ := res.RowsAffected()

	s.logger.Info("retention sweep", "memories_expired", expired, "messages_pruned", pruned)
	return nil
}

func (s *SQLite) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	toolCalls, err := marshalOrNil(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := marshalOrNil(msg.ToolResults)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, model, tool_calls, tool_results, tokens_in, tokens_out, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.Model,
		toolCalls, toolResults, msg.TokensIn, msg.TokensOut, msg.CostUSD, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *SQLite) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, COALESCE(model, ''), tool_calls, tool_results, tokens_in, tokens_out, cost_usd, created_at
		 FROM (
			SELECT * FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var toolCalls, toolResults sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Model,
			&toolCalls, &toolResults, &m.TokensIn, &m.TokensOut, &m.CostUSD, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for %s: %w", m.ID, err)
			}
		}
		if toolResults.Valid && toolResults.String != "" {
			if err := json.Unmarshal([]byte(toolResults.String), &m.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool results for %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *SQLite) SaveEvent(ctx context.Context, event *models.Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	detail, err := marshalOrNil(event.Detail)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, node, severity, detail, resolved, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.Type, event.Node, event.Severity, detail, event.Resolved, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *SQLite) GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	query := `SELECT id, type, COALESCE(node, ''), COALESCE(severity, ''), detail, resolved, occurred_at FROM events WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Node != "" {
		query += ` AND node = ?`
		args = append(args, filter.Node)
	}
	if !filter.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.Since)
	}
	if filter.Unresolved {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY occurred_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Node, &e.Severity, &detail, &e.Resolved, &e.OccurredAt); err != nil {
			return nil, err
		}
		if detail.Valid && detail.String != "" {
			_ = json.Unmarshal([]byte(detail.String), &e.Detail)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *SQLite) UpsertMemory(ctx context.Context, mem *models.Memory) error {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	now := time.Now()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	if mem.LastAccessedAt.IsZero() {
		mem.LastAccessedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, tier, category, key, content, source, session_id, created_at, last_accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tier, category, key) DO UPDATE SET
			content = excluded.content,
			source = excluded.source,
			session_id = excluded.session_id,
			last_accessed_at = excluded.last_accessed_at`,
		mem.ID, string(mem.Tier), mem.Category, mem.Key, mem.Content,
		mem.Source, mem.SessionID, mem.CreatedAt, mem.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

func (s *SQLite) SearchMemories(ctx context.Context, query string, limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tier, category, key, content, COALESCE(source, ''), COALESCE(session_id, ''), created_at, last_accessed_at
		 FROM memories WHERE content LIKE ? OR key LIKE ? OR category LIKE ?
		 ORDER BY last_accessed_at DESC LIMIT ?`,
		pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var mems []*models.Memory
	var ids []string
	for rows.Next() {
		var m models.Memory
		var tier string
		if err := rows.Scan(&m.ID, &tier, &m.Category, &m.Key, &m.Content,
			&m.Source, &m.SessionID, &m.CreatedAt, &m.LastAccessedAt); err != nil {
			return nil, err
		}
		m.Tier = models.MemoryTier(tier)
		mems = append(mems, &m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	for _, id := range ids {
		_, _ = s.db.ExecContext(ctx, `UPDATE memories SET last_accessed_at = ? WHERE id = ?`, now, id)
	}
	return mems, nil
}

func (s *SQLite) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get preference %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// ListPreferences returns all stored preferences.
func (s *SQLite) ListPreferences(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()
	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		prefs[k] = v
	}
	return prefs, rows.Err()
}

func (s *SQLite) AppendCost(ctx context.Context, entry *models.CostEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO costs (provider, tokens_in, tokens_out, usd, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.Provider, entry.TokensIn, entry.TokensOut, entry.USD, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append cost: %w", err)
	}
	return nil
}

func (s *SQLite) SummarizeCost(ctx context.Context, rng CostRange) (*models.CostSummary, error) {
	var since time.Time
	now := time.Now()
	switch rng {
	case CostDay:
		since = now.AddDate(0, 0, -1)
	case CostWeek:
		since = now.AddDate(0, 0, -7)
	case CostMonth:
		since = now.AddDate(0, -1, 0)
	default:
		return nil, fmt.Errorf("unknown cost range %q", rng)
	}

	var sum models.CostSummary
	sum.Range = string(rng)
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(usd), 0)
		 FROM costs WHERE created_at >= ?`, since).
		Scan(&sum.TokensIn, &sum.TokensOut, &sum.USD)
	if err != nil {
		return nil, fmt.Errorf("summarize cost: %w", err)
	}
	return &sum, nil
}

func (s *SQLite) Close() error {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	return s.db.Close()
}

func marshalOrNil(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []models.ToolCall:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.ToolResult:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}
