// Package memory persists conversation sessions: for each session key,
// the ordered user/assistant history replayed into later turns, plus a
// log of the tool calls made along the way.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/yak/internal/llm"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Session summarizes one stored conversation.
type Session struct {
	Key       string    `json:"key"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolCall is one recorded tool invocation.
type ToolCall struct {
	ID         string         `json:"id"`
	SessionKey string         `json:"session_key"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Result     string         `json:"result"`
	Failed     bool           `json:"failed"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}

// Store is a SQLite-backed session store. Writers to the same session
// are serialized by the orchestrator; the store itself only relies on
// SQLite for consistency.
type Store struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// Open creates a store at dbPath using the cgo SQLite driver in WAL
// mode.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an already-open database. The caller keeps ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		key        TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		timestamp   TEXT NOT NULL,
		token_count INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		arguments   TEXT NOT NULL,
		result      TEXT,
		failed      INTEGER NOT NULL DEFAULT 0,
		started_at  TEXT NOT NULL,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_key, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`)
	return err
}

// Append adds messages to the end of a session's history, creating the
// session on first use. All messages are written in one transaction.
func (s *Store) Append(ctx context.Context, key string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := s.now().UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (key, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET updated_at = excluded.updated_at
	`, key, now, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_key, role, content, timestamp, token_count)
			VALUES (?, ?, ?, ?, ?)
		`, key, m.Role, m.Content, now, estimateTokens(m.Content)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// History returns the last limit messages of a session, oldest first.
// A limit of zero or less returns everything. An unknown key yields an
// empty history.
func (s *Store) History(ctx context.Context, key string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM (
			SELECT seq, role, content FROM messages
			WHERE session_key = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Clear removes a session with its messages and tool calls.
func (s *Store) Clear(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE session_key = ?`,
		`DELETE FROM tool_calls WHERE session_key = ?`,
		`DELETE FROM sessions WHERE key = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
	}
	return tx.Commit()
}

// Sessions lists stored sessions, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.key, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_key = s.key)
		FROM sessions s
		ORDER BY s.updated_at DESC, s.key
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var created, updated string
		if err := rows.Scan(&sess.Key, &created, &updated, &sess.Messages); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt, _ = time.Parse(timeLayout, created)
		sess.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordToolCall logs one tool invocation. The ID is assigned when
// empty.
func (s *Store) RecordToolCall(ctx context.Context, tc ToolCall) error {
	if tc.ID == "" {
		id, _ := uuid.NewV7()
		tc.ID = id.String()
	}
	if tc.StartedAt.IsZero() {
		tc.StartedAt = s.now()
	}
	args, err := json.Marshal(tc.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, session_key, tool_name, arguments, result, failed, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tc.ID, tc.SessionKey, tc.ToolName, string(args), tc.Result, tc.Failed,
		tc.StartedAt.UTC().Format(timeLayout), tc.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// ToolCalls returns a session's most recent tool calls, newest first.
func (s *Store) ToolCalls(ctx context.Context, key string, limit int) ([]ToolCall, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, tool_name, arguments, COALESCE(result, ''), failed, started_at, COALESCE(duration_ms, 0)
		FROM tool_calls
		WHERE session_key = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var tc ToolCall
		var args, started string
		var ms int64
		if err := rows.Scan(&tc.ID, &tc.SessionKey, &tc.ToolName, &args, &tc.Result, &tc.Failed, &started, &ms); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		_ = json.Unmarshal([]byte(args), &tc.Arguments)
		tc.StartedAt, _ = time.Parse(timeLayout, started)
		tc.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, tc)
	}
	return out, rows.Err()
}

// Stats returns counts for the health endpoint.
func (s *Store) Stats(ctx context.Context) map[string]any {
	var sessions, messages, tokens, calls int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&sessions)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM messages`).Scan(&messages, &tokens)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_calls`).Scan(&calls)
	return map[string]any{
		"sessions":     sessions,
		"messages":     messages,
		"total_tokens": tokens,
		"tool_calls":   calls,
		"storage":      "sqlite",
	}
}

// estimateTokens is a rough count: four characters per token.
func estimateTokens(text string) int {
	return len(text) / 4
}
