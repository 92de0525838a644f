// Package usage keeps a persistent ledger of model token usage. One
// record is written per completed agent request, and the ledger is
// aggregated by time window, model or channel.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is the token usage of one agent request.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	SessionKey   string    `json:"session_key,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Iterations   int       `json:"iterations"`
	ElapsedMS    int64     `json:"elapsed_ms"`
}

// Summary holds aggregated token totals.
type Summary struct {
	Requests          int   `json:"requests"`
	TotalInputTokens  int64 `json:"input_tokens"`
	TotalOutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only SQLite ledger of usage records.
type Store struct {
	db    *sql.DB
	owned bool
}

// Open creates or opens a usage ledger at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an already-open database. The caller keeps ownership of
// db; Close on the returned store is a no-op.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
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
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		request_id    TEXT NOT NULL,
		session_key   TEXT,
		channel       TEXT,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		iterations    INTEGER NOT NULL DEFAULT 0,
		elapsed_ms    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_key);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, request_id, session_key, channel, model,
			 input_tokens, output_tokens, iterations, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.SessionKey,
		rec.Channel,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Iterations,
		rec.ElapsedMS,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.Requests, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByChannel returns per-channel totals for records within
// [start, end). Records without a channel are grouped under "".
func (s *Store) SummaryByChannel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "channel", start, end)
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, COALESCE(session_key, ''), COALESCE(channel, ''), model,
		        input_tokens, output_tokens, iterations, elapsed_ms
		 FROM usage_records
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.RequestID, &rec.SessionKey, &rec.Channel, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.Iterations, &rec.ElapsedMS); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column only ever comes from the methods above.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Requests, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
