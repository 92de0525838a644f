// Package opstate provides a namespaced key-value store for persistent
// operational state: the email poller's UID high-water mark, the
// retrieval index, instance identifiers. Structured domain data
// (sessions, assets) gets its own schema elsewhere.
package opstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Namespaces used across Yak.
const (
	NamespaceEmail     = "email_poll"
	NamespaceRetrieval = "retrieval_index"
	NamespaceInstance  = "instance"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db    *sql.DB
	owned bool
}

// Open creates a store at dbPath using the cgo SQLite driver in WAL
// mode. The schema is created automatically.
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

// New wraps an already-open database. The caller keeps ownership of
// db; Close on the returned store is a no-op.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
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
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// Get returns the stored value for a namespace/key pair, or "" when
// the key does not exist.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetUint returns a stored unsigned integer, or 0 when missing.
func (s *Store) GetUint(ctx context.Context, namespace, key string) (uint64, error) {
	v, err := s.Get(ctx, namespace, key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s/%s: %w", namespace, key, err)
	}
	return n, nil
}

// SetUint stores an unsigned integer.
func (s *Store) SetUint(ctx context.Context, namespace, key string, n uint64) error {
	return s.Set(ctx, namespace, key, strconv.FormatUint(n, 10))
}

// GetJSON decodes a stored JSON value into v. It reports false when
// the key does not exist.
func (s *Store) GetJSON(ctx context.Context, namespace, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, namespace, key)
	if err != nil || raw == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// SetJSON stores v encoded as JSON.
func (s *Store) SetJSON(ctx context.Context, namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}
	return s.Set(ctx, namespace, key, string(data))
}

// Delete removes a namespace/key entry. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes all entries for a namespace.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state WHERE namespace = ?`,
		namespace,
	)
	if err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns all key/value pairs for a namespace. The map is never
// nil.
func (s *Store) List(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM operational_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}
