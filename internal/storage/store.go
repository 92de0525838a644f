// Package storage keeps generated media on disk with a SQLite metadata
// row per asset.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no asset has the requested id.
var ErrNotFound = errors.New("asset not found")

// Asset is one stored file and its generation metadata.
type Asset struct {
	ID        string         `json:"asset_id"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	AssetType string         `json:"asset_type"`
	Prompt    string         `json:"prompt"`
	Model     string         `json:"model"`
	Params    map[string]any `json:"params"`
	FilePath  string         `json:"file_path"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StoreRequest describes a payload to persist.
type StoreRequest struct {
	UserID    string
	SessionID string
	AssetType string // image, video, file
	Ext       string
	Data      []byte
	Prompt    string
	Model     string
	Params    map[string]any
}

// Filter narrows queries to one user and, optionally, one session.
// Empty fields match everything.
type Filter struct {
	UserID    string
	SessionID string
}

// Store is the asset repository. Safe for concurrent use; asset ids
// are random, so concurrent writers never collide.
type Store struct {
	db      *sql.DB
	baseDir string
	owned   bool
	now     func() time.Time
}

// Open creates a store whose metadata lives in dbPath and whose files
// live under baseDir.
func Open(dbPath, baseDir string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db, baseDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *sql.DB, baseDir string) (*Store, error) {
	s := &Store{db: db, baseDir: baseDir, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// BaseDir returns the root directory for asset files.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS assets (
		asset_id   TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		asset_type TEXT NOT NULL,
		prompt     TEXT NOT NULL DEFAULT '',
		model      TEXT NOT NULL DEFAULT '',
		params     TEXT NOT NULL DEFAULT '{}',
		file_path  TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assets_user_created ON assets(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_assets_session ON assets(session_id);
	`)
	return err
}

// SafeSegment makes an identifier usable as a single path component.
func SafeSegment(s string) string {
	s = strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Store writes req.Data to
// <base>/<user>/<session>/<asset_type>/<timestamp>_<id8>.<ext> and
// records its metadata.
func (s *Store) Store(ctx context.Context, req StoreRequest) (*Asset, error) {
	if req.AssetType == "" {
		return nil, fmt.Errorf("asset type is required")
	}
	if req.UserID == "" {
		req.UserID = "default"
	}
	ext := strings.TrimPrefix(req.Ext, ".")
	if ext == "" {
		ext = "bin"
	}

	id := uuid.NewString()
	now := s.now().UTC().Truncate(time.Microsecond)
	dir := filepath.Join(s.baseDir, SafeSegment(req.UserID), SafeSegment(req.SessionID), SafeSegment(req.AssetType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create asset directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", now.Format("20060102T150405Z"), id[:8], ext))
	if err := os.WriteFile(path, req.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write asset: %w", err)
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("encode params: %w", err)
	}

	ts := now.Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assets (asset_id, user_id, session_id, asset_type, prompt, model, params, file_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.UserID, req.SessionID, req.AssetType, req.Prompt, req.Model, string(paramsJSON), path, ts, ts,
	)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("insert asset: %w", err)
	}

	return &Asset{
		ID:        id,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		AssetType: req.AssetType,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Params:    params,
		FilePath:  path,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const assetColumns = `asset_id, user_id, session_id, asset_type, prompt, model, params, file_path, created_at, updated_at`

// Get returns the asset with id, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, id string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE asset_id = ?`, id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", id, err)
	}
	return a, nil
}

// ListRecent returns up to limit assets, newest first.
func (s *Store) ListRecent(ctx context.Context, f Filter, limit int) ([]*Asset, error) {
	where, args := f.clause()
	args = append(args, clampLimit(limit))
	return s.query(ctx, `SELECT `+assetColumns+` FROM assets`+where+` ORDER BY created_at DESC LIMIT ?`, args...)
}

// SearchPrompt returns up to limit assets whose prompt contains query
// (case-insensitive), newest first.
func (s *Store) SearchPrompt(ctx context.Context, query string, f Filter, limit int) ([]*Asset, error) {
	where, args := f.clause()
	if where == "" {
		where = " WHERE "
	} else {
		where += " AND "
	}
	where += `LOWER(prompt) LIKE ? ESCAPE '\'`
	args = append(args, "%"+escapeLike(strings.ToLower(query))+"%", clampLimit(limit))
	return s.query(ctx, `SELECT `+assetColumns+` FROM assets`+where+` ORDER BY created_at DESC LIMIT ?`, args...)
}

// All returns every asset, oldest first, up to limit (0 means no
// limit).
func (s *Store) All(ctx context.Context, limit int) ([]*Asset, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at ASC LIMIT ?`, limit)
}

// Delete removes the metadata row and, when removeFile is set, the
// file on disk.
func (s *Store) Delete(ctx context.Context, id string, removeFile bool) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE asset_id = ?`, id); err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	if removeFile {
		if err := os.Remove(a.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove asset file: %w", err)
		}
	}
	return nil
}

func (f Filter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Matches reports whether a satisfies f.
func (f Filter) Matches(a *Asset) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && a.SessionID != f.SessionID {
		return false
	}
	return true
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 10
	case n > 200:
		return 200
	}
	return n
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(row scanner) (*Asset, error) {
	var (
		a                Asset
		params           string
		created, updated string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.SessionID, &a.AssetType, &a.Prompt, &a.Model, &params, &a.FilePath, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &a.Params); err != nil || a.Params == nil {
		a.Params = map[string]any{}
	}
	a.CreatedAt, _ = time.Parse(timeLayout, created)
	a.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &a, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
