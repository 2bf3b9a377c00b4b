// Package binding persists which AstrTown player a chat session speaks for.
package binding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("binding: not found")
	ErrEmptyKey = errors.New("binding: empty session key")
)

type Record struct {
	SessionKey string    `json:"sessionKey"`
	PlatformID string    `json:"platformId"`
	PlayerID   string    `json:"playerId"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; bindings change rarely.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("binding pragmas: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bindings (
		session_key TEXT PRIMARY KEY,
		platform_id TEXT NOT NULL,
		player_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("binding schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func initPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Set binds sessionKey to playerID, replacing any earlier binding.
func (s *Store) Set(ctx context.Context, sessionKey, platformID, playerID string) (Record, error) {
	rec := Record{
		SessionKey: strings.TrimSpace(sessionKey),
		PlatformID: strings.TrimSpace(platformID),
		PlayerID:   strings.TrimSpace(playerID),
		UpdatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	if rec.SessionKey == "" {
		return Record{}, ErrEmptyKey
	}
	if rec.PlayerID == "" {
		return Record{}, fmt.Errorf("binding: empty player id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO bindings(session_key, platform_id, player_id, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			platform_id=excluded.platform_id,
			player_id=excluded.player_id,
			updated_at=excluded.updated_at`,
		rec.SessionKey, rec.PlatformID, rec.PlayerID, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return Record{}, fmt.Errorf("set binding %s: %w", rec.SessionKey, err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, sessionKey string) (Record, error) {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return Record{}, ErrEmptyKey
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_key, platform_id, player_id, updated_at FROM bindings WHERE session_key=?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Delete reports whether a binding existed.
func (s *Store) Delete(ctx context.Context, sessionKey string) (bool, error) {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return false, ErrEmptyKey
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE session_key=?`, key)
	if err != nil {
		return false, fmt.Errorf("delete binding %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all bindings ordered by session key.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, platform_id, player_id, updated_at FROM bindings ORDER BY session_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec Record
		ms  int64
	)
	if err := sc.Scan(&rec.SessionKey, &rec.PlatformID, &rec.PlayerID, &ms); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = time.UnixMilli(ms).UTC()
	return rec, nil
}
