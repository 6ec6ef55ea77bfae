package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS sessions (
	origin TEXT PRIMARY KEY,
	record TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps sessions in a SQLite table keyed by origin.
type SQLiteStore struct {
	sqlDB  *sql.DB
	origin string
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path, origin string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, origin: origin, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*Session, error) {
	var record string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT record FROM sessions WHERE origin = ?`, s.origin,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return decode([]byte(record))
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	b, err := encode(sess)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (origin, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(origin) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		s.origin, string(b), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE origin = ?`, s.origin); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
