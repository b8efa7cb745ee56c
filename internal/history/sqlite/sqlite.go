package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/anji4cp/streamnexus/internal/history"
)

const scheme = "sqlite://"

// Sink appends lifecycle events to a stream_history table in SQLite.
type Sink struct {
	db *sql.DB
}

// New opens dsn ("sqlite://<path>", a bare path, or ":memory:") and creates the
// table when missing.
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len(scheme) && strings.EqualFold(path[:len(scheme)], scheme) {
		path = path[len(scheme):]
	}
	if path == "" {
		return nil, errors.New("history sqlite: empty dsn")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; a shared in-memory database also needs the single connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_history(
			id TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			key TEXT NOT NULL,
			stream_id TEXT NOT NULL DEFAULT '',
			rotation_id TEXT NOT NULL DEFAULT '',
			generation INTEGER NOT NULL DEFAULT 0,
			pid INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER NOT NULL DEFAULT 0,
			signal TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_history_key ON stream_history(key, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_history(id, occurred_at, event, key, stream_id, rotation_id, generation, pid, exit_code, signal, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.Key, e.StreamID, e.RotationID,
		int64(e.Generation), e.PID, e.ExitCode, e.Signal, e.Detail)
	return err
}

// Count returns the number of stored events for key.
func (s *Sink) Count(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_history WHERE key=?;`, key).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.db.Close() }
