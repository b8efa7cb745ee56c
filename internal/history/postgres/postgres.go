package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/anji4cp/streamnexus/internal/history"
)

// Sink appends lifecycle events to a stream_history table in PostgreSQL.
type Sink struct {
	db *sql.DB
}

// New connects through the pgx stdlib driver and creates the table when missing.
func New(dsn string) (*Sink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("history postgres: empty dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s := &Sink{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history postgres: %w", err)
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_history(
			id UUID PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			event TEXT NOT NULL,
			key TEXT NOT NULL,
			stream_id TEXT NOT NULL DEFAULT '',
			rotation_id TEXT NOT NULL DEFAULT '',
			generation BIGINT NOT NULL DEFAULT 0,
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
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.Key, e.StreamID, e.RotationID,
		int64(e.Generation), e.PID, e.ExitCode, e.Signal, e.Detail)
	return err
}

// Count returns the number of stored events for key.
func (s *Sink) Count(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_history WHERE key=$1;`, key).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.db.Close() }
