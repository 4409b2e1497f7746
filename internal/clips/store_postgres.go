package clips

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps clip metadata durable across service restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clips (
			filename TEXT NOT NULL,
			session_id TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			file_size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, filename)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_clips_session_created ON clips (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, meta Meta) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO clips (filename, session_id, trigger_reason, duration_seconds, file_size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, filename) DO UPDATE
		 SET trigger_reason = EXCLUDED.trigger_reason,
		     duration_seconds = EXCLUDED.duration_seconds,
		     file_size_bytes = EXCLUDED.file_size_bytes`,
		meta.Filename,
		meta.SessionID,
		meta.TriggerReason,
		meta.DurationSeconds,
		meta.FileSizeBytes,
		meta.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save clip: %w", err)
	}
	return nil
}

func (s *PostgresStore) BySession(ctx context.Context, sessionID string) ([]Meta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT filename, session_id, trigger_reason, duration_seconds, file_size_bytes, created_at
		 FROM clips WHERE session_id=$1 ORDER BY created_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session clips: %w", err)
	}
	defer rows.Close()

	var items []Meta
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.Filename, &m.SessionID, &m.TriggerReason, &m.DurationSeconds, &m.FileSizeBytes, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan clip row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clip rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM clips WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete session clips: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
