package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig controls the Postgres-backed checkpoint store.
type PostgresConfig struct {
	DSN      string
	JobID    string
	MaxConns int32
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore persists checkpoint state in two tables:
//
//	checkpoint_items(job_id, item_id, done_at)   -- append-only done set
//	checkpoint_cursors(job_id, page, total, exhausted, updated_at)
//
// Inserts commit before the in-memory set is updated, preserving the
// durability ordering the file backend gives via fsync.
type PostgresStore struct {
	mu     sync.Mutex
	pool   pgxPool
	jobID  string
	done   map[string]struct{}
	cursor Cursor
}

// NewPostgres connects a pool and loads the job's existing checkpoint state.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPostgresWithPool(ctx, pool, cfg.JobID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresWithPool constructs a store from an existing pool (primarily
// for testing).
func NewPostgresWithPool(ctx context.Context, pool pgxPool, jobID string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	s := &PostgresStore{
		pool:  pool,
		jobID: jobID,
		done:  make(map[string]struct{}),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) load(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT item_id FROM checkpoint_items WHERE job_id = $1`, s.jobID)
	if err != nil {
		return fmt.Errorf("load checkpoint items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan checkpoint item: %w", err)
		}
		s.done[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate checkpoint items: %w", err)
	}

	cur, err := s.pool.Query(ctx,
		`SELECT page, total, exhausted FROM checkpoint_cursors WHERE job_id = $1`, s.jobID)
	if err != nil {
		return fmt.Errorf("load checkpoint cursor: %w", err)
	}
	defer cur.Close()
	if cur.Next() {
		if err := cur.Scan(&s.cursor.Page, &s.cursor.Total, &s.cursor.Exhausted); err != nil {
			return fmt.Errorf("scan checkpoint cursor: %w", err)
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("iterate checkpoint cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsDone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

func (s *PostgresStore) MarkDone(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[id]; ok {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoint_items (job_id, item_id, done_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (job_id, item_id) DO NOTHING`, s.jobID, id); err != nil {
		return fmt.Errorf("insert checkpoint item: %w", err)
	}
	s.done[id] = struct{}{}
	return nil
}

func (s *PostgresStore) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *PostgresStore) SetCursor(ctx context.Context, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoint_cursors (job_id, page, total, exhausted, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (job_id) DO UPDATE
		 SET page = $2, total = $3, exhausted = $4, updated_at = now()`,
		s.jobID, c.Page, c.Total, c.Exhausted); err != nil {
		return fmt.Errorf("upsert checkpoint cursor: %w", err)
	}
	s.cursor = c
	return nil
}

func (s *PostgresStore) DoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
