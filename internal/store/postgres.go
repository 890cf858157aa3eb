package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/channelops/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS action_entries (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	action_type TEXT        NOT NULL,
	units       BIGINT      NOT NULL CHECK (units >= 0),
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS action_entries_session_idx ON action_entries (session_id, id);
`

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Store persists an audit mirror of every session's action ledger.
type Store struct {
	db    DB
	close func()
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool, close: pool.Close}, nil
}

// NewWithDB wraps an existing connection, e.g. a single pgx.Conn in tools.
func NewWithDB(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

func (s *Store) Close() {
	s.close()
}

// Migrate creates the audit schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// RecordAction appends one charge to the audit table.
func (s *Store) RecordAction(ctx context.Context, sessionID string, entry domain.ActionEntry) error {
	if entry.Units > domain.MaxUnits {
		return fmt.Errorf("record action: %w: %d units exceeds column range", domain.ErrInvalidAmount, uint64(entry.Units))
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO action_entries (session_id, action_type, units, created_at) VALUES ($1, $2, $3, $4)",
		sessionID, entry.Type, int64(entry.Units), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// CopyActions bulk-loads entries for a session.
func (s *Store) CopyActions(ctx context.Context, sessionID string, entries []domain.ActionEntry) (int64, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		if e.Units > domain.MaxUnits {
			return 0, fmt.Errorf("copy actions: %w: %d units exceeds column range", domain.ErrInvalidAmount, uint64(e.Units))
		}
		rows = append(rows, []any{sessionID, e.Type, int64(e.Units), e.Timestamp})
	}

	n, err := s.db.CopyFrom(ctx,
		pgx.Identifier{"action_entries"},
		[]string{"session_id", "action_type", "units", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy actions: %w", err)
	}
	return n, nil
}

// GetActions returns a session's persisted entries in append order.
func (s *Store) GetActions(ctx context.Context, sessionID string) ([]domain.ActionEntry, error) {
	rows, err := s.db.Query(ctx,
		"SELECT action_type, units, created_at FROM action_entries WHERE session_id = $1 ORDER BY id ASC",
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ActionEntry
	for rows.Next() {
		var (
			typ   string
			units int64
			at    time.Time
		)
		if err := rows.Scan(&typ, &units, &at); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		u := domain.Units(units)
		entries = append(entries, domain.ActionEntry{Type: typ, Amount: u.String(), Units: u, Timestamp: at})
	}
	return entries, rows.Err()
}
