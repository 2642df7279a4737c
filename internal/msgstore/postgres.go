package msgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool used by PostgresStore.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps bodies in the message_bodies table.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a PostgresStore on db.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const upsertBody = `
INSERT INTO message_bodies (record_id, body)
VALUES ($1, $2)
ON CONFLICT (record_id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`

// Put inserts or replaces the body.
func (s *PostgresStore) Put(ctx context.Context, recordID int64, body string) error {
	if _, err := s.db.Exec(ctx, upsertBody, recordID, body); err != nil {
		return fmt.Errorf("msgstore: upsert body: %w", err)
	}
	return nil
}

// Get returns ErrNotFound when no row exists.
func (s *PostgresStore) Get(ctx context.Context, recordID int64) (string, error) {
	var body string
	err := s.db.QueryRow(ctx, `SELECT body FROM message_bodies WHERE record_id = $1`, recordID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("msgstore: select body: %w", err)
	}
	return body, nil
}

// Delete is idempotent.
func (s *PostgresStore) Delete(ctx context.Context, recordID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM message_bodies WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("msgstore: delete body: %w", err)
	}
	return nil
}
