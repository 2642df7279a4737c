package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrAccountNotFound is returned when no account matches an API key.
var ErrAccountNotFound = errors.New("storage: account not found")

// Account is an API client allowed to submit emails.
type Account struct {
	ID         int64
	AccountID  int64
	Email      string
	APIKey     string
	APISecret  string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// AccountStore reads and maintains API accounts.
type AccountStore struct {
	db DBTX
}

// NewAccountStore creates an AccountStore on db.
func NewAccountStore(db DBTX) *AccountStore {
	return &AccountStore{db: db}
}

// FindByAPIKey returns the account owning key.
func (s *AccountStore) FindByAPIKey(ctx context.Context, key string) (*Account, error) {
	var (
		a      Account
		status string
	)
	err := s.db.QueryRow(ctx, `SELECT id, account_id, email, api_key, api_secret, status, created_at, last_used_at
FROM app_accounts WHERE api_key = $1`, key).Scan(
		&a.ID, &a.AccountID, &a.Email, &a.APIKey, &a.APISecret, &status, &a.CreatedAt, &a.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	a.Active = status == "active"
	return &a, nil
}

// TouchLastUsed records that the account just authenticated.
func (s *AccountStore) TouchLastUsed(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `UPDATE app_accounts SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch account %d: %w", id, err)
	}
	return nil
}

// Create inserts a new account.
func (s *AccountStore) Create(ctx context.Context, a *Account) error {
	status := "inactive"
	if a.Active {
		status = "active"
	}
	err := s.db.QueryRow(ctx, `INSERT INTO app_accounts (account_id, email, api_key, api_secret, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at`,
		a.AccountID, a.Email, a.APIKey, a.APISecret, status,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}
