package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sungwon/mail-dispatch/internal/email"
)

// ErrDuplicateCode is returned when a template code is already used by the
// same account.
var ErrDuplicateCode = errors.New("storage: template code already exists")

const templateColumns = `id, account_id, template_name, code, subject, body, variables, status, created_at, updated_at`

// TemplateStore persists email templates.
type TemplateStore struct {
	db DBTX
}

// NewTemplateStore creates a TemplateStore on db.
func NewTemplateStore(db DBTX) *TemplateStore {
	return &TemplateStore{db: db}
}

// Get returns the template if accountID may see it.
func (s *TemplateStore) Get(ctx context.Context, accountID, id int64) (*email.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM email_templates WHERE id = $1`
	args := []any{id}
	if accountID != RootAccountID {
		query += ` AND account_id = $2`
		args = append(args, accountID)
	}
	tpl, err := scanTemplate(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get template %d: %w", id, err)
	}
	return tpl, nil
}

// GetByCode returns the account's template with the given code.
func (s *TemplateStore) GetByCode(ctx context.Context, accountID int64, code string) (*email.Template, error) {
	tpl, err := scanTemplate(s.db.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM email_templates WHERE account_id = $1 AND code = $2`, accountID, code))
	if err != nil {
		return nil, fmt.Errorf("get template %q: %w", code, err)
	}
	return tpl, nil
}

// List returns the templates visible to accountID, optionally restricted to
// one status and filtered by a name, code or subject search.
func (s *TemplateStore) List(ctx context.Context, accountID int64, status email.TemplateStatus, search string) ([]*email.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM email_templates WHERE true`
	var args []any
	if accountID != RootAccountID {
		args = append(args, accountID)
		query += fmt.Sprintf(` AND account_id = $%d`, len(args))
	}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if search != "" {
		args = append(args, "%"+search+"%")
		n := len(args)
		query += fmt.Sprintf(` AND (template_name ILIKE $%d OR code ILIKE $%d OR subject ILIKE $%d)`, n, n, n)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := []*email.Template{}
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// Create inserts tpl and fills in its id and timestamps.
func (s *TemplateStore) Create(ctx context.Context, tpl *email.Template) error {
	if tpl.Status == "" {
		tpl.Status = email.TemplateActive
	}
	vars, err := json.Marshal(nonNil(tpl.Variables))
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	err = s.db.QueryRow(ctx, `INSERT INTO email_templates (account_id, template_name, code, subject, body, variables, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at, updated_at`,
		tpl.AccountID, tpl.Name, tpl.Code, tpl.Subject, tpl.Body, vars, string(tpl.Status),
	).Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", uniqueViolation(err))
	}
	return nil
}

// Save writes every mutable field of tpl.
func (s *TemplateStore) Save(ctx context.Context, tpl *email.Template) error {
	vars, err := json.Marshal(nonNil(tpl.Variables))
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	err = s.db.QueryRow(ctx, `UPDATE email_templates
SET account_id = $2, template_name = $3, code = $4, subject = $5, body = $6, variables = $7, status = $8, updated_at = now()
WHERE id = $1
RETURNING updated_at`,
		tpl.ID, tpl.AccountID, tpl.Name, tpl.Code, tpl.Subject, tpl.Body, vars, string(tpl.Status),
	).Scan(&tpl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update template %d: %w", tpl.ID, email.ErrNotFound)
		}
		return fmt.Errorf("update template %d: %w", tpl.ID, uniqueViolation(err))
	}
	return nil
}

// Delete removes the template if accountID may see it.
func (s *TemplateStore) Delete(ctx context.Context, accountID, id int64) error {
	query := `DELETE FROM email_templates WHERE id = $1`
	args := []any{id}
	if accountID != RootAccountID {
		query += ` AND account_id = $2`
		args = append(args, accountID)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete template %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete template %d: %w", id, email.ErrNotFound)
	}
	return nil
}

func scanTemplate(row pgx.Row) (*email.Template, error) {
	var (
		tpl    email.Template
		vars   []byte
		status string
	)
	err := row.Scan(&tpl.ID, &tpl.AccountID, &tpl.Name, &tpl.Code, &tpl.Subject, &tpl.Body,
		&vars, &status, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, email.ErrNotFound
		}
		return nil, err
	}
	tpl.Status = email.TemplateStatus(status)
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &tpl.Variables); err != nil {
			return nil, fmt.Errorf("decode variables: %w", err)
		}
	}
	return &tpl, nil
}

// uniqueViolation maps a unique constraint error to ErrDuplicateCode.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateCode
	}
	return err
}
