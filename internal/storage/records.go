package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/sungwon/mail-dispatch/internal/email"
)

const recordColumns = `id, account_id, template_id, from_email, payload, recipient_to, recipient_cc,
recipient_bcc, subject, attachments, scheduled_time, status, retry_count, max_retries,
last_error, sent_at, failed_at, message_id, created_at, updated_at`

// RecordStore persists email records in the email_queue table.
type RecordStore struct {
	db DBTX
}

// NewRecordStore creates a RecordStore on db.
func NewRecordStore(db DBTX) *RecordStore {
	return &RecordStore{db: db}
}

// Find returns the record regardless of account, or email.ErrNotFound.
func (s *RecordStore) Find(ctx context.Context, id int64) (*email.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM email_queue WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("find record %d: %w", id, err)
	}
	return rec, nil
}

// Get returns the record if accountID may see it. The root account sees all.
func (s *RecordStore) Get(ctx context.Context, accountID, id int64) (*email.Record, error) {
	rec, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if accountID != RootAccountID && rec.AccountID != accountID {
		return nil, fmt.Errorf("find record %d: %w", id, email.ErrNotFound)
	}
	return rec, nil
}

// Update applies u to the record in a single statement. It returns
// email.ErrNotFound when the record does not exist and
// email.ErrStatusConflict when u is guarded and the record is in another
// status.
func (s *RecordStore) Update(ctx context.Context, id int64, u email.Update) error {
	if u.Empty() {
		return nil
	}

	query, args, err := buildUpdate(id, u)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if len(u.Expect) == 0 {
		return fmt.Errorf("update record %d: %w", id, email.ErrNotFound)
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM email_queue WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update record %d: %w", id, email.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update record %d: %w", id, err)
	}
	return fmt.Errorf("update record %d: status is %s: %w", id, current, email.ErrStatusConflict)
}

// FindDue returns up to limit pending or scheduled records whose scheduled
// time is unset or has passed, oldest first.
func (s *RecordStore) FindDue(ctx context.Context, limit int) ([]*email.Record, error) {
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM email_queue
WHERE status IN ('pending', 'scheduled')
  AND (scheduled_time IS NULL OR scheduled_time <= now())
ORDER BY id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("find due records: %w", err)
	}
	return collectRecords(rows)
}

// Create inserts rec and fills in its id and timestamps.
func (s *RecordStore) Create(ctx context.Context, rec *email.Record) error {
	if rec.MaxRetries == 0 {
		rec.MaxRetries = email.DefaultMaxRetries
	}

	attachments, err := json.Marshal(nonNil(rec.Attachments))
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	err = s.db.QueryRow(ctx, `INSERT INTO email_queue (
    account_id, template_id, from_email, payload, recipient_to, recipient_cc, recipient_bcc,
    subject, attachments, scheduled_time, status, retry_count, max_retries
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id, created_at, updated_at`,
		rec.AccountID,
		rec.TemplateID,
		rec.FromEmail,
		rec.PayloadJSON(),
		recipientsJSON(rec.To),
		recipientsJSON(rec.Cc),
		recipientsJSON(rec.Bcc),
		rec.Subject,
		attachments,
		rec.ScheduledAt,
		string(rec.Status),
		rec.RetryCount,
		rec.MaxRetries,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// List returns one page of records matching q.
func (s *RecordStore) List(ctx context.Context, q QuerySpec) (Page, error) {
	q = q.normalized()
	where, args := q.where()

	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM email_queue`+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count records: %w", err)
	}

	args = append(args, q.PerPage, q.Offset())
	query := fmt.Sprintf(`SELECT %s FROM email_queue%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return Page{}, err
	}
	return newPage(records, total, q), nil
}

// CountByStatus returns the number of records per status visible to
// accountID. Every status is present in the result.
func (s *RecordStore) CountByStatus(ctx context.Context, accountID int64) (map[email.Status]int, error) {
	where, args := QuerySpec{AccountID: accountID}.where()
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM email_queue`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[email.Status]int, len(email.AllStatuses))
	for _, st := range email.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[email.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count records by status: %w", err)
	}
	return counts, nil
}

// buildUpdate renders u as an UPDATE statement for one record.
func buildUpdate(id int64, u email.Update) (string, []any, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, arg any) {
		args = append(args, arg)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.RetryCount != nil {
		set("retry_count", *u.RetryCount)
	}
	if u.LastError != nil {
		set("last_error", *u.LastError)
	} else if u.ClearLastError {
		sets = append(sets, "last_error = NULL")
	}
	if u.SentAt != nil {
		set("sent_at", *u.SentAt)
	}
	if u.FailedAt != nil {
		set("failed_at", *u.FailedAt)
	}
	if u.ProviderMessageID != nil {
		set("message_id", *u.ProviderMessageID)
	}
	if u.To != nil {
		set("recipient_to", recipientsJSON(*u.To))
	}
	if u.Cc != nil {
		set("recipient_cc", recipientsJSON(*u.Cc))
	}
	if u.Bcc != nil {
		set("recipient_bcc", recipientsJSON(*u.Bcc))
	}
	if u.Subject != nil {
		set("subject", *u.Subject)
	}
	if u.ScheduledAt != nil {
		set("scheduled_time", *u.ScheduledAt)
	}
	if u.Attachments != nil {
		data, err := json.Marshal(nonNil(*u.Attachments))
		if err != nil {
			return "", nil, fmt.Errorf("marshal attachments: %w", err)
		}
		set("attachments", data)
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if len(u.Expect) > 0 {
		expect := make([]string, len(u.Expect))
		for i, st := range u.Expect {
			expect[i] = string(st)
		}
		args = append(args, expect)
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := fmt.Sprintf("UPDATE email_queue SET %s WHERE %s", strings.Join(sets, ", "), where)
	return query, args, nil
}

func scanRecord(row pgx.Row) (*email.Record, error) {
	var (
		rec                      email.Record
		status                   string
		payload, to, cc, bcc, at []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.AccountID,
		&rec.TemplateID,
		&rec.FromEmail,
		&payload,
		&to,
		&cc,
		&bcc,
		&rec.Subject,
		&at,
		&rec.ScheduledAt,
		&status,
		&rec.RetryCount,
		&rec.MaxRetries,
		&rec.LastError,
		&rec.SentAt,
		&rec.FailedAt,
		&rec.ProviderMessageID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, email.ErrNotFound
		}
		return nil, err
	}
	rec.Status = email.Status(status)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	for _, f := range []struct {
		raw  []byte
		dest *email.Recipients
	}{{to, &rec.To}, {cc, &rec.Cc}, {bcc, &rec.Bcc}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
	}
	if len(at) > 0 {
		if err := json.Unmarshal(at, &rec.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*email.Record, error) {
	defer rows.Close()

	var records []*email.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func recipientsJSON(r email.Recipients) []byte {
	data, _ := json.Marshal(nonNil([]string(r)))
	return data
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
