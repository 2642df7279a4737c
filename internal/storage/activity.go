package storage

import (
	"context"
	"fmt"

	"github.com/sungwon/mail-dispatch/internal/email"
)

// ActivityStore appends and reads the per-record delivery history.
type ActivityStore struct {
	db DBTX
}

// NewActivityStore creates an ActivityStore on db.
func NewActivityStore(db DBTX) *ActivityStore {
	return &ActivityStore{db: db}
}

// Append adds one history entry. details may be empty.
func (s *ActivityStore) Append(ctx context.Context, recordID int64, status, message, details string) error {
	var detailsArg *string
	if details != "" {
		detailsArg = &details
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO email_queue_logs (record_id, status, message, error_details) VALUES ($1, $2, $3, $4)`,
		recordID, status, message, detailsArg)
	if err != nil {
		return fmt.Errorf("append activity for record %d: %w", recordID, err)
	}
	return nil
}

// ListForRecord returns the record's history, newest first.
func (s *ActivityStore) ListForRecord(ctx context.Context, recordID int64) ([]email.ActivityLog, error) {
	rows, err := s.db.Query(ctx, `SELECT id, record_id, status, message, error_details, created_at
FROM email_queue_logs WHERE record_id = $1 ORDER BY created_at DESC, id DESC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list activity for record %d: %w", recordID, err)
	}
	defer rows.Close()

	logs := []email.ActivityLog{}
	for rows.Next() {
		var l email.ActivityLog
		if err := rows.Scan(&l.ID, &l.RecordID, &l.Status, &l.Message, &l.ErrorDetails, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activity for record %d: %w", recordID, err)
	}
	return logs, nil
}
