// Package email holds the domain model of the dispatch pipeline: email
// records, their delivery status machine and the value objects used to
// change them.
package email

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record or template does not exist.
var ErrNotFound = errors.New("email: not found")

// ErrStatusConflict is returned by stores when a guarded update found the
// record in a status it may not move from.
var ErrStatusConflict = errors.New("email: status changed concurrently")

// DefaultMaxRetries is applied when a create request does not set a budget.
const DefaultMaxRetries = 3

// Record is a persisted email send request together with its delivery state.
type Record struct {
	ID                int64             `json:"id"`
	AccountID         int64             `json:"account_id"`
	TemplateID        *int64            `json:"template_id,omitempty"`
	FromEmail         string            `json:"from_email,omitempty"`
	Payload           map[string]string `json:"payload,omitempty"`
	To                Recipients        `json:"recipient_to"`
	Cc                Recipients        `json:"recipient_cc,omitempty"`
	Bcc               Recipients        `json:"recipient_bcc,omitempty"`
	Subject           string            `json:"subject"`
	Attachments       []string          `json:"attachments,omitempty"`
	ScheduledAt       *time.Time        `json:"scheduled_time,omitempty"`
	Status            Status            `json:"status"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
	LastError         *string           `json:"last_error,omitempty"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	ProviderMessageID *string           `json:"message_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Due reports whether the record is ready to be handed to the queue at now.
func (r *Record) Due(now time.Time) bool {
	if r.Status != StatusPending && r.Status != StatusScheduled {
		return false
	}
	return r.ScheduledAt == nil || !r.ScheduledAt.After(now)
}

// PayloadJSON encodes the template variables for storage.
func (r *Record) PayloadJSON() []byte {
	if len(r.Payload) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ActivityLog is one entry of a record's delivery history.
type ActivityLog struct {
	ID           int64     `json:"id"`
	RecordID     int64     `json:"record_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	ErrorDetails *string   `json:"error_details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Activity statuses that are not record statuses.
const (
	ActivityRetry    = "retry"
	ActivityDeferred = "deferred"
)
