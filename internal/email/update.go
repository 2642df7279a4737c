package email

import (
	"slices"
	"time"
)

// Update is a set of field assignments applied to a single record. Nil fields
// are left untouched. Stores translate it into one UPDATE statement, so an
// Update never carries state between calls.
//
// Expect guards the statement: when set, the update only applies while the
// record is in one of the listed statuses, and stores report
// ErrStatusConflict otherwise.
type Update struct {
	Expect []Status

	Status            *Status
	RetryCount        *int
	LastError         *string
	ClearLastError    bool
	SentAt            *time.Time
	FailedAt          *time.Time
	ProviderMessageID *string
	To                *Recipients
	Cc                *Recipients
	Bcc               *Recipients
	Subject           *string
	ScheduledAt       *time.Time
	Attachments       *[]string
}

// Empty reports whether the update assigns nothing.
func (u Update) Empty() bool {
	return u.Status == nil && u.RetryCount == nil && u.LastError == nil && !u.ClearLastError &&
		u.SentAt == nil && u.FailedAt == nil && u.ProviderMessageID == nil &&
		u.To == nil && u.Cc == nil && u.Bcc == nil && u.Subject == nil &&
		u.ScheduledAt == nil && u.Attachments == nil
}

// When returns a copy of u guarded on the record being in one of from.
func (u Update) When(from ...Status) Update {
	u.Expect = slices.Clone(from)
	return u
}

// Guarded returns a copy of u that only applies from a status allowed to
// move to the status u assigns. It is a no-op for updates that leave the
// status alone.
func (u Update) Guarded() Update {
	if u.Status == nil {
		return u
	}
	return u.When(Sources(*u.Status)...)
}

// Allows reports whether u may be applied to a record currently in from.
func (u Update) Allows(from Status) bool {
	return len(u.Expect) == 0 || slices.Contains(u.Expect, from)
}

// Apply copies the assignments onto r. In-memory stores and tests use it to
// mirror what the SQL store does.
func (u Update) Apply(r *Record) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.RetryCount != nil {
		r.RetryCount = *u.RetryCount
	}
	if u.ClearLastError {
		r.LastError = nil
	}
	if u.LastError != nil {
		s := *u.LastError
		r.LastError = &s
	}
	if u.SentAt != nil {
		t := *u.SentAt
		r.SentAt = &t
	}
	if u.FailedAt != nil {
		t := *u.FailedAt
		r.FailedAt = &t
	}
	if u.ProviderMessageID != nil {
		s := *u.ProviderMessageID
		r.ProviderMessageID = &s
	}
	if u.To != nil {
		r.To = *u.To
	}
	if u.Cc != nil {
		r.Cc = *u.Cc
	}
	if u.Bcc != nil {
		r.Bcc = *u.Bcc
	}
	if u.Subject != nil {
		r.Subject = *u.Subject
	}
	if u.ScheduledAt != nil {
		t := *u.ScheduledAt
		r.ScheduledAt = &t
	}
	if u.Attachments != nil {
		r.Attachments = *u.Attachments
	}
}

// SetStatus returns an Update that only changes the status.
func SetStatus(s Status) Update {
	return Update{Status: &s}
}

// Sent records a successful delivery.
func Sent(at time.Time, providerMessageID string) Update {
	st := StatusSent
	u := Update{Status: &st, SentAt: &at}
	if providerMessageID != "" {
		u.ProviderMessageID = &providerMessageID
	}
	return u
}

// Failed records a terminal failure after the retry budget ran out.
func Failed(at time.Time, retryCount int, lastError string) Update {
	st := StatusFailed
	return Update{Status: &st, RetryCount: &retryCount, LastError: &lastError, FailedAt: &at}
}

// Requeued records a failed attempt that will be retried.
func Requeued(retryCount int, lastError string) Update {
	st := StatusQueued
	return Update{Status: &st, RetryCount: &retryCount, LastError: &lastError}
}

// HandOffFailed records a record that never reached the queue. The retry
// budget is left alone because no consumer saw it.
func HandOffFailed(lastError string) Update {
	st := StatusFailed
	return Update{Status: &st, LastError: &lastError}
}
