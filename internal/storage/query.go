package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/sungwon/mail-dispatch/internal/email"
)

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

// RootAccountID sees the records of every account.
const RootAccountID int64 = 0

// QuerySpec filters and paginates a record listing. It is a plain value; the
// store derives a fresh statement from it on every call.
type QuerySpec struct {
	AccountID  int64
	Status     email.Status
	TemplateID int64
	Search     string
	From       *time.Time
	To         *time.Time
	Page       int
	PerPage    int
}

// normalized returns the spec with paging clamped to valid values.
func (q QuerySpec) normalized() QuerySpec {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = defaultPerPage
	}
	if q.PerPage > maxPerPage {
		q.PerPage = maxPerPage
	}
	return q
}

// Offset is the number of rows skipped before the requested page.
func (q QuerySpec) Offset() int {
	n := q.normalized()
	return (n.Page - 1) * n.PerPage
}

// where renders the filter as a WHERE clause (possibly empty) plus its
// positional arguments.
func (q QuerySpec) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.AccountID != RootAccountID {
		add("account_id = $%d", q.AccountID)
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.TemplateID != 0 {
		add("template_id = $%d", q.TemplateID)
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(recipient_to::text ILIKE $%d OR subject ILIKE $%d)", n, n))
	}
	if q.From != nil {
		add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("created_at <= $%d", *q.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Page is one page of a record listing.
type Page struct {
	Records    []*email.Record `json:"data"`
	Total      int             `json:"total"`
	Page       int             `json:"current_page"`
	PerPage    int             `json:"per_page"`
	TotalPages int             `json:"total_pages"`
}

func newPage(records []*email.Record, total int, q QuerySpec) Page {
	q = q.normalized()
	pages := (total + q.PerPage - 1) / q.PerPage
	if records == nil {
		records = []*email.Record{}
	}
	return Page{Records: records, Total: total, Page: q.Page, PerPage: q.PerPage, TotalPages: pages}
}
