package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sungwon/mail-dispatch/internal/email"
	"github.com/sungwon/mail-dispatch/internal/smtp"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// timeLayouts are accepted for scheduled times and date filters.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// flexTime decodes a JSON string in any of timeLayouts. Times without a
// zone are read as UTC.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time must be a string: %w", err)
	}
	parsed, err := parseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathID parses the {id} URL parameter.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// targetAccount picks the account a new resource belongs to. Only the root
// account may act on behalf of another account.
func targetAccount(caller int64, requested *int64) int64 {
	if caller == storage.RootAccountID && requested != nil {
		return *requested
	}
	return caller
}

// querySpec builds a listing filter from URL query parameters.
func querySpec(r *http.Request, caller int64) (storage.QuerySpec, error) {
	q := r.URL.Query()
	spec := storage.QuerySpec{AccountID: caller}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return spec, fmt.Errorf("invalid page %q", v)
		}
		spec.Page = n
	}
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return spec, fmt.Errorf("invalid per_page %q", v)
		}
		spec.PerPage = n
	}
	if v := q.Get("status"); v != "" {
		st, err := email.ParseStatus(v)
		if err != nil {
			return spec, err
		}
		spec.Status = st
	}
	if v := q.Get("template_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return spec, fmt.Errorf("invalid template_id %q", v)
		}
		spec.TemplateID = n
	}
	if v := q.Get("account_id"); v != "" && caller == storage.RootAccountID {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return spec, fmt.Errorf("invalid account_id %q", v)
		}
		spec.AccountID = n
	}
	spec.Search = strings.TrimSpace(q.Get("search"))

	if v := q.Get("from_date"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return spec, err
		}
		spec.From = &t
	}
	if v := q.Get("to_date"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return spec, err
		}
		spec.To = &t
	}
	return spec, nil
}

// validateRecipients checks every address of a recipient list.
func validateRecipients(field string, list email.Recipients) []string {
	var errs []string
	for _, addr := range list {
		if err := smtp.ValidateEmailAddress(addr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field, err))
		}
	}
	return errs
}
