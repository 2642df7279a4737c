package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sungwon/mail-dispatch/internal/email"
	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/metrics"
	"github.com/sungwon/mail-dispatch/internal/msgstore"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

const bodyStoreError = "Failed to store message body"

// RecordStore is the record store surface used by the API.
type RecordStore interface {
	Create(ctx context.Context, rec *email.Record) error
	Get(ctx context.Context, accountID, id int64) (*email.Record, error)
	Update(ctx context.Context, id int64, u email.Update) error
	List(ctx context.Context, q storage.QuerySpec) (storage.Page, error)
	CountByStatus(ctx context.Context, accountID int64) (map[email.Status]int, error)
}

// ActivityReader reads a record's delivery history.
type ActivityReader interface {
	ListForRecord(ctx context.Context, recordID int64) ([]email.ActivityLog, error)
}

// Dispatcher hands records to the queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, rec *email.Record) bool
	ProcessPendingEmails(ctx context.Context) (scheduler.Summary, error)
}

// QueueCounter reports the number of messages waiting in the live queue.
type QueueCounter interface {
	QueueCount(ctx context.Context) int
}

// EmailHandlers serves the /api/email-queue routes.
type EmailHandlers struct {
	Records   RecordStore
	Templates TemplateStore
	Bodies    msgstore.BodyStore
	Activity  ActivityReader
	Dispatch  Dispatcher
	Queue     QueueCounter
}

// createEmailRequest is the JSON body of POST /api/email-queue.
type createEmailRequest struct {
	AccountID   *int64            `json:"eq_account_id"`
	TemplateID  *int64            `json:"eq_template_id"`
	FromEmail   string            `json:"eq_from_email"`
	Payload     map[string]string `json:"eq_payload"`
	Body        string            `json:"eq_body"`
	To          email.Recipients  `json:"eq_recipient_to"`
	Cc          email.Recipients  `json:"eq_recipient_cc"`
	Bcc         email.Recipients  `json:"eq_recipient_bcc"`
	Subject     string            `json:"eq_subject"`
	ScheduledAt *flexTime         `json:"eq_scheduled_time"`
	Attachments []string          `json:"eq_attachments"`
	MaxRetries  int               `json:"eq_max_retries"`
}

// updateEmailRequest is the JSON body of PUT /api/email-queue/{id}. Absent
// fields are left unchanged.
type updateEmailRequest struct {
	To          *email.Recipients `json:"eq_recipient_to"`
	Cc          *email.Recipients `json:"eq_recipient_cc"`
	Bcc         *email.Recipients `json:"eq_recipient_bcc"`
	Subject     *string           `json:"eq_subject"`
	ScheduledAt *flexTime         `json:"eq_scheduled_time"`
	Attachments *[]string         `json:"eq_attachments"`
}

type statistics struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Scheduled  int `json:"scheduled"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	QueueDepth int `json:"rabbitmq_queue_count"`
}

// List handles GET /api/email-queue.
func (h *EmailHandlers) List(w http.ResponseWriter, r *http.Request) {
	caller, _ := AccountFromContext(r.Context())
	spec, err := querySpec(r, caller)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.Records.List(r.Context(), spec)
	if err != nil {
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Msg("failed to list records")
		respondError(w, http.StatusInternalServerError, "failed to list email queue")
		return
	}

	respondJSON(w, http.StatusOK, successResponse{
		Status:  "success",
		Message: "Email queue retrieved successfully",
		Data:    page.Records,
		Pagination: &pagination{
			CurrentPage: page.Page,
			PerPage:     page.PerPage,
			Total:       page.Total,
			TotalPages:  page.TotalPages,
		},
	})
}

// Statistics handles GET /api/email-queue/statistics.
func (h *EmailHandlers) Statistics(w http.ResponseWriter, r *http.Request) {
	caller, _ := AccountFromContext(r.Context())

	counts, err := h.Records.CountByStatus(r.Context(), caller)
	if err != nil {
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Msg("failed to count records")
		respondError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}

	stats := statistics{
		Pending:    counts[email.StatusPending],
		Scheduled:  counts[email.StatusScheduled],
		Queued:     counts[email.StatusQueued],
		Processing: counts[email.StatusProcessing],
		Sent:       counts[email.StatusSent],
		Failed:     counts[email.StatusFailed],
		Cancelled:  counts[email.StatusCancelled],
	}
	for st, n := range counts {
		stats.Total += n
		if caller == storage.RootAccountID {
			metrics.RecordsByStatus.WithLabelValues(string(st)).Set(float64(n))
		}
	}
	if h.Queue != nil {
		stats.QueueDepth = h.Queue.QueueCount(r.Context())
	}

	respondSuccess(w, http.StatusOK, "Queue statistics retrieved successfully", stats)
}

// Get handles GET /api/email-queue/{id}.
func (h *EmailHandlers) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	respondSuccess(w, http.StatusOK, "Email queue item retrieved successfully", rec)
}

// Logs handles GET /api/email-queue/{id}/logs.
func (h *EmailHandlers) Logs(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	entries, err := h.Activity.ListForRecord(r.Context(), rec.ID)
	if err != nil {
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Int64("record_id", rec.ID).Msg("failed to list activity")
		respondError(w, http.StatusInternalServerError, "failed to load email logs")
		return
	}
	respondSuccess(w, http.StatusOK, "Email logs retrieved successfully", entries)
}

// Create handles POST /api/email-queue.
func (h *EmailHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	caller, _ := AccountFromContext(ctx)

	var req createEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := &email.Record{
		AccountID:   targetAccount(caller, req.AccountID),
		TemplateID:  req.TemplateID,
		FromEmail:   strings.TrimSpace(req.FromEmail),
		Payload:     req.Payload,
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     req.Subject,
		Attachments: req.Attachments,
		MaxRetries:  req.MaxRetries,
		Status:      email.StatusPending,
	}
	body := req.Body

	if req.TemplateID != nil {
		tpl, err := h.Templates.Get(ctx, caller, *req.TemplateID)
		if err != nil {
			if errors.Is(err, email.ErrNotFound) {
				respondError(w, http.StatusNotFound, "Email template not found")
				return
			}
			log.Error().Err(err).Msg("failed to load template")
			respondError(w, http.StatusInternalServerError, "failed to load template")
			return
		}
		if tpl.Status != email.TemplateActive {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Email template is %s", tpl.Status))
			return
		}
		rec.Subject, body = tpl.Render(req.Payload)
	}

	if errs := validateCreate(rec, body); len(errs) > 0 {
		respondValidationErrors(w, errs)
		return
	}

	if req.ScheduledAt != nil {
		at := req.ScheduledAt.Time
		rec.ScheduledAt = &at
		rec.Status = email.StatusScheduled
	}

	if err := h.Records.Create(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to create record")
		respondError(w, http.StatusInternalServerError, "failed to queue email")
		return
	}

	if err := h.Bodies.Put(ctx, rec.ID, body); err != nil {
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("failed to store message body")
		if uerr := h.Records.Update(ctx, rec.ID, email.HandOffFailed(bodyStoreError)); uerr != nil {
			log.Error().Err(uerr).Int64("record_id", rec.ID).Msg("failed to mark record failed")
		}
		respondError(w, http.StatusInternalServerError, "failed to queue email")
		return
	}

	if rec.ScheduledAt == nil {
		h.Dispatch.Enqueue(ctx, rec)
	}

	respondSuccess(w, http.StatusCreated, "Email queued successfully", h.reload(ctx, caller, rec))
}

// Update handles PUT /api/email-queue/{id}.
func (h *EmailHandlers) Update(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	caller, _ := AccountFromContext(ctx)

	if !rec.Status.Editable() {
		respondError(w, http.StatusBadRequest, "Cannot update email in current status")
		return
	}

	var req updateEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var errs []string
	u := email.Update{
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     req.Subject,
		Attachments: req.Attachments,
	}
	if req.To != nil {
		if len(*req.To) == 0 {
			errs = append(errs, "eq_recipient_to: at least one recipient is required")
		}
		errs = append(errs, validateRecipients("eq_recipient_to", *req.To)...)
	}
	if req.Cc != nil {
		errs = append(errs, validateRecipients("eq_recipient_cc", *req.Cc)...)
	}
	if req.Bcc != nil {
		errs = append(errs, validateRecipients("eq_recipient_bcc", *req.Bcc)...)
	}
	if len(errs) > 0 {
		respondValidationErrors(w, errs)
		return
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.Time
		st := email.StatusScheduled
		u.ScheduledAt = &at
		u.Status = &st
	}

	if err := h.Records.Update(ctx, rec.ID, u.When(email.StatusPending, email.StatusScheduled, email.StatusFailed)); err != nil {
		if errors.Is(err, email.ErrStatusConflict) {
			respondError(w, http.StatusBadRequest, "Cannot update email in current status")
			return
		}
		reqLog := logger.FromContext(ctx)
		reqLog.Error().Err(err).Int64("record_id", rec.ID).Msg("failed to update record")
		respondError(w, http.StatusInternalServerError, "failed to update email")
		return
	}

	respondSuccess(w, http.StatusOK, "Email queue updated successfully", h.reload(ctx, caller, rec))
}

// Cancel handles DELETE /api/email-queue/{id}. Records are never deleted;
// they move to cancelled.
func (h *EmailHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	if !rec.Status.Cancellable() {
		respondError(w, http.StatusBadRequest, "Cannot cancel email in current status: "+string(rec.Status))
		return
	}

	// The record may have been picked up since it was loaded.
	if err := h.Records.Update(r.Context(), rec.ID, email.SetStatus(email.StatusCancelled).Guarded()); err != nil {
		if errors.Is(err, email.ErrStatusConflict) {
			respondError(w, http.StatusBadRequest, "Cannot cancel email in current status")
			return
		}
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Int64("record_id", rec.ID).Msg("failed to cancel record")
		respondError(w, http.StatusInternalServerError, "failed to cancel email")
		return
	}
	respondSuccess(w, http.StatusOK, "Email cancelled successfully", nil)
}

// Retry handles POST /api/email-queue/{id}/retry. The retry budget starts
// over and the record is queued right away.
func (h *EmailHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	caller, _ := AccountFromContext(ctx)

	if rec.Status != email.StatusFailed {
		respondError(w, http.StatusBadRequest, "Only failed emails can be retried")
		return
	}

	st := email.StatusPending
	zero := 0
	u := email.Update{Status: &st, RetryCount: &zero, ClearLastError: true}
	if err := h.Records.Update(ctx, rec.ID, u.When(email.StatusFailed)); err != nil {
		if errors.Is(err, email.ErrStatusConflict) {
			respondError(w, http.StatusBadRequest, "Only failed emails can be retried")
			return
		}
		reqLog := logger.FromContext(ctx)
		reqLog.Error().Err(err).Int64("record_id", rec.ID).Msg("failed to reset record")
		respondError(w, http.StatusInternalServerError, "failed to retry email")
		return
	}
	u.Apply(rec)

	h.Dispatch.Enqueue(ctx, rec)
	respondSuccess(w, http.StatusOK, "Email retry initiated successfully", h.reload(ctx, caller, rec))
}

// RunScheduler handles POST /api/email-queue/run_scheduler.
func (h *EmailHandlers) RunScheduler(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Dispatch.ProcessPendingEmails(r.Context())
	if err != nil {
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Msg("scheduler run failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondSuccess(w, http.StatusOK, "Scheduler run completed", sum)
}

// load fetches the {id} record visible to the caller, writing the error
// response itself when it cannot.
func (h *EmailHandlers) load(w http.ResponseWriter, r *http.Request) (*email.Record, bool) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	caller, _ := AccountFromContext(r.Context())

	rec, err := h.Records.Get(r.Context(), caller, id)
	if err != nil {
		if errors.Is(err, email.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Email queue item not found")
			return nil, false
		}
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Int64("record_id", id).Msg("failed to load record")
		respondError(w, http.StatusInternalServerError, "failed to load email")
		return nil, false
	}
	return rec, true
}

// reload re-reads rec after a write; on failure the in-memory copy is
// returned.
func (h *EmailHandlers) reload(ctx context.Context, caller int64, rec *email.Record) *email.Record {
	fresh, err := h.Records.Get(ctx, caller, rec.ID)
	if err != nil {
		reqLog := logger.FromContext(ctx)
		reqLog.Warn().Err(err).Int64("record_id", rec.ID).Msg("failed to reload record")
		return rec
	}
	return fresh
}

func validateCreate(rec *email.Record, body string) []string {
	var errs []string
	if len(rec.To) == 0 {
		errs = append(errs, "eq_recipient_to: at least one recipient is required")
	}
	errs = append(errs, validateRecipients("eq_recipient_to", rec.To)...)
	errs = append(errs, validateRecipients("eq_recipient_cc", rec.Cc)...)
	errs = append(errs, validateRecipients("eq_recipient_bcc", rec.Bcc)...)
	if strings.TrimSpace(rec.Subject) == "" {
		errs = append(errs, "eq_subject: subject is required")
	}
	if strings.TrimSpace(body) == "" {
		errs = append(errs, "eq_body: body is required")
	}
	if rec.FromEmail != "" {
		errs = append(errs, validateRecipients("eq_from_email", email.Recipients{rec.FromEmail})...)
	}
	if rec.MaxRetries < 0 {
		errs = append(errs, "eq_max_retries: must not be negative")
	}
	return errs
}
