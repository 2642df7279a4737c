package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sungwon/mail-dispatch/internal/email"
	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// TemplateStore is the template store surface used by the API.
type TemplateStore interface {
	Get(ctx context.Context, accountID, id int64) (*email.Template, error)
	GetByCode(ctx context.Context, accountID int64, code string) (*email.Template, error)
	List(ctx context.Context, accountID int64, status email.TemplateStatus, search string) ([]*email.Template, error)
	Create(ctx context.Context, tpl *email.Template) error
	Save(ctx context.Context, tpl *email.Template) error
	Delete(ctx context.Context, accountID, id int64) error
}

// templateRequest is the JSON body for creating or updating a template.
// On update, absent fields are left unchanged.
type templateRequest struct {
	AccountID *int64    `json:"et_account_id"`
	Name      *string   `json:"et_template_name"`
	Code      *string   `json:"et_code"`
	Subject   *string   `json:"et_subject"`
	Body      *string   `json:"et_body"`
	Variables *[]string `json:"et_variables"`
	Status    *string   `json:"et_status"`
}

// apply copies the request onto tpl and reports validation errors.
func (req templateRequest) apply(tpl *email.Template) []string {
	if req.Name != nil {
		tpl.Name = strings.TrimSpace(*req.Name)
	}
	if req.Code != nil {
		tpl.Code = strings.TrimSpace(*req.Code)
	}
	if req.Subject != nil {
		tpl.Subject = *req.Subject
	}
	if req.Body != nil {
		tpl.Body = *req.Body
	}
	if req.Variables != nil {
		tpl.Variables = *req.Variables
	}

	var errs []string
	if req.Status != nil {
		st, err := email.ParseTemplateStatus(*req.Status)
		if err != nil {
			errs = append(errs, "et_status: "+err.Error())
		}
		tpl.Status = st
	}
	if tpl.Name == "" {
		errs = append(errs, "et_template_name: name is required")
	}
	if tpl.Code == "" {
		errs = append(errs, "et_code: code is required")
	}
	if strings.TrimSpace(tpl.Subject) == "" {
		errs = append(errs, "et_subject: subject is required")
	}
	if strings.TrimSpace(tpl.Body) == "" {
		errs = append(errs, "et_body: body is required")
	}
	return errs
}

// ListTemplatesHandler handles GET /api/email-templates.
func ListTemplatesHandler(templates TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := AccountFromContext(r.Context())

		var status email.TemplateStatus
		if v := r.URL.Query().Get("status"); v != "" {
			st, err := email.ParseTemplateStatus(v)
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			status = st
		}

		list, err := templates.List(r.Context(), caller, status, strings.TrimSpace(r.URL.Query().Get("search")))
		if err != nil {
			reqLog := logger.FromContext(r.Context())
			reqLog.Error().Err(err).Msg("failed to list templates")
			respondError(w, http.StatusInternalServerError, "failed to list templates")
			return
		}
		respondSuccess(w, http.StatusOK, "Email templates retrieved successfully", list)
	}
}

// ActiveTemplatesHandler handles GET /api/email-templates/active.
func ActiveTemplatesHandler(templates TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := AccountFromContext(r.Context())

		list, err := templates.List(r.Context(), caller, email.TemplateActive, "")
		if err != nil {
			reqLog := logger.FromContext(r.Context())
			reqLog.Error().Err(err).Msg("failed to list active templates")
			respondError(w, http.StatusInternalServerError, "failed to list templates")
			return
		}
		respondSuccess(w, http.StatusOK, "Active email templates retrieved successfully", list)
	}
}

// GetTemplateHandler handles GET /api/email-templates/{id}.
func GetTemplateHandler(templates TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpl, ok := loadTemplate(w, r, templates)
		if !ok {
			return
		}
		respondSuccess(w, http.StatusOK, "Email template retrieved successfully", tpl)
	}
}

// GetTemplateByCodeHandler handles GET /api/email-templates/code/{code}.
func GetTemplateByCodeHandler(templates TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := AccountFromContext(r.Context())

		tpl, err := templates.GetByCode(r.Context(), caller, chi.URLParam(r, "code"))
		if err != nil {
			templateLoadFailed(w, r, err)
			return
		}
		respondSuccess(w, http.StatusOK, "Email template retrieved successfully", tpl)
	}
}

// CreateTemplateHandler handles POST /api/email-templates.
func CreateTemplateHandler(templates TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := AccountFromContext(r.Context())

		var req templateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		tpl := &email.Template{
			AccountID: targetAccount(caller, req.AccountID),
			Status:    email.TemplateActive,
		}
		if errs := req.apply(tpl); len(errs) > 0 {
			respondValidationErrors(w, errs)
			return
		}

		if err := templates.Create(r.Context(), tpl); err != nil {
			templateWriteFailed(w, r, err)
			return
		}
		respondSuccess(w, http.StatusCreated, "Email template created successfully", tpl)
	}
}

// UpdateTemplateHandler handles PUT /api/email-templates/{id}.
func UpdateTemplateHandler(templates TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpl, ok := loadTemplate(w, r, templates)
		if !ok {
			return
		}
		caller, _ := AccountFromContext(r.Context())

		var req templateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if caller == storage.RootAccountID && req.AccountID != nil {
			tpl.AccountID = *req.AccountID
		}
		if errs := req.apply(tpl); len(errs) > 0 {
			respondValidationErrors(w, errs)
			return
		}

		if err := templates.Save(r.Context(), tpl); err != nil {
			templateWriteFailed(w, r, err)
			return
		}
		respondSuccess(w, http.StatusOK, "Email template updated successfully", tpl)
	}
}

// DeleteTemplateHandler handles DELETE /api/email-templates/{id}.
func DeleteTemplateHandler(templates TemplateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		caller, _ := AccountFromContext(r.Context())

		if err := templates.Delete(r.Context(), caller, id); err != nil {
			templateLoadFailed(w, r, err)
			return
		}
		respondSuccess(w, http.StatusOK, "Email template deleted successfully", nil)
	}
}

func loadTemplate(w http.ResponseWriter, r *http.Request, templates TemplateStore) (*email.Template, bool) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	caller, _ := AccountFromContext(r.Context())

	tpl, err := templates.Get(r.Context(), caller, id)
	if err != nil {
		templateLoadFailed(w, r, err)
		return nil, false
	}
	return tpl, true
}

func templateLoadFailed(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, email.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Email template not found")
		return
	}
	reqLog := logger.FromContext(r.Context())
	reqLog.Error().Err(err).Msg("template lookup failed")
	respondError(w, http.StatusInternalServerError, "failed to load template")
}

func templateWriteFailed(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrDuplicateCode) {
		respondError(w, http.StatusConflict, "Template code already exists")
		return
	}
	if errors.Is(err, email.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Email template not found")
		return
	}
	reqLog := logger.FromContext(r.Context())
	reqLog.Error().Err(err).Msg("failed to save template")
	respondError(w, http.StatusInternalServerError, "failed to save template")
}
