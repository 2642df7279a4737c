package email

import (
	"fmt"
	"strings"
	"time"
)

// TemplateStatus controls whether a template may be used for new emails.
type TemplateStatus string

const (
	TemplateActive   TemplateStatus = "active"
	TemplateInactive TemplateStatus = "inactive"
	TemplateDraft    TemplateStatus = "draft"
)

// ParseTemplateStatus validates s. An empty string means active.
func ParseTemplateStatus(s string) (TemplateStatus, error) {
	switch TemplateStatus(s) {
	case "":
		return TemplateActive, nil
	case TemplateActive, TemplateInactive, TemplateDraft:
		return TemplateStatus(s), nil
	}
	return "", fmt.Errorf("unknown template status %q", s)
}

// Template is a reusable subject/body pair with {{variable}} placeholders.
type Template struct {
	ID        int64          `json:"id"`
	AccountID int64          `json:"account_id"`
	Name      string         `json:"template_name"`
	Code      string         `json:"code"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Variables []string       `json:"variables,omitempty"`
	Status    TemplateStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Render substitutes every {{key}} in the template subject and body with the
// matching payload value. Unknown placeholders are left as they are.
func (t *Template) Render(payload map[string]string) (subject, body string) {
	return ReplaceVariables(t.Subject, payload), ReplaceVariables(t.Body, payload)
}

// ReplaceVariables substitutes {{key}} placeholders in text.
func ReplaceVariables(text string, payload map[string]string) string {
	if len(payload) == 0 {
		return text
	}
	pairs := make([]string, 0, len(payload)*2)
	for k, v := range payload {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
