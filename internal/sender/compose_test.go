package sender

import (
	"errors"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCompose(t *testing.T) {
	dir := t.TempDir()
	attachment := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(attachment, []byte("quarterly numbers"), 0o600); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.pdf")

	msg := &Message{
		From:        "noreply@example.com",
		FromName:    "Example",
		To:          []string{"a@example.org"},
		Cc:          []string{"c@example.org"},
		Bcc:         []string{"hidden@example.org"},
		Subject:     "Report",
		Body:        "<p>See attached</p>",
		Attachments: []string{attachment, missing, "  "},
	}

	c, err := compose(msg, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), zerolog.Nop())
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if !strings.HasSuffix(c.messageID, "@example.com") {
		t.Errorf("expected message id on sender domain, got %q", c.messageID)
	}
	if len(c.skipped) != 1 || c.skipped[0] != missing {
		t.Errorf("expected missing attachment skipped, got %v", c.skipped)
	}

	parsed, err := mail.ReadMessage(strings.NewReader(string(c.raw)))
	if err != nil {
		t.Fatalf("composed message does not parse: %v", err)
	}
	if got := parsed.Header.Get("Subject"); got != "Report" {
		t.Errorf("Subject = %q", got)
	}
	if got := parsed.Header.Get("Cc"); got != "c@example.org" {
		t.Errorf("Cc = %q", got)
	}
	if parsed.Header.Get("Bcc") != "" {
		t.Error("Bcc must not appear in headers")
	}
	if got := parsed.Header.Get("Message-Id"); got != "<"+c.messageID+">" {
		t.Errorf("Message-ID = %q", got)
	}
	from, err := parsed.Header.AddressList("From")
	if err != nil || len(from) != 1 || from[0].Name != "Example" || from[0].Address != "noreply@example.com" {
		t.Errorf("From = %v, %v", from, err)
	}

	raw := string(c.raw)
	if !strings.Contains(raw, "multipart/mixed") {
		t.Error("expected multipart message with attachment")
	}
	if !strings.Contains(raw, `filename="report.txt"`) {
		t.Error("expected attachment part")
	}
	if strings.Contains(raw, "missing.pdf") {
		t.Error("missing attachment must not be referenced")
	}
}

func TestCompose_Validation(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want error
	}{
		{"no sender", &Message{To: []string{"a@example.org"}}, errNoSender},
		{"blank sender", &Message{From: "  ", To: []string{"a@example.org"}}, errNoSender},
		{"no recipients", &Message{From: "x@example.com"}, errNoRecipients},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compose(tt.msg, time.Now(), zerolog.Nop())
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCompose_BccOnly(t *testing.T) {
	msg := &Message{From: "x@example.com", Bcc: []string{"b@example.org"}, Subject: "s", Body: "b"}
	if _, err := compose(msg, time.Now(), zerolog.Nop()); err != nil {
		t.Fatalf("expected Bcc-only message to compose, got %v", err)
	}
}

func TestNewMessageID(t *testing.T) {
	if got := newMessageID("User <a@Example.COM>"); !strings.HasSuffix(got, "@example.com") {
		t.Errorf("unexpected id %q", got)
	}
	if got := newMessageID("nodomain"); !strings.HasSuffix(got, "@localhost") {
		t.Errorf("expected localhost fallback, got %q", got)
	}
	if newMessageID("a@example.com") == newMessageID("a@example.com") {
		t.Error("expected unique ids")
	}
}

func TestMessage_Recipients(t *testing.T) {
	m := &Message{To: []string{"a"}, Cc: []string{"b"}, Bcc: []string{"c"}}
	got := m.Recipients()
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("Recipients = %v", got)
	}
}
