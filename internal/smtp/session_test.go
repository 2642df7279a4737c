package smtp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

const rawMessage = "From: sender@example.com\r\n" +
	"To: rcpt@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <abc-123@example.com>\r\n" +
	"\r\n" +
	"<p>Hi</p>\r\n"

func newTestSession(t *testing.T, mailbox *Mailbox, user, pass string) *Session {
	t.Helper()
	b := NewBackend(mailbox, zerolog.Nop(), 0, user, pass)
	b.active.Add(1)
	return b.newSession(zerolog.Nop())
}

func authenticate(t *testing.T, s *Session, username, password string) error {
	t.Helper()
	server, err := s.Auth(sasl.Plain)
	if err != nil {
		t.Fatalf("Auth(PLAIN) returned error: %v", err)
	}
	_, done, err := server.Next([]byte("\x00" + username + "\x00" + password))
	if err != nil {
		return err
	}
	if !done {
		t.Fatal("expected SASL exchange to be done after one step")
	}
	return nil
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	smtpErr, ok := err.(*gosmtp.SMTPError)
	if !ok {
		t.Fatalf("expected *SMTPError, got %T (%v)", err, err)
	}
	return smtpErr.Code
}

func TestSession_Auth(t *testing.T) {
	s := newTestSession(t, NewMailbox(0, "", nil, nil), "user", "secret")

	if err := s.Mail("sender@example.com", nil); smtpCode(t, err) != 530 {
		t.Errorf("expected 530 before auth")
	}
	if err := authenticate(t, s, "user", "wrong"); smtpCode(t, err) != 535 {
		t.Errorf("expected 535 for wrong password")
	}
	if s.authenticated {
		t.Error("expected session to stay unauthenticated")
	}
	if err := authenticate(t, s, "user", "secret"); err != nil {
		t.Fatalf("expected auth to succeed, got %v", err)
	}
	if !s.authenticated {
		t.Error("expected session to be authenticated")
	}
}

func TestSession_Auth_UnsupportedMechanism(t *testing.T) {
	s := newTestSession(t, NewMailbox(0, "", nil, nil), "user", "secret")
	if _, err := s.Auth("LOGIN"); smtpCode(t, err) != 504 {
		t.Errorf("expected 504 for LOGIN")
	}
}

func TestSession_Mail_InvalidAddress(t *testing.T) {
	s := newTestSession(t, NewMailbox(0, "", nil, nil), "", "")
	if err := s.Mail("not-an-address", nil); smtpCode(t, err) != 550 {
		t.Errorf("expected 550")
	}
}

func TestSession_Rcpt(t *testing.T) {
	mailbox := NewMailbox(0, "", []string{"bounce.test"}, []string{"later.test"})

	tests := []struct {
		name string
		to   string
		code int
	}{
		{"accepted", "rcpt@example.com", 0},
		{"invalid format", "nope", 550},
		{"rejected domain", "user@bounce.test", 550},
		{"rejected domain case-insensitive", "user@BOUNCE.test", 550},
		{"deferred domain", "user@later.test", 451},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, mailbox, "", "")
			err := s.Rcpt(tt.to, nil)
			if tt.code == 0 {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if len(s.recipients) != 1 {
					t.Errorf("expected 1 recipient, got %d", len(s.recipients))
				}
				return
			}
			if got := smtpCode(t, err); got != tt.code {
				t.Errorf("expected %d, got %d", tt.code, got)
			}
			if len(s.recipients) != 0 {
				t.Errorf("expected no recipients, got %v", s.recipients)
			}
		})
	}
}

func TestSession_Data_CapturesMessage(t *testing.T) {
	mailbox := NewMailbox(0, "", nil, nil)
	s := newTestSession(t, mailbox, "", "")

	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("rcpt@example.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	if err := s.Data(strings.NewReader(rawMessage)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	msgs := mailbox.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 captured message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.From != "sender@example.com" {
		t.Errorf("From = %q", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "rcpt@example.com" {
		t.Errorf("To = %v", got.To)
	}
	if got.Subject != "Hello" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.MessageID != "abc-123@example.com" {
		t.Errorf("MessageID = %q", got.MessageID)
	}
}

func TestSession_Data_NoRecipients(t *testing.T) {
	s := newTestSession(t, NewMailbox(0, "", nil, nil), "", "")
	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Data(strings.NewReader(rawMessage)); smtpCode(t, err) != 503 {
		t.Errorf("expected 503")
	}
}

func TestSession_Data_WritesOutputDir(t *testing.T) {
	dir := t.TempDir()
	mailbox := NewMailbox(0, dir, nil, nil)
	s := newTestSession(t, mailbox, "", "")

	_ = s.Mail("sender@example.com", nil)
	_ = s.Rcpt("rcpt@example.com", nil)
	if err := s.Data(strings.NewReader(rawMessage)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.eml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 .eml file, got %d", len(files))
	}
	if !strings.Contains(files[0], "abc-123_at_example.com") {
		t.Errorf("unexpected file name %s", files[0])
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != rawMessage {
		t.Error("expected file to hold the raw message")
	}
}

func TestSession_Reset(t *testing.T) {
	s := newTestSession(t, NewMailbox(0, "", nil, nil), "", "")
	_ = s.Mail("sender@example.com", nil)
	_ = s.Rcpt("rcpt@example.com", nil)

	s.Reset()

	if s.sender != "" || s.recipients != nil {
		t.Errorf("expected cleared envelope, got %q %v", s.sender, s.recipients)
	}
	if !s.authenticated {
		t.Error("expected authentication to survive reset")
	}
}

func TestMailbox_Capacity(t *testing.T) {
	mailbox := NewMailbox(2, "", nil, nil)
	for _, subject := range []string{"one", "two", "three"} {
		if err := mailbox.store(Envelope{Subject: subject}); err != nil {
			t.Fatal(err)
		}
	}

	msgs := mailbox.Messages()
	if mailbox.Len() != 2 || len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Subject != "two" || msgs[1].Subject != "three" {
		t.Errorf("expected oldest dropped, got %q %q", msgs[0].Subject, msgs[1].Subject)
	}
}
