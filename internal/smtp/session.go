package smtp

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/metrics"
)

// reply builds an SMTP error with an RFC 3463 enhanced status code.
func reply(code, class, subject, detail int, msg string) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{
		Code:         code,
		EnhancedCode: gosmtp.EnhancedCode{class, subject, detail},
		Message:      msg,
	}
}

var errAuthRequired = reply(530, 5, 7, 0, "Authentication required")

// Session handles a single SMTP connection and implements the go-smtp
// AuthSession interface.
type Session struct {
	backend       *Backend
	log           zerolog.Logger
	authenticated bool
	sender        string
	recipients    []string
}

// AuthMechanisms returns PLAIN when the sink requires credentials.
func (s *Session) AuthMechanisms() []string {
	return s.backend.mechanisms()
}

// Auth returns a SASL PLAIN server checking the configured credentials.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || s.backend.user == "" {
		return nil, reply(504, 5, 7, 4, "Unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.user || password != s.backend.pass {
			metrics.SinkAuthAttemptsTotal.WithLabelValues("failure").Inc()
			s.log.Warn().Str("username", username).Msg("auth failed")
			return reply(535, 5, 7, 8, "Authentication failed")
		}
		metrics.SinkAuthAttemptsTotal.WithLabelValues("success").Inc()
		s.authenticated = true
		s.log.Debug().Str("username", username).Msg("auth successful")
		return nil
	}), nil
}

// Mail handles the MAIL FROM command.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if err := ValidateEmailAddress(from); err != nil {
		s.log.Warn().Str("from", from).Msg("invalid sender address format")
		return reply(550, 5, 1, 7, "Invalid sender address")
	}
	s.sender = from
	return nil
}

// Rcpt handles the RCPT TO command. Recipients at a rejected domain get a
// permanent 550, recipients at a deferred domain a transient 451.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if err := ValidateEmailAddress(to); err != nil {
		s.log.Warn().Str("to", to).Msg("invalid recipient address format")
		return reply(550, 5, 1, 1, "Invalid recipient address")
	}

	domain := ExtractDomain(to)
	switch {
	case s.backend.mailbox.rejects(domain):
		return reply(550, 5, 1, 2, "Recipient domain rejected")
	case s.backend.mailbox.defers(domain):
		return reply(451, 4, 4, 3, "Recipient domain temporarily unavailable")
	}

	s.recipients = append(s.recipients, to)
	return nil
}

// Data reads the message and stores it in the mailbox.
func (s *Session) Data(r io.Reader) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if len(s.recipients) == 0 {
		return reply(503, 5, 5, 1, "No recipients specified")
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		s.log.Error().Err(err).Msg("failed to read message data")
		return reply(451, 4, 3, 0, "Error reading message")
	}

	env := Envelope{
		From:       s.sender,
		To:         append([]string(nil), s.recipients...),
		Data:       buf.Bytes(),
		ReceivedAt: time.Now(),
	}
	if err := decodeMessage(&env); err != nil {
		s.log.Warn().Err(err).Msg("captured message is not valid MIME")
	}

	if err := s.backend.mailbox.store(env); err != nil {
		s.log.Error().Err(err).Msg("failed to store captured message")
		return reply(451, 4, 3, 0, "Error storing message")
	}
	metrics.SinkMessagesCapturedTotal.Inc()

	s.log.Info().
		Str("from", s.sender).
		Str("message_id", env.MessageID).
		Int("recipient_count", len(env.To)).
		Msg("message captured")
	return nil
}

// Reset is called between messages in the same session. It clears the sender
// and recipients but preserves the authentication state.
func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

// Logout is called when the client disconnects.
func (s *Session) Logout() error {
	s.backend.active.Add(-1)
	metrics.SinkActiveSessions.Dec()
	s.log.Debug().Msg("session closed")
	return nil
}
