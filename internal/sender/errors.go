package sender

import (
	"errors"
	"fmt"
	"net"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
)

// SendError wraps a transport failure with classification metadata.
type SendError struct {
	// Sender is the name of the transport that failed.
	Sender string
	// Code is the SMTP reply code, or 0 when the failure happened below SMTP.
	Code int
	// Message is the server's reply text or the underlying error text.
	Message string
	// Permanent indicates the error will not succeed on retry.
	Permanent bool

	err error
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %d %s", e.Sender, e.Code, e.Message)
	}
	return e.Sender + ": " + e.Message
}

func (e *SendError) Unwrap() error { return e.err }

// IsPermanent reports whether err is a delivery failure that will not
// succeed on retry.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// classify turns a transport error into a *SendError. SMTP 5xx replies are
// permanent, 4xx replies and network failures transient.
func classify(name string, err error) error {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return err
	}

	out := &SendError{Sender: name, Message: err.Error(), err: err}

	var smtpErr *gosmtp.SMTPError
	var netErr net.Error
	switch {
	case errors.As(err, &smtpErr):
		out.Code = smtpErr.Code
		out.Message = smtpErr.Message
		out.Permanent = smtpErr.Code >= 500 && smtpErr.Code < 600
	case errors.As(err, &netErr):
		out.Permanent = false
	default:
		out.Permanent = containsPermanentIndicator(out.Message)
	}
	return out
}

// containsPermanentIndicator checks whether a free-form error text describes
// a failure that a retry cannot fix.
func containsPermanentIndicator(text string) bool {
	lower := strings.ToLower(text)
	for _, pattern := range []string{
		"authentication failed",
		"invalid recipient",
		"mailbox not found",
		"no sender address",
		"no recipients",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
