package sender

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

var (
	errNoSender     = errors.New("no sender address configured")
	errNoRecipients = errors.New("no recipients")
)

// composed is a serialized RFC 5322 message plus its envelope.
type composed struct {
	raw       []byte
	messageID string
	skipped   []string
}

// compose renders msg as MIME. The HTML body is set before attachments;
// attachment paths that do not exist are skipped with a warning.
func compose(msg *Message, now time.Time, log zerolog.Logger) (*composed, error) {
	if strings.TrimSpace(msg.From) == "" {
		return nil, errNoSender
	}
	if len(msg.Recipients()) == 0 {
		return nil, errNoRecipients
	}

	id := newMessageID(msg.From)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+id+">")
	m.SetDateHeader("Date", now)
	m.SetBody("text/html", msg.Body)

	var skipped []string
	for _, path := range msg.Attachments {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			if err == nil || errors.Is(err, fs.ErrNotExist) {
				log.Warn().Str("attachment", path).Msg("attachment not found, skipping")
				skipped = append(skipped, path)
				continue
			}
			return nil, fmt.Errorf("stat attachment %s: %w", path, err)
		}
		m.Attach(path)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("compose message: %w", err)
	}
	return &composed{raw: buf.Bytes(), messageID: id, skipped: skipped}, nil
}

// newMessageID returns a globally unique Message-ID local@domain, using the
// sender's domain when it has one.
func newMessageID(from string) string {
	domain := extractDomain(from)
	if domain == "" {
		domain = "localhost"
	}
	return uuid.New().String() + "@" + domain
}

func extractDomain(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.LastIndex(address, "<"); i >= 0 {
		address = strings.TrimSuffix(address[i+1:], ">")
	}
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
