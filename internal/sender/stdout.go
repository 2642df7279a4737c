package sender

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Stdout writes a summary of each message to standard output.
// Intended for development and debugging; messages are never actually delivered.
type Stdout struct {
	writer io.Writer
	log    zerolog.Logger
}

// NewStdout creates a Stdout sender that prints messages to os.Stdout.
func NewStdout(log zerolog.Logger) *Stdout {
	return &Stdout{writer: os.Stdout, log: log}
}

func (s *Stdout) Name() string { return "stdout" }

// Send prints the message details and returns a successful result.
func (s *Stdout) Send(_ context.Context, msg *Message) (*Result, error) {
	if strings.TrimSpace(msg.From) == "" {
		return nil, classify(s.Name(), errNoSender)
	}
	if len(msg.Recipients()) == 0 {
		return nil, classify(s.Name(), errNoRecipients)
	}

	id := newMessageID(msg.From)

	var b strings.Builder
	b.WriteString("--- stdout sender: message ---\n")
	fmt.Fprintf(&b, "Message-ID: %s\n", id)
	fmt.Fprintf(&b, "From:    %s\n", msg.From)
	fmt.Fprintf(&b, "To:      %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc:      %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc:     %s\n", strings.Join(msg.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, "Attach:  %s\n", a)
	}
	fmt.Fprintf(&b, "Body:    (%d bytes)\n", len(msg.Body))
	b.WriteString("--- end ---\n")

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return nil, classify(s.Name(), fmt.Errorf("write: %w", err))
	}
	return &Result{ProviderMessageID: id}, nil
}
