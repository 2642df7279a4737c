package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers one rendered email.
type Sender interface {
	// Send delivers msg and returns the identifier the transport assigned.
	Send(ctx context.Context, msg *Message) (*Result, error)
	// Name identifies the transport in logs and metrics.
	Name() string
}

// Message is a fully rendered email ready for delivery.
type Message struct {
	From        string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string // HTML
	Attachments []string
}

// Recipients returns every envelope recipient, including Bcc.
func (m *Message) Recipients() []string {
	rcpts := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	rcpts = append(rcpts, m.To...)
	rcpts = append(rcpts, m.Cc...)
	rcpts = append(rcpts, m.Bcc...)
	return rcpts
}

// Result describes a successful delivery.
type Result struct {
	ProviderMessageID string
	// Skipped lists attachment paths that did not exist at send time.
	Skipped []string
}

// Config selects and configures the outbound transport.
type Config struct {
	Type               string        `mapstructure:"type"` // smtp (default), stdout, file
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	User               string        `mapstructure:"user"`
	Pass               string        `mapstructure:"pass"`
	Crypto             string        `mapstructure:"crypto"` // tls (STARTTLS), ssl, none
	FromEmail          string        `mapstructure:"from_email"`
	FromName           string        `mapstructure:"from_name"`
	HelloName          string        `mapstructure:"hello_name"`
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	OutputDir          string        `mapstructure:"output_dir"`
}

// New creates the Sender selected by cfg.Type. signer may be nil.
func New(cfg Config, signer *DKIMSigner, log zerolog.Logger) (Sender, error) {
	switch cfg.Type {
	case "", "smtp":
		if cfg.Host == "" {
			return nil, fmt.Errorf("sender: smtp host is required")
		}
		return NewSMTP(cfg, signer, log), nil
	case "stdout":
		return NewStdout(log), nil
	case "file":
		return NewFile(cfg.OutputDir, log), nil
	default:
		return nil, fmt.Errorf("sender: unsupported type %q", cfg.Type)
	}
}
