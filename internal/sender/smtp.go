package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPSender delivers mail to a relay over SMTP, one connection per message.
type SMTPSender struct {
	cfg    Config
	signer *DKIMSigner
	log    zerolog.Logger
	now    func() time.Time
}

// NewSMTP creates an SMTPSender. signer may be nil to disable DKIM.
func NewSMTP(cfg Config, signer *DKIMSigner, log zerolog.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPSender{
		cfg:    cfg,
		signer: signer,
		log:    log.With().Str("component", "smtp_sender").Logger(),
		now:    time.Now,
	}
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send composes msg, signs it when DKIM is configured and submits it to the
// relay. Every returned error is a *SendError.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	c, err := compose(msg, s.now(), s.log)
	if err != nil {
		return nil, classify(s.Name(), err)
	}

	raw, err := s.signer.Sign(c.raw, msg.From)
	if err != nil {
		return nil, classify(s.Name(), err)
	}

	client, err := s.dial(ctx)
	if err != nil {
		return nil, classify(s.Name(), err)
	}
	defer client.Close()

	if s.cfg.User != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.User, s.cfg.Pass)); err != nil {
			return nil, classify(s.Name(), fmt.Errorf("auth: %w", err))
		}
	}

	if err := client.SendMail(msg.From, msg.Recipients(), bytes.NewReader(raw)); err != nil {
		return nil, classify(s.Name(), err)
	}
	if err := client.Quit(); err != nil {
		s.log.Debug().Err(err).Msg("smtp quit failed after successful submission")
	}

	s.log.Debug().
		Str("message_id", c.messageID).
		Int("recipient_count", len(msg.Recipients())).
		Msg("message submitted")

	return &Result{ProviderMessageID: c.messageID, Skipped: c.skipped}, nil
}

// dial opens the connection according to cfg.Crypto: "ssl" is implicit TLS,
// "tls" or "starttls" upgrade a plain connection, anything else stays plain.
func (s *SMTPSender) dial(ctx context.Context) (*gosmtp.Client, error) {
	crypto := strings.ToLower(strings.TrimSpace(s.cfg.Crypto))
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.port(crypto)))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test relays
	}

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	var (
		conn net.Conn
		err  error
	)
	if crypto == "ssl" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client := gosmtp.NewClient(conn)
	client.CommandTimeout = s.cfg.Timeout
	client.SubmissionTimeout = s.cfg.Timeout

	if s.cfg.HelloName != "" {
		if err := client.Hello(s.cfg.HelloName); err != nil {
			client.Close()
			return nil, fmt.Errorf("hello: %w", err)
		}
	}
	if crypto == "tls" || crypto == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return client, nil
}

func (s *SMTPSender) port(crypto string) int {
	if s.cfg.Port > 0 {
		return s.cfg.Port
	}
	switch crypto {
	case "ssl":
		return 465
	case "tls", "starttls":
		return 587
	default:
		return 25
	}
}
