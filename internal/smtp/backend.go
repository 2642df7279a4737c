// Package smtp implements a capture sink: an SMTP server that accepts every
// valid submission and records it instead of relaying it. Point smtp.host at
// it for local development and end-to-end tests of the outbound path.
package smtp

import (
	"sync/atomic"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/metrics"
)

// Backend implements the go-smtp Backend interface.
// It manages session creation and enforces connection limits.
type Backend struct {
	mailbox  *Mailbox
	log      zerolog.Logger
	maxConns int
	user     string
	pass     string
	active   atomic.Int64
}

// NewBackend creates a backend storing captured messages in mailbox. When
// user is non-empty, clients must AUTH PLAIN with user/pass before MAIL.
func NewBackend(mailbox *Mailbox, log zerolog.Logger, maxConns int, user, pass string) *Backend {
	return &Backend{
		mailbox:  mailbox,
		log:      log,
		maxConns: maxConns,
		user:     user,
		pass:     pass,
	}
}

// NewSession is called for each new connection. It enforces connection
// limits and creates a new Session for the connection.
func (b *Backend) NewSession(conn *gosmtp.Conn) (gosmtp.Session, error) {
	current := b.active.Add(1)
	if b.maxConns > 0 && int(current) > b.maxConns {
		b.active.Add(-1)
		metrics.SinkConnectionsTotal.WithLabelValues("rejected").Inc()
		b.log.Warn().
			Int64("active", current-1).
			Int("max", b.maxConns).
			Msg("connection limit reached")
		return nil, reply(421, 4, 7, 0, "Too many connections")
	}
	metrics.SinkConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.SinkActiveSessions.Inc()

	remote := ""
	if conn != nil && conn.Conn() != nil {
		remote = conn.Conn().RemoteAddr().String()
	}
	sessionLog := b.log.With().
		Str("correlation_id", logger.NewCorrelationID()).
		Str("remote_addr", remote).
		Logger()
	sessionLog.Debug().Msg("new SMTP session")

	return b.newSession(sessionLog), nil
}

func (b *Backend) newSession(log zerolog.Logger) *Session {
	return &Session{
		backend:       b,
		log:           log,
		authenticated: b.user == "",
	}
}

// ActiveSessions returns the current number of active SMTP sessions.
func (b *Backend) ActiveSessions() int64 {
	return b.active.Load()
}

// mechanisms lists the SASL mechanisms offered to clients.
func (b *Backend) mechanisms() []string {
	if b.user == "" {
		return nil
	}
	return []string{sasl.Plain}
}
