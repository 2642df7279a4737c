package smtp

import (
	"context"
	"errors"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// Config configures the capture sink.
type Config struct {
	Addr            string   `mapstructure:"addr"`
	Domain          string   `mapstructure:"domain"`
	User            string   `mapstructure:"user"`
	Pass            string   `mapstructure:"pass"`
	MaxConns        int      `mapstructure:"max_conns"`
	MaxMessageBytes int64    `mapstructure:"max_message_bytes"`
	Capacity        int      `mapstructure:"capacity"`
	OutputDir       string   `mapstructure:"output_dir"`
	RejectDomains   []string `mapstructure:"reject_domains"`
	DeferDomains    []string `mapstructure:"defer_domains"`
}

// Server is a running capture sink.
type Server struct {
	srv     *gosmtp.Server
	backend *Backend
	mailbox *Mailbox
	log     zerolog.Logger
}

// NewServer builds a sink from cfg. It does not start listening.
func NewServer(cfg Config, log zerolog.Logger) *Server {
	log = log.With().Str("component", "smtp_sink").Logger()

	mailbox := NewMailbox(cfg.Capacity, cfg.OutputDir, cfg.RejectDomains, cfg.DeferDomains)
	backend := NewBackend(mailbox, log, cfg.MaxConns, cfg.User, cfg.Pass)

	srv := gosmtp.NewServer(backend)
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	if srv.Domain == "" {
		srv.Domain = "localhost"
	}
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	if srv.MaxMessageBytes <= 0 {
		srv.MaxMessageBytes = 25 << 20
	}

	return &Server{srv: srv, backend: backend, mailbox: mailbox, log: log}
}

// Mailbox returns the sink's captured messages.
func (s *Server) Mailbox() *Mailbox { return s.mailbox }

// Serve accepts connections on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

// ListenAndServe listens on the configured address until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("capture sink listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.srv.Close(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			return err
		}
		<-errCh
		return nil
	}
}

// Close stops the sink and drops open connections.
func (s *Server) Close() error {
	return s.srv.Close()
}
