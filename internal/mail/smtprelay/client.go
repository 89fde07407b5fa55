// Package smtprelay submits composed messages to an outbound SMTP relay.
package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/alertmail/internal/mail"
)

const defaultTimeout = 20 * time.Second

// Config describes how to reach and authenticate against the relay.
type Config struct {
	Host     string
	Port     int
	Secure   bool // implicit TLS (typically 465)
	StartTLS bool // upgrade a plain connection, fails if the relay does not offer it
	Username string
	Password string

	// LocalName is sent in EHLO, "localhost" when empty.
	LocalName string

	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
	SocketTimeout   time.Duration

	// TLSConfig overrides the default client TLS settings (tests, private CAs).
	// TLS 1.2 stays the minimum either way.
	TLSConfig *tls.Config
}

// Client sends mail through a single relay. Each Send opens its own connection.
type Client struct {
	cfg    Config
	logger log.Logger
}

// New creates a relay client. Zero timeouts fall back to 20s.
func New(cfg Config, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultTimeout
	}
	if cfg.GreetingTimeout <= 0 {
		cfg.GreetingTimeout = defaultTimeout
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = defaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	return &Client{cfg: cfg, logger: logger}
}

// Addr returns the relay host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Send runs one SMTP transaction. Every recipient is offered before DATA;
// if any is refused the transaction is reset and a *mail.RejectedError
// listing all refusals is returned, so nobody receives a partial send.
func (c *Client) Send(ctx context.Context, from string, to []string, msg io.WriterTo) (err error) {
	if len(to) == 0 {
		return errors.New("smtprelay: no recipients")
	}

	sc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sc.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()
	defer func() { err = withContext(ctx, err) }()

	if err := sc.Mail(from, nil); err != nil {
		return fmt.Errorf("smtprelay: mail from %s: %w", from, err)
	}

	var rejected []mail.RecipientError
	for _, rcpt := range to {
		if err := sc.Rcpt(rcpt, nil); err != nil {
			var se *smtp.SMTPError
			if !errors.As(err, &se) {
				return fmt.Errorf("smtprelay: rcpt to %s: %w", rcpt, err)
			}
			rejected = append(rejected, mail.RecipientError{Address: rcpt, Code: se.Code, Message: se.Message})
		}
	}
	if len(rejected) > 0 {
		_ = sc.Reset()
		_ = sc.Quit()
		return &mail.RejectedError{Recipients: rejected}
	}

	w, err := sc.Data()
	if err != nil {
		return fmt.Errorf("smtprelay: data: %w", err)
	}
	// on a write error the deferred Close drops the connection without the
	// terminating dot, so the relay discards the partial message
	if _, err := msg.WriteTo(w); err != nil {
		return fmt.Errorf("smtprelay: write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtprelay: data: %w", err)
	}

	// accepted by the relay, quit failures do not change that
	if err := sc.Quit(); err != nil {
		c.logger.Warn(ctx, "smtp quit failed after message accepted", "relay", c.Addr(), "error", err)
	}
	return nil
}

// Verify connects, authenticates and quits without sending anything.
func (c *Client) Verify(ctx context.Context) error {
	sc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sc.Close() }()

	if err := sc.Quit(); err != nil {
		return withContext(ctx, fmt.Errorf("smtprelay: quit: %w", err))
	}
	return nil
}

// dial connects, greets, upgrades to TLS when configured and authenticates.
func (c *Client) dial(ctx context.Context) (*smtp.Client, error) {
	addr := c.Addr()
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtprelay: connect %s: %w", addr, err)
	}

	// everything up to an authenticated session shares the greeting timeout;
	// closing the raw conn is what unblocks it when that fires or ctx is cancelled
	raw := conn
	gctx, cancel := context.WithTimeout(ctx, c.cfg.GreetingTimeout)
	defer cancel()
	stop := context.AfterFunc(gctx, func() { _ = raw.Close() })
	defer stop()

	tlsCfg := c.tlsConfig()
	if c.cfg.Secure {
		tconn := tls.Client(conn, tlsCfg)
		if err := tconn.HandshakeContext(gctx); err != nil {
			_ = conn.Close()
			return nil, withContext(ctx, fmt.Errorf("smtprelay: tls handshake %s: %w", addr, err))
		}
		conn = tconn
	}

	var sc *smtp.Client
	if c.cfg.StartTLS && !c.cfg.Secure {
		// greets and upgrades with an EHLO as localhost, the Hello below
		// then introduces us again over TLS
		sc, err = smtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			_ = conn.Close()
			return nil, withContext(ctx, fmt.Errorf("smtprelay: starttls %s: %w", addr, err))
		}
	} else {
		sc = smtp.NewClient(conn)
	}
	sc.CommandTimeout = c.cfg.GreetingTimeout
	if err := sc.Hello(c.cfg.LocalName); err != nil {
		_ = sc.Close()
		return nil, withContext(ctx, fmt.Errorf("smtprelay: greeting %s: %w", addr, err))
	}
	sc.CommandTimeout = c.cfg.SocketTimeout
	sc.SubmissionTimeout = c.cfg.SocketTimeout

	if c.cfg.Username != "" {
		if err := sc.Auth(sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)); err != nil {
			_ = sc.Close()
			return nil, withContext(ctx, fmt.Errorf("smtprelay: auth %s: %w", addr, err))
		}
	}

	return sc, nil
}

func (c *Client) tlsConfig() *tls.Config {
	if c.cfg.TLSConfig != nil {
		cfg := c.cfg.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.cfg.Host
		}
		if cfg.MinVersion < tls.VersionTLS12 {
			cfg.MinVersion = tls.VersionTLS12
		}
		return cfg
	}
	return &tls.Config{
		ServerName: c.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
}

// withContext attaches the context's cause when a failure was caused by
// cancellation or deadline, which otherwise shows up as a closed connection.
func withContext(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return errors.Join(err, ctxErr)
	}
	return err
}
