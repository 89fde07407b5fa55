package smtprelay

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// received is one message accepted by the fake relay.
type received struct {
	From string
	To   []string
	Data []byte
	TLS  bool // session ran over a completed TLS handshake
}

// fakeRelay is an in-process SMTP server recording what it accepts.
type fakeRelay struct {
	mu       sync.Mutex
	messages []received
	authed   []string
	dataCmds int

	username string
	password string
	reject   map[string]bool

	tlsConfig *tls.Config
	implicit  bool
}

type relayOption func(*fakeRelay)

func requireAuth(username, password string) relayOption {
	return func(fr *fakeRelay) {
		fr.username = username
		fr.password = password
	}
}

func rejectRcpt(addrs ...string) relayOption {
	return func(fr *fakeRelay) {
		for _, a := range addrs {
			fr.reject[a] = true
		}
	}
}

// tlsRelay advertises STARTTLS with the given server config.
func tlsRelay(cfg *tls.Config) relayOption {
	return func(fr *fakeRelay) {
		fr.tlsConfig = cfg
	}
}

// implicitTLS serves TLS from the first byte, like port 465.
func implicitTLS(cfg *tls.Config) relayOption {
	return func(fr *fakeRelay) {
		fr.tlsConfig = cfg
		fr.implicit = true
	}
}

func newFakeRelay(t *testing.T, opts ...relayOption) (*fakeRelay, string, int) {
	t.Helper()

	fr := &fakeRelay{reject: make(map[string]bool)}
	for _, o := range opts {
		o(fr)
	}

	s := smtp.NewServer(fr)
	s.Domain = "relay.test"
	s.AllowInsecureAuth = true
	if !fr.implicit {
		s.TLSConfig = fr.tlsConfig
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	if fr.implicit {
		ln = tls.NewListener(ln, fr.tlsConfig)
	}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return fr, host, port
}

func (fr *fakeRelay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	state, ok := c.TLSConnectionState()
	return &fakeSession{relay: fr, tls: ok && state.HandshakeComplete}, nil
}

func (fr *fakeRelay) Messages() []received {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]received(nil), fr.messages...)
}

func (fr *fakeRelay) DataCommands() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.dataCmds
}

func (fr *fakeRelay) Authed() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.authed...)
}

type fakeSession struct {
	relay *fakeRelay
	tls   bool
	from  string
	to    []string
}

func (s *fakeSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *fakeSession) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if s.relay.username != "" && (username != s.relay.username || password != s.relay.password) {
			return errors.New("invalid credentials")
		}
		s.relay.mu.Lock()
		s.relay.authed = append(s.relay.authed, username)
		s.relay.mu.Unlock()
		return nil
	}), nil
}

func (s *fakeSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *fakeSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.relay.reject[to] {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "no such user",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *fakeSession) Data(r io.Reader) error {
	s.relay.mu.Lock()
	s.relay.dataCmds++
	s.relay.mu.Unlock()

	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.relay.messages = append(s.relay.messages, received{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: b,
		TLS:  s.tls,
	})
	return nil
}

func (s *fakeSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *fakeSession) Logout() error { return nil }
