// Package mail composes outgoing alert messages and defines the transport
// boundary they are handed to.
package mail

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"gopkg.in/gomail.v2"
)

// Sender submits a composed message to an outbound relay in a single transaction.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg io.WriterTo) error
}

// Address is a mailbox with an optional display name.
type Address struct {
	Name  string
	Email string
}

// Attachment is a file streamed into the message when it is written.
type Attachment struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Message is a plain-text email with optional attachments.
type Message struct {
	ID          string
	From        Address
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// WriteTo renders the message as MIME. Attachments are opened and copied
// during the write, so errors reading them surface here.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	return m.compose().WriteTo(w)
}

func (m *Message) compose() *gomail.Message {
	gm := gomail.NewMessage()
	gm.SetAddressHeader("From", m.From.Email, m.From.Name)
	gm.SetHeader("To", m.To...)
	gm.SetHeader("Subject", m.Subject)
	if m.ID != "" {
		gm.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", m.ID, domainOf(m.From.Email)))
	}
	gm.SetBody("text/plain", m.Body)

	for _, a := range m.Attachments {
		gm.Attach(a.Name,
			gomail.Rename(a.Name),
			gomail.SetHeader(attachmentHeader(a.Name)),
			gomail.SetCopyFunc(copyFrom(a)),
		)
	}
	return gm
}

// attachmentHeader encodes the name as a MIME parameter (RFC 2231 for
// non-ASCII, escaped quotes otherwise). gomail would write it raw.
func attachmentHeader(name string) map[string][]string {
	mediaType := "application/octet-stream"
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			mediaType = mt
		}
	}
	return map[string][]string{
		"Content-Type":        {mime.FormatMediaType(mediaType, map[string]string{"name": name})},
		"Content-Disposition": {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
	}
}

func copyFrom(a Attachment) func(io.Writer) error {
	return func(w io.Writer) error {
		if a.Open == nil {
			return fmt.Errorf("attachment %q: no content", a.Name)
		}
		rc, err := a.Open()
		if err != nil {
			return fmt.Errorf("attachment %q: open: %w", a.Name, err)
		}
		defer func() { _ = rc.Close() }()
		if _, err := io.Copy(w, rc); err != nil {
			return fmt.Errorf("attachment %q: copy: %w", a.Name, err)
		}
		return nil
	}
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
