package relayapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/linnemanlabs/alertmail/internal/spool"
)

// maxFieldBytes caps each text field of the upload form.
const maxFieldBytes = 64 << 10

var (
	errFileRequired  = errors.New("file is required")
	errMultipleFiles = errors.New("only one file is allowed")
	errNotMultipart  = errors.New("request must be multipart/form-data")
	errMalformed     = errors.New("malformed multipart body")
	errTooLarge      = errors.New("upload too large")
)

// fieldError reports a text field over maxFieldBytes.
type fieldError struct{ name string }

func (e *fieldError) Error() string {
	return fmt.Sprintf("field %q exceeds %d bytes", e.name, maxFieldBytes)
}

// upload is a decoded form. release is safe on every instance decodeUpload
// returns, whether or not a file was spooled.
type upload struct {
	file       *spool.Handle
	subject    string
	body       string
	recipients string
}

func (u *upload) release(ctx context.Context) {
	u.file.Release(ctx)
}

// decodeUpload streams the multipart body, spooling the "file" part and
// collecting the known text fields. The returned upload is never nil; on
// error any file already spooled is still attached to it for release.
func decodeUpload(ctx context.Context, r *http.Request, sp Spooler) (*upload, error) {
	up := &upload{}

	mr, err := r.MultipartReader()
	if err != nil {
		return up, errNotMultipart
	}

	seen := make(map[string]bool)
	for {
		part, err := mr.NextPart()
		if err == io.EOF { //nolint:errorlint // a wrapped EOF is a truncated body, not the final boundary
			break
		}
		if err != nil {
			return up, classifyRead(err, errMalformed)
		}

		name := part.FormName()
		switch {
		case name == "file":
			if part.FileName() == "" {
				continue
			}
			if up.file != nil {
				return up, errMultipleFiles
			}
			cr := &readTracker{r: part}
			h, err := sp.Save(ctx, part.FileName(), cr)
			if err != nil {
				if cr.err != nil {
					return up, classifyRead(cr.err, errMalformed)
				}
				return up, fmt.Errorf("spool upload: %w", err)
			}
			up.file = h

		case name == "subject" || name == "body" || name == "recipients":
			if seen[name] {
				continue
			}
			seen[name] = true
			v, err := readField(name, part)
			if err != nil {
				return up, err
			}
			switch name {
			case "subject":
				up.subject = v
			case "body":
				up.body = v
			case "recipients":
				up.recipients = v
			}
		}
	}

	if up.file == nil {
		return up, errFileRequired
	}
	return up, nil
}

func readField(name string, r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxFieldBytes+1))
	if err != nil {
		return "", classifyRead(err, errMalformed)
	}
	if len(b) > maxFieldBytes {
		return "", &fieldError{name: name}
	}
	return string(b), nil
}

// classifyRead maps a body read failure to errTooLarge when the size limit
// tripped, otherwise to fallback wrapping the cause.
func classifyRead(err, fallback error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return errTooLarge
	}
	return fmt.Errorf("%w: %w", fallback, err)
}

// readTracker remembers the first read error so spool write failures can be
// told apart from client body failures.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}

// uploadStatus maps a decode error to its HTTP status and client message.
func uploadStatus(err error) (int, string) {
	var fe *fieldError
	switch {
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge, errTooLarge.Error()
	case errors.Is(err, errFileRequired),
		errors.Is(err, errMultipleFiles),
		errors.Is(err, errNotMultipart):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errMalformed):
		return http.StatusBadRequest, errMalformed.Error()
	case errors.As(err, &fe):
		return http.StatusBadRequest, fe.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
