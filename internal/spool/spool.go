// Package spool holds uploaded files on local disk for the lifetime of a
// single request.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Hooks receives spool lifecycle events. Nil fields are ignored.
type Hooks struct {
	OnSave    func(bytes int64)
	OnRelease func(err error)
}

// Dir is an upload directory. Files are named by ULID so client-supplied
// names never touch the filesystem.
type Dir struct {
	path   string
	logger log.Logger
	hooks  Hooks
}

// New creates the directory if missing and returns a Dir rooted there.
func New(path string, logger log.Logger, hooks Hooks) (*Dir, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if path == "" {
		return nil, errors.New("spool: empty directory path")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create %s: %w", path, err)
	}
	return &Dir{path: path, logger: logger, hooks: hooks}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// Save copies r into a new spool file. name is the client-facing file name
// carried on the handle; it is not used on disk. On error nothing is left behind.
func (d *Dir) Save(ctx context.Context, name string, r io.Reader) (*Handle, error) {
	path := filepath.Join(d.path, ulid.Make().String())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // G304: path built from ULID inside spool dir
	if err != nil {
		return nil, fmt.Errorf("spool: create file: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			d.logger.Warn(ctx, "failed to remove partial spool file", "path", path, "error", rmErr)
		}
		return nil, fmt.Errorf("spool: write %q: %w", name, err)
	}

	if d.hooks.OnSave != nil {
		d.hooks.OnSave(n)
	}

	return &Handle{
		Name:   name,
		Path:   path,
		Size:   n,
		logger: d.logger,
		hooks:  d.hooks,
	}, nil
}

// Handle is one spooled file. Release must be called once the request is done
// with it; extra calls are no-ops.
type Handle struct {
	Name string
	Path string
	Size int64

	logger log.Logger
	hooks  Hooks
	once   sync.Once
}

// Open opens the spooled file for reading.
func (h *Handle) Open() (io.ReadCloser, error) {
	return os.Open(h.Path)
}

// Release removes the file. Failures, including a file that is already gone,
// are logged and reported to the hook but never returned.
func (h *Handle) Release(ctx context.Context) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		err := os.Remove(h.Path)
		if err != nil {
			h.logger.Warn(ctx, "failed to remove spool file", "path", h.Path, "filename", h.Name, "error", err)
		}
		if h.hooks.OnRelease != nil {
			h.hooks.OnRelease(err)
		}
	})
}
