// Package relayapi exposes the HTTP surface of the relay: a liveness root,
// an SMTP probe, and the authenticated upload endpoint.
package relayapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/alertmail/internal/authmw"
	"github.com/linnemanlabs/alertmail/internal/delivery"
	"github.com/linnemanlabs/alertmail/internal/mail"
	"github.com/linnemanlabs/alertmail/internal/routing"
	"github.com/linnemanlabs/alertmail/internal/spool"
)

// APIKeyHeader carries the shared secret on authenticated routes.
const APIKeyHeader = "X-API-Key"

const defaultMaxUploadBytes = 25 << 20

// DeliveryService defines the business operations relayapi needs.
type DeliveryService interface {
	Plan(ctx context.Context, req routing.Request) (*routing.Plan, error)
	Deliver(ctx context.Context, plan *routing.Plan, att mail.Attachment) delivery.Outcome
	Probe(ctx context.Context) error
}

// Spooler stores an uploaded file for the duration of a request.
type Spooler interface {
	Save(ctx context.Context, name string, r io.Reader) (*spool.Handle, error)
}

// Options configures the API.
type Options struct {
	APIKey      string
	ServiceName string

	// MaxUploadBytes bounds the whole request body of an upload.
	MaxUploadBytes int64

	// Started is reported as uptime on the root route.
	Started time.Time
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    DeliveryService
	spool  Spooler
	opts   Options
}

// New creates a new API handler.
func New(logger log.Logger, svc DeliveryService, sp Spooler, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("delivery service is required"))
	}
	if sp == nil {
		panic(xerrors.New("spool is required"))
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}
	return &API{
		logger: logger,
		svc:    svc,
		spool:  sp,
		opts:   opts,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/", a.handleRoot)
	r.Get("/mailtest", a.handleMailTest)
	r.With(authmw.APIKey(APIKeyHeader, a.opts.APIKey, a.logger)).Post("/alerta", a.handleAlert)
}

type rootResponse struct {
	OK      bool    `json:"ok"`
	Service string  `json:"service"`
	Uptime  float64 `json:"uptime"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (a *API) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		OK:      true,
		Service: a.opts.ServiceName,
		Uptime:  time.Since(a.opts.Started).Seconds(),
	})
}

func (a *API) handleMailTest(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Probe(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{OK: false, Error: msg})
}
