package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/alertmail/internal/mail"
	"github.com/linnemanlabs/alertmail/internal/routing"
)

var tracer = otel.Tracer("github.com/linnemanlabs/alertmail/internal/delivery")

const (
	ProbeSubject = "Test SMTP"
	ProbeBody    = "Hola, prueba SMTP sin adjuntos."

	notifyTimeout = 15 * time.Second
)

// Outcome labels used in hooks and metrics.
const (
	OutcomeSent     = "sent"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Config is the sender identity and per-delivery limits.
type Config struct {
	FromName    string
	FromAddress string
	ProbeTo     string

	// SendTimeout bounds a whole SMTP transaction. Zero means no extra deadline.
	SendTimeout time.Duration
}

// Hooks receives delivery events. Nil fields are ignored.
type Hooks struct {
	OnResolve  func(result string)
	OnDelivery func(outcome string, duration float64, recipients int)
	OnProbe    func(err error)
}

// Notifier reports failed deliveries to an operator channel.
type Notifier interface {
	Send(ctx context.Context, f *Failure) error
}

// Failure describes a delivery that did not reach the relay.
type Failure struct {
	DeliveryID string
	Subject    string
	FileName   string
	Recipients []string
	Error      string
	At         time.Time
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	ID       string
	Sent     bool
	Err      error
	Duration time.Duration
}

// Service is the business boundary for resolving and dispatching alerts.
type Service struct {
	sender   mail.Sender
	table    *routing.Table
	cfg      Config
	logger   log.Logger
	hooks    Hooks
	notifier Notifier
}

// NewService creates a delivery service. notifier may be nil.
func NewService(sender mail.Sender, table *routing.Table, cfg Config, logger log.Logger, hooks Hooks, notifier Notifier) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if sender == nil {
		panic(xerrors.New("mail sender is required"))
	}
	if cfg.FromAddress == "" {
		panic(xerrors.New("from address is required"))
	}
	if cfg.ProbeTo == "" {
		cfg.ProbeTo = cfg.FromAddress
	}
	return &Service{
		sender:   sender,
		table:    table,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
		notifier: notifier,
	}
}

// From returns the sender mailbox used on every message.
func (s *Service) From() mail.Address {
	return mail.Address{Name: s.cfg.FromName, Email: s.cfg.FromAddress}
}

// Plan resolves req against the service's rule table.
func (s *Service) Plan(ctx context.Context, req routing.Request) (*routing.Plan, error) {
	plan, err := routing.Resolve(req, s.table)
	if err != nil {
		s.onResolve("no_match")
		s.logger.Warn(ctx, "no recipients resolved", "filename", req.FileName)
		return nil, err
	}

	source := "rule"
	if plan.FromOverride() {
		source = "override"
	}
	s.onResolve(source)
	s.logger.Info(ctx, "recipients resolved",
		"filename", req.FileName,
		"source", source,
		"rule", plan.MatchedRule,
		"recipients", len(plan.Recipients),
	)
	return plan, nil
}

// Deliver submits plan with att as its only attachment. It makes exactly one
// attempt and never panics on transport errors; the outcome carries the error.
func (s *Service) Deliver(ctx context.Context, plan *routing.Plan, att mail.Attachment) Outcome {
	id := ulid.Make().String()
	start := time.Now()

	if att.Name == "" {
		att.Name = plan.AttachmentName
	}

	ctx, span := tracer.Start(ctx, "mail.dispatch", trace.WithAttributes(
		attribute.String("alertmail.delivery.id", id),
		attribute.String("alertmail.attachment", att.Name),
		attribute.Int("alertmail.recipients", len(plan.Recipients)),
		attribute.Bool("alertmail.override", plan.FromOverride()),
	))
	defer span.End()

	L := s.logger.With("delivery_id", id, "filename", att.Name)

	msg := &mail.Message{
		ID:          id,
		From:        s.From(),
		To:          plan.Recipients,
		Subject:     plan.Subject,
		Body:        plan.Body,
		Attachments: []mail.Attachment{att},
	}

	err := s.send(ctx, msg)
	out := Outcome{ID: id, Sent: err == nil, Err: err, Duration: time.Since(start)}

	label := outcomeLabel(err)
	span.SetAttributes(attribute.String("alertmail.outcome", label))
	if s.hooks.OnDelivery != nil {
		s.hooks.OnDelivery(label, out.Duration.Seconds(), len(plan.Recipients))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "delivery failed",
			"outcome", label,
			"recipients", plan.Recipients,
			"duration", out.Duration,
		)
		s.notify(ctx, &Failure{
			DeliveryID: id,
			Subject:    plan.Subject,
			FileName:   att.Name,
			Recipients: plan.Recipients,
			Error:      err.Error(),
			At:         time.Now(),
		})
		return out
	}

	L.Info(ctx, "delivery sent",
		"subject", plan.Subject,
		"recipients", plan.Recipients,
		"duration", out.Duration,
	)
	return out
}

// Probe sends a plain message without attachments to the probe address.
func (s *Service) Probe(ctx context.Context) error {
	id := ulid.Make().String()
	ctx, span := tracer.Start(ctx, "mail.probe", trace.WithAttributes(
		attribute.String("alertmail.delivery.id", id),
	))
	defer span.End()

	err := s.send(ctx, &mail.Message{
		ID:      id,
		From:    s.From(),
		To:      []string{s.cfg.ProbeTo},
		Subject: ProbeSubject,
		Body:    ProbeBody,
	})
	if s.hooks.OnProbe != nil {
		s.hooks.OnProbe(err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, err, "smtp probe failed", "delivery_id", id, "to", s.cfg.ProbeTo)
		return fmt.Errorf("probe: %w", err)
	}
	s.logger.Info(ctx, "smtp probe sent", "delivery_id", id, "to", s.cfg.ProbeTo)
	return nil
}

func (s *Service) send(ctx context.Context, msg *mail.Message) error {
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}
	return s.sender.Send(ctx, msg.From.Email, msg.To, msg)
}

// notify reports f without blocking the request. The request context may be
// cancelled as soon as the handler returns, so the post gets its own deadline.
func (s *Service) notify(ctx context.Context, f *Failure) {
	if s.notifier == nil {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := s.notifier.Send(nctx, f); err != nil {
			s.logger.Warn(nctx, "failure notification not sent", "delivery_id", f.DeliveryID, "error", err)
		}
	}()
}

func (s *Service) onResolve(result string) {
	if s.hooks.OnResolve != nil {
		s.hooks.OnResolve(result)
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return OutcomeSent
	}
	var rej *mail.RejectedError
	if errors.As(err, &rej) {
		return OutcomeRejected
	}
	return OutcomeFailed
}
