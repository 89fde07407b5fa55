package relayapi

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/alertmail/internal/mail"
	"github.com/linnemanlabs/alertmail/internal/routing"
)

// noRecipientsMessage is the client-facing text for routing.ErrNoRecipientsMatched.
const noRecipientsMessage = "No recipients matched by filename and none provided"

type sentResponse struct {
	OK   bool     `json:"ok"`
	Sent sentInfo `json:"sent"`
}

type sentInfo struct {
	Subject  string   `json:"subject"`
	To       []string `json:"to"`
	Filename string   `json:"filename"`
}

func (a *API) handleAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes)

	up, err := decodeUpload(ctx, r, a.spool)
	defer up.release(ctx)
	if err != nil {
		status, msg := uploadStatus(err)
		if status >= http.StatusInternalServerError {
			a.logger.Error(ctx, err, "failed to decode upload")
		} else {
			a.logger.Warn(ctx, "upload rejected", "status", status, "error", err)
		}
		writeError(w, status, msg)
		return
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("alertmail.filename", up.file.Name),
		attribute.Int64("alertmail.upload.bytes", up.file.Size),
	)

	plan, err := a.svc.Plan(ctx, routing.Request{
		FileName:   up.file.Name,
		Subject:    up.subject,
		Body:       up.body,
		Recipients: up.recipients,
	})
	if errors.Is(err, routing.ErrNoRecipientsMatched) {
		writeError(w, http.StatusBadRequest, noRecipientsMessage)
		return
	}
	if err != nil {
		a.logger.Error(ctx, err, "failed to resolve recipients", "filename", up.file.Name)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := a.svc.Deliver(ctx, plan, mail.Attachment{
		Name: plan.AttachmentName,
		Open: up.file.Open,
	})
	span.SetAttributes(attribute.String("alertmail.delivery.id", out.ID))
	if !out.Sent {
		msg := "delivery failed"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}

	writeJSON(w, http.StatusOK, sentResponse{
		OK: true,
		Sent: sentInfo{
			Subject:  plan.Subject,
			To:       plan.Recipients,
			Filename: plan.AttachmentName,
		},
	})
}
