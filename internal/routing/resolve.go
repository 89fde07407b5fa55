// Package routing decides who receives an uploaded alert file and what the
// outgoing message says.
package routing

import (
	"errors"
	"path/filepath"
	"strings"
)

// DefaultBody is the message body used when the request does not supply one.
const DefaultBody = `Hola,

Esto es una automatización de TSI.

Se adjunta el documento indicado en Asunto.

Un saludo.`

// ErrNoRecipientsMatched is returned when the request carries no usable
// recipients and no rule matches the file name.
var ErrNoRecipientsMatched = errors.New("no recipients matched by filename and none provided")

// Request holds the inputs to resolution. Empty strings mean "not supplied".
type Request struct {
	FileName   string
	Subject    string
	Body       string
	Recipients string
}

// Plan is a fully resolved delivery. Recipients is never empty.
type Plan struct {
	Subject        string
	Body           string
	Recipients     []string
	AttachmentName string

	// MatchedRule is the token of the rule that supplied the recipients,
	// empty when they came from the request.
	MatchedRule string
}

// FromOverride reports whether the recipients were supplied by the request.
func (p *Plan) FromOverride() bool {
	return p.MatchedRule == ""
}

// Resolve builds a Plan for req. Explicit recipients win over the table;
// otherwise the first matching rule in declaration order is used.
func Resolve(req Request, table *Table) (*Plan, error) {
	plan := &Plan{
		Subject:        req.Subject,
		Body:           req.Body,
		AttachmentName: req.FileName,
	}
	if plan.Subject == "" {
		plan.Subject = SubjectFromFileName(req.FileName)
	}
	if plan.Body == "" {
		plan.Body = DefaultBody
	}

	// a list that splits to nothing (";;", "  ") counts as not supplied
	if to := SplitAddresses(req.Recipients); len(to) > 0 {
		plan.Recipients = to
		return plan, nil
	}

	rule, ok := table.Match(req.FileName)
	if !ok {
		return nil, ErrNoRecipientsMatched
	}
	plan.Recipients = rule.Addresses
	plan.MatchedRule = rule.Match
	return plan, nil
}

// SplitAddresses splits a ';' or ',' separated list, trimming entries and
// dropping empty ones. Order is preserved and duplicates are kept.
func SplitAddresses(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SubjectFromFileName returns the base name of fileName without its final
// extension. Names that are only an extension (".env") are returned whole.
func SubjectFromFileName(fileName string) string {
	name := fileName
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	ext := filepath.Ext(name)
	if ext == name {
		return name
	}
	return strings.TrimSuffix(name, ext)
}
