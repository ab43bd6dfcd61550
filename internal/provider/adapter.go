// Package provider contains the messaging-platform adapters. An Adapter owns
// everything platform-specific: outbound sends, webhook signature checks, and
// normalization of raw webhook payloads into standard events.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/leadpulse/leadpulse/internal/event"
)

// ErrSignatureInvalid reports a rejected webhook signature. A missing
// signature is invalid, never "skip verification".
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// SendError is returned when a provider send fails (non-2xx or malformed
// response). Retryable distinguishes transient transport/5xx failures from
// permanent 4xx rejections.
type SendError struct {
	Provider   string
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s send: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s send: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

func (e *SendError) Unwrap() error { return e.Err }

// MessageKind selects the outbound content type.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindTemplate    MessageKind = "template"
	KindInteractive MessageKind = "interactive"
)

// TemplateComponent is one variable block of a pre-approved template.
type TemplateComponent struct {
	Type       string              `json:"type"` // header, body, button
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// TemplateParameter is one substitution value inside a component.
type TemplateParameter struct {
	Type string `json:"type"` // text, currency, date_time
	Text string `json:"text,omitempty"`
}

// InteractiveButton is one reply option of an interactive message.
type InteractiveButton struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// SendPayload carries the content for SendMessage. Exactly the fields
// matching the kind are read.
type SendPayload struct {
	Body    string              // text and interactive body
	Buttons []InteractiveButton // interactive only
}

// Adapter is implemented once per messaging platform.
type Adapter interface {
	// SendMessage sends freeform content and returns the provider message id.
	SendMessage(ctx context.Context, to string, kind MessageKind, payload SendPayload) (string, error)

	// SendTemplate sends a pre-approved template.
	SendTemplate(ctx context.Context, to, templateName, language string, components []TemplateComponent) (string, error)

	// ValidateSignature verifies the webhook HMAC over the raw body.
	ValidateSignature(signatureHeader string, body []byte) bool

	// NormalizeWebhook translates a raw webhook body into standard events.
	// Malformed items are skipped, not fatal.
	NormalizeWebhook(body []byte) ([]event.StandardMessageEvent, error)

	// VerifyToken returns the tenant's GET-handshake token.
	VerifyToken() string
}
