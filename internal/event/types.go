// Package event defines the normalized message event that flows between the
// webhook ingress, the queues, and the workers. Provider adapters produce
// these events; nothing downstream ever touches a provider wire format.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type classifies what a webhook item represents.
type Type string

const (
	TypeMessage Type = "message"
	TypeStatus  Type = "status"
	TypeUnknown Type = "unknown"
)

// Direction tells whether the event entered or left the platform.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// PayloadKind discriminates the Payload union.
type PayloadKind string

const (
	PayloadText        PayloadKind = "text"
	PayloadInteractive PayloadKind = "interactive"
	PayloadMedia       PayloadKind = "media"
	PayloadStatus      PayloadKind = "status"
)

// TextPayload is a plain text message body.
type TextPayload struct {
	Body string `json:"body"`
}

// InteractivePayload is a button/list reply. ReplyID carries the provider's
// identifier for the selected option.
type InteractivePayload struct {
	ReplyID string `json:"reply_id"`
	Title   string `json:"title"`
}

// MediaPayload references provider-hosted media. The binary is never fetched
// by the pipeline; the orchestrator only sees the caption.
type MediaPayload struct {
	MediaID  string `json:"media_id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// StatusPayload is a delivery receipt for a previously sent message.
type StatusPayload struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"` // sent, delivered, read, failed
}

// Payload is a tagged union over the message subtypes. Exactly one of the
// pointer fields matching Kind is set.
type Payload struct {
	Kind        PayloadKind         `json:"kind"`
	Text        *TextPayload        `json:"text,omitempty"`
	Interactive *InteractivePayload `json:"interactive,omitempty"`
	Media       *MediaPayload       `json:"media,omitempty"`
	Status      *StatusPayload      `json:"status,omitempty"`
}

// Body returns the human-readable content of the payload, empty for payloads
// that carry none (statuses, media without caption).
func (p Payload) Body() string {
	switch p.Kind {
	case PayloadText:
		if p.Text != nil {
			return p.Text.Body
		}
	case PayloadInteractive:
		if p.Interactive != nil {
			return p.Interactive.Title
		}
	case PayloadMedia:
		if p.Media != nil {
			return p.Media.Caption
		}
	}
	return ""
}

// StandardMessageEvent is the provider-agnostic representation of one webhook
// item. Immutable once produced by an adapter's NormalizeWebhook.
type StandardMessageEvent struct {
	Type       Type            `json:"type"`
	Direction  Direction       `json:"direction"`
	ExternalID string          `json:"external_id"` // provider message id, dedupe key
	From       string          `json:"from"`        // sender phone number
	Timestamp  time.Time       `json:"timestamp"`
	TenantID   string          `json:"tenant_id"`
	CampaignID string          `json:"campaign_id,omitempty"`
	Payload    Payload         `json:"payload"`
	Raw        json.RawMessage `json:"raw,omitempty"` // original provider item, opaque
}

// Validate checks the fields the pipeline depends on.
func (e StandardMessageEvent) Validate() error {
	if e.Type == TypeUnknown {
		return fmt.Errorf("event type unknown")
	}
	if e.ExternalID == "" {
		return fmt.Errorf("event missing external id")
	}
	if e.TenantID == "" {
		return fmt.Errorf("event missing tenant id")
	}
	if e.Type == TypeMessage && e.From == "" {
		return fmt.Errorf("message event missing sender")
	}
	return nil
}
