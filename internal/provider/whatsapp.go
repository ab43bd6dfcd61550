package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/leadpulse/leadpulse/internal/event"
	"github.com/leadpulse/leadpulse/internal/store"
)

const (
	ProviderWhatsAppCloud = "whatsapp_cloud"

	defaultGraphAPIVersion = "v20.0"
	defaultGraphBaseURL    = "https://graph.facebook.com"

	// Cloud API allows ~80 msg/s per number; stay well under it.
	sendRatePerSecond = 20
	sendBurst         = 10
)

// WhatsAppAdapter talks to the WhatsApp Cloud API (Graph) for one
// (tenant, campaign) channel. Credentials come from the channel record and
// never leave this adapter.
type WhatsAppAdapter struct {
	channel store.CampaignChannel
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWhatsAppAdapter creates an adapter for one channel.
func NewWhatsAppAdapter(ch store.CampaignChannel) *WhatsAppAdapter {
	return &WhatsAppAdapter{
		channel: ch,
		baseURL: defaultGraphBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst),
	}
}

// WithBaseURL overrides the Graph endpoint (tests).
func (a *WhatsAppAdapter) WithBaseURL(u string) *WhatsAppAdapter {
	a.baseURL = strings.TrimRight(u, "/")
	return a
}

func (a *WhatsAppAdapter) VerifyToken() string { return a.channel.VerifyToken }

func (a *WhatsAppAdapter) apiVersion() string {
	if v := strings.TrimSpace(a.channel.APIVersion); v != "" {
		return v
	}
	return defaultGraphAPIVersion
}

func (a *WhatsAppAdapter) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", a.baseURL, a.apiVersion(), a.channel.PhoneNumberID)
}

// SendMessage sends freeform text or interactive content.
func (a *WhatsAppAdapter) SendMessage(ctx context.Context, to string, kind MessageKind, payload SendPayload) (string, error) {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
	}
	switch kind {
	case KindText:
		body["type"] = "text"
		body["text"] = map[string]any{"body": payload.Body}
	case KindInteractive:
		buttons := make([]map[string]any, 0, len(payload.Buttons))
		for _, b := range payload.Buttons {
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]string{"id": b.ID, "title": b.Title},
			})
		}
		body["type"] = "interactive"
		body["interactive"] = map[string]any{
			"type":   "button",
			"body":   map[string]string{"text": payload.Body},
			"action": map[string]any{"buttons": buttons},
		}
	default:
		return "", fmt.Errorf("unsupported message kind %q", kind)
	}
	return a.post(ctx, body)
}

// SendTemplate sends a pre-approved template, permitted regardless of the
// freeform window.
func (a *WhatsAppAdapter) SendTemplate(ctx context.Context, to, templateName, language string, components []TemplateComponent) (string, error) {
	if language == "" {
		language = "en"
	}
	tpl := map[string]any{
		"name":     templateName,
		"language": map[string]string{"code": language},
	}
	if len(components) > 0 {
		tpl["components"] = components
	}
	return a.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template":          tpl,
	})
}

func (a *WhatsAppAdapter) post(ctx context.Context, body map[string]any) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", &SendError{Provider: ProviderWhatsAppCloud, Retryable: true, Err: err}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", &SendError{Provider: ProviderWhatsAppCloud, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.messagesURL(), bytes.NewReader(raw))
	if err != nil {
		return "", &SendError{Provider: ProviderWhatsAppCloud, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.channel.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &SendError{Provider: ProviderWhatsAppCloud, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &SendError{
			Provider:   ProviderWhatsAppCloud,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &SendError{Provider: ProviderWhatsAppCloud, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", &SendError{Provider: ProviderWhatsAppCloud, Err: fmt.Errorf("no message id in response")}
	}
	return parsed.Messages[0].ID, nil
}

// ValidateSignature checks the X-Hub-Signature-256 HMAC over the raw body
// using the channel's app secret. Missing or malformed headers are invalid.
func (a *WhatsAppAdapter) ValidateSignature(signatureHeader string, body []byte) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || a.channel.AppSecret == "" {
		return false
	}
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.channel.AppSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// webhookPayload mirrors the Cloud API webhook envelope. Only the fields the
// pipeline reads are declared; everything else rides along in Raw.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []json.RawMessage `json:"messages"`
				Statuses []json.RawMessage `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image    *webhookMedia `json:"image"`
	Audio    *webhookMedia `json:"audio"`
	Video    *webhookMedia `json:"video"`
	Document *webhookMedia `json:"document"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// NormalizeWebhook classifies every webhook item as a message or status
// event. Items it cannot parse are logged and skipped so one malformed entry
// never poisons a whole delivery.
func (a *WhatsAppAdapter) NormalizeWebhook(body []byte) ([]event.StandardMessageEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}

	var events []event.StandardMessageEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, raw := range change.Value.Messages {
				ev, ok := a.normalizeMessage(raw)
				if !ok {
					continue
				}
				events = append(events, ev)
			}
			for _, raw := range change.Value.Statuses {
				ev, ok := a.normalizeStatus(raw)
				if !ok {
					continue
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func (a *WhatsAppAdapter) normalizeMessage(raw json.RawMessage) (event.StandardMessageEvent, bool) {
	var m webhookMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" || m.From == "" {
		slog.Warn("whatsapp: skipping malformed message entry", "error", err)
		return event.StandardMessageEvent{}, false
	}

	var payload event.Payload
	switch m.Type {
	case "text":
		payload = event.Payload{Kind: event.PayloadText, Text: &event.TextPayload{Body: m.Text.Body}}
	case "interactive":
		reply := m.Interactive.ButtonReply
		if m.Interactive.Type == "list_reply" {
			reply = m.Interactive.ListReply
		}
		payload = event.Payload{Kind: event.PayloadInteractive, Interactive: &event.InteractivePayload{
			ReplyID: reply.ID,
			Title:   reply.Title,
		}}
	case "image", "audio", "video", "document":
		media := m.Image
		switch m.Type {
		case "audio":
			media = m.Audio
		case "video":
			media = m.Video
		case "document":
			media = m.Document
		}
		if media == nil {
			slog.Warn("whatsapp: media message without media block", "id", m.ID, "type", m.Type)
			return event.StandardMessageEvent{}, false
		}
		payload = event.Payload{Kind: event.PayloadMedia, Media: &event.MediaPayload{
			MediaID:  media.ID,
			MimeType: media.MimeType,
			Caption:  media.Caption,
		}}
	default:
		slog.Warn("whatsapp: skipping unsupported message type", "id", m.ID, "type", m.Type)
		return event.StandardMessageEvent{}, false
	}

	direction := event.DirectionInbound
	if m.From == a.channel.BusinessNumber {
		direction = event.DirectionOutbound
	}

	return event.StandardMessageEvent{
		Type:       event.TypeMessage,
		Direction:  direction,
		ExternalID: m.ID,
		From:       m.From,
		Timestamp:  parseUnixTimestamp(m.Timestamp),
		TenantID:   a.channel.TenantID,
		CampaignID: a.channel.CampaignID,
		Payload:    payload,
		Raw:        raw,
	}, true
}

func (a *WhatsAppAdapter) normalizeStatus(raw json.RawMessage) (event.StandardMessageEvent, bool) {
	var s webhookStatus
	if err := json.Unmarshal(raw, &s); err != nil || s.ID == "" || s.Status == "" {
		slog.Warn("whatsapp: skipping malformed status entry", "error", err)
		return event.StandardMessageEvent{}, false
	}
	return event.StandardMessageEvent{
		Type:       event.TypeStatus,
		Direction:  event.DirectionOutbound,
		ExternalID: fmt.Sprintf("%s:%s", s.ID, s.Status), // one event per transition
		From:       s.RecipientID,
		Timestamp:  parseUnixTimestamp(s.Timestamp),
		TenantID:   a.channel.TenantID,
		CampaignID: a.channel.CampaignID,
		Payload: event.Payload{Kind: event.PayloadStatus, Status: &event.StatusPayload{
			ProviderMessageID: s.ID,
			Status:            s.Status,
		}},
		Raw: raw,
	}, true
}

func parseUnixTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
