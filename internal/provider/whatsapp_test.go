package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leadpulse/leadpulse/internal/event"
	"github.com/leadpulse/leadpulse/internal/store"
)

func testChannel() store.CampaignChannel {
	return store.CampaignChannel{
		TenantID:       "t1",
		CampaignID:     "c1",
		Provider:       ProviderWhatsAppCloud,
		AccessToken:    "token",
		PhoneNumberID:  "123456",
		BusinessNumber: "15550009999",
		AppSecret:      "secret",
		VerifyToken:    "verify-me",
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	a := NewWhatsAppAdapter(testChannel())
	body := []byte(`{"entry":[]}`)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", sign("secret", body), true},
		{"wrong secret", sign("other", body), false},
		{"missing header", "", false},
		{"no prefix", hex.EncodeToString([]byte("junk")), false},
		{"not hex", "sha256=zzzz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.ValidateSignature(tt.header, body); got != tt.want {
				t.Errorf("ValidateSignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateSignatureTamperedBody(t *testing.T) {
	a := NewWhatsAppAdapter(testChannel())
	header := sign("secret", []byte(`original`))
	if a.ValidateSignature(header, []byte(`tampered`)) {
		t.Error("signature over a different body must not validate")
	}
}

const webhookFixture = `{
  "entry": [{
    "changes": [{
      "field": "messages",
      "value": {
        "messages": [
          {"from": "15550001111", "id": "wamid.A1", "timestamp": "1717243800",
           "type": "text", "text": {"body": "hello there"}},
          {"from": "15550009999", "id": "wamid.A2", "timestamp": "1717243801",
           "type": "text", "text": {"body": "echo of our own send"}},
          {"from": "15550001111", "id": "wamid.A3", "timestamp": "1717243802",
           "type": "interactive",
           "interactive": {"type": "button_reply",
             "button_reply": {"id": "btn_yes", "title": "Yes please"}}},
          {"from": "15550001111", "id": "wamid.A4", "timestamp": "1717243803",
           "type": "image",
           "image": {"id": "media9", "mime_type": "image/jpeg", "caption": "my setup"}},
          {"from": "15550001111", "id": "", "type": "text", "text": {"body": "malformed"}},
          {"from": "15550001111", "id": "wamid.A5", "timestamp": "1717243804", "type": "sticker"}
        ],
        "statuses": [
          {"id": "wamid.OUT1", "status": "delivered", "timestamp": "1717243805",
           "recipient_id": "15550001111"}
        ]
      }
    }, {
      "field": "account_update",
      "value": {"messages": [{"from": "x", "id": "ignored", "type": "text"}]}
    }]
  }]
}`

func TestNormalizeWebhook(t *testing.T) {
	a := NewWhatsAppAdapter(testChannel())
	events, err := a.NormalizeWebhook([]byte(webhookFixture))
	if err != nil {
		t.Fatal(err)
	}

	// 4 parseable messages + 1 status; the malformed and unsupported entries
	// and the non-message change are skipped.
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	text := events[0]
	if text.Type != event.TypeMessage || text.ExternalID != "wamid.A1" {
		t.Errorf("first event = %+v, want text message wamid.A1", text)
	}
	if text.Direction != event.DirectionInbound {
		t.Errorf("direction = %q, want inbound", text.Direction)
	}
	if text.TenantID != "t1" || text.CampaignID != "c1" {
		t.Errorf("tenant routing = %s/%s, want t1/c1", text.TenantID, text.CampaignID)
	}
	if got := text.Payload.Body(); got != "hello there" {
		t.Errorf("body = %q, want %q", got, "hello there")
	}
	if want := time.Unix(1717243800, 0).UTC(); !text.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", text.Timestamp, want)
	}

	echo := events[1]
	if echo.Direction != event.DirectionOutbound {
		t.Errorf("own-number message direction = %q, want outbound", echo.Direction)
	}

	interactive := events[2]
	if interactive.Payload.Kind != event.PayloadInteractive {
		t.Fatalf("third event kind = %q, want interactive", interactive.Payload.Kind)
	}
	if interactive.Payload.Interactive.ReplyID != "btn_yes" {
		t.Errorf("reply id = %q, want btn_yes", interactive.Payload.Interactive.ReplyID)
	}

	media := events[3]
	if media.Payload.Kind != event.PayloadMedia || media.Payload.Media.MediaID != "media9" {
		t.Errorf("fourth event = %+v, want media media9", media.Payload)
	}

	status := events[4]
	if status.Type != event.TypeStatus {
		t.Fatalf("fifth event type = %q, want status", status.Type)
	}
	if status.ExternalID != "wamid.OUT1:delivered" {
		t.Errorf("status external id = %q, want per-transition key", status.ExternalID)
	}
	if status.Payload.Status.ProviderMessageID != "wamid.OUT1" {
		t.Errorf("provider message id = %q, want wamid.OUT1", status.Payload.Status.ProviderMessageID)
	}
}

func TestNormalizeWebhookBadPayload(t *testing.T) {
	a := NewWhatsAppAdapter(testChannel())
	if _, err := a.NormalizeWebhook([]byte(`{"entry": "nope"`)); err == nil {
		t.Error("truncated payload must fail")
	}
	events, err := a.NormalizeWebhook([]byte(`{}`))
	if err != nil || len(events) != 0 {
		t.Errorf("empty envelope: events=%d err=%v, want 0, nil", len(events), err)
	}
}

func TestSendMessage(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.SENT1"}},
		})
	}))
	defer srv.Close()

	a := NewWhatsAppAdapter(testChannel()).WithBaseURL(srv.URL)
	id, err := a.SendMessage(context.Background(), "15550001111", KindText, SendPayload{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "wamid.SENT1" {
		t.Errorf("id = %q, want wamid.SENT1", id)
	}
	if gotPath != "/v20.0/123456/messages" {
		t.Errorf("path = %q, want /v20.0/123456/messages", gotPath)
	}
	if gotAuth != "Bearer token" {
		t.Errorf("auth = %q, want bearer token", gotAuth)
	}
	if gotBody["type"] != "text" {
		t.Errorf("body type = %v, want text", gotBody["type"])
	}
}

func TestSendTemplate(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.TPL1"}},
		})
	}))
	defer srv.Close()

	a := NewWhatsAppAdapter(testChannel()).WithBaseURL(srv.URL)
	id, err := a.SendTemplate(context.Background(), "15550001111", "welcome", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != "wamid.TPL1" {
		t.Errorf("id = %q, want wamid.TPL1", id)
	}
	tpl := gotBody["template"].(map[string]any)
	if tpl["name"] != "welcome" {
		t.Errorf("template name = %v, want welcome", tpl["name"])
	}
	if lang := tpl["language"].(map[string]any); lang["code"] != "en" {
		t.Errorf("language = %v, want default en", lang["code"])
	}
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":{"message":"nope"}}`, tt.status)
			}))
			defer srv.Close()

			a := NewWhatsAppAdapter(testChannel()).WithBaseURL(srv.URL)
			_, err := a.SendMessage(context.Background(), "15550001111", KindText, SendPayload{Body: "hi"})
			var sendErr *SendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("err = %v, want *SendError", err)
			}
			if sendErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", sendErr.StatusCode, tt.status)
			}
			if sendErr.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", sendErr.Retryable, tt.retryable)
			}
		})
	}
}

func TestSendErrorTransport(t *testing.T) {
	a := NewWhatsAppAdapter(testChannel()).WithBaseURL("http://127.0.0.1:1")
	_, err := a.SendMessage(context.Background(), "15550001111", KindText, SendPayload{Body: "hi"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if !sendErr.Retryable {
		t.Error("transport failure must be retryable")
	}
}
