// Package ai is the client for the external chat-completion collaborator.
// The pipeline only depends on the Chat contract; prompt construction happens
// upstream of this package.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ExternalServiceError reports an AI collaborator failure after the client's
// own retries are exhausted.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s: status=%d", e.Service, e.StatusCode)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Role of one chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Chatter is the collaborator contract the orchestrator consumes.
type Chatter interface {
	GetChatResponse(ctx context.Context, tenantID, systemPrompt string, messages []Message) (string, error)
}

// RetryConfig bounds the client's internal retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig retries transient failures twice with short backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	apiKey      string
	apiBase     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	retryConfig RetryConfig
}

// NewClient creates a chat client. apiBase defaults to the OpenAI endpoint.
func NewClient(apiKey, apiBase, model string) *Client {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &Client{
		apiKey:      apiKey,
		apiBase:     strings.TrimRight(apiBase, "/"),
		model:       model,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

// WithRetryConfig overrides the retry policy (tests).
func (c *Client) WithRetryConfig(rc RetryConfig) *Client {
	c.retryConfig = rc
	return c
}

// WithGeneration sets the completion token cap and sampling temperature.
// Zero values are omitted from requests so the backend's defaults apply.
func (c *Client) WithGeneration(maxTokens int, temperature float64) *Client {
	c.maxTokens = maxTokens
	c.temperature = temperature
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// GetChatResponse returns the assistant text for the given context. Transient
// failures are retried with exponential backoff; the final failure surfaces
// as *ExternalServiceError.
func (c *Client) GetChatResponse(ctx context.Context, tenantID, systemPrompt string, messages []Message) (string, error) {
	req := chatRequest{Model: c.model, MaxTokens: c.maxTokens, Temperature: c.temperature}
	if systemPrompt != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	req.Messages = append(req.Messages, messages...)

	var lastErr error
	delay := c.retryConfig.BaseDelay
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		text, retryable, err := c.doChat(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable || attempt == c.retryConfig.MaxAttempts {
			break
		}
		slog.Warn("ai: chat attempt failed, retrying",
			"tenant", tenantID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", &ExternalServiceError{Service: "ai chat", Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}

	var svcErr *ExternalServiceError
	if errors.As(lastErr, &svcErr) {
		return "", lastErr
	}
	return "", &ExternalServiceError{Service: "ai chat", Err: lastErr}
}

func (c *Client) doChat(ctx context.Context, req chatRequest) (text string, retryable bool, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", retryableStatus(resp.StatusCode), &ExternalServiceError{
			Service:    "ai chat",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(respBody))),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", false, fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), false, nil
}
