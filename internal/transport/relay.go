package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Relay is a transport backed by a relay server's HTTP API
type Relay struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
	logger     *slog.Logger
}

// RelayOptions configures the relay transport
type RelayOptions struct {
	BaseURL string
	APIKey  string
	From    string // sender address registered with the relay
	Timeout time.Duration
}

// NewRelay creates a relay transport
func NewRelay(opts RelayOptions, logger *slog.Logger) *Relay {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Relay{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		from:    opts.From,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}
}

type relaySendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    string   `json:"html,omitempty"`
}

type relayQuotaResponse struct {
	Remaining int `json:"remaining"`
}

type relayErrorResponse struct {
	Error string `json:"error"`
}

// Send submits one message to the relay
func (c *Relay) Send(ctx context.Context, msg *Message) error {
	req := relaySendRequest{
		From:    formatFrom(c.from, msg.DisplayName),
		To:      []string{msg.To},
		CC:      msg.CC,
		BCC:     msg.BCC,
		Subject: msg.Subject,
		Body:    msg.Text,
		HTML:    msg.HTML,
	}

	if err := c.request(ctx, http.MethodPost, "/api/v1/send", req, nil); err != nil {
		return &DeliveryError{Message: fmt.Sprintf("relay send failed: %v", err)}
	}
	return nil
}

// RemainingDailyQuota queries the relay for its remaining daily allowance
func (c *Relay) RemainingDailyQuota(ctx context.Context) (int, error) {
	var resp relayQuotaResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/quota", nil, &resp); err != nil {
		return 0, fmt.Errorf("relay quota query failed: %w", err)
	}
	return resp.Remaining, nil
}

// request performs an HTTP request to the relay API
func (c *Relay) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp relayErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errResp.Error)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// formatFrom renders a From header value with an optional display name
func formatFrom(email, name string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}
