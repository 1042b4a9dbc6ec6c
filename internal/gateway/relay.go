// ABOUTME: HTTP relay from the gateway to the persistence REST API
// ABOUTME: Bounded timeout so a stalled backend cannot block socket handling

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/classhive/chat-gateway/internal/chat"
)

// SendMessageRequest is the body relayed to the persistence API
type SendMessageRequest struct {
	Content     string `json:"content,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
}

// Relay issues authenticated calls from the gateway to the persistence API.
// Every call carries the originating socket's bearer credential and is bounded
// by the configured timeout.
type Relay struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewRelay creates a relay against the given API base URL. Pass nil logger
// for default.
func NewRelay(baseURL string, timeout time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Relay{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "relay"),
	}
}

// SendMessage posts a message to the persistence API under the caller's
// credential and returns the canonical envelope on success. Any non-2xx
// response is a failure.
func (r *Relay) SendMessage(token string, conversationID int64, req *SendMessageRequest) (*chat.Envelope, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := fmt.Sprintf("%s/conversations/%d/messages", r.baseURL, conversationID)
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling persistence API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("persistence API returned %d", resp.StatusCode)
	}

	var envelope chat.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &envelope, nil
}
