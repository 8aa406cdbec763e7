// ABOUTME: Generic webhook channel handler delivering payloads over HTTP POST.
// ABOUTME: The endpoint's {id} response becomes the dispatch id.

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Webhook delivers messages to any backend that accepts a JSON POST. It is
// a generic capability adapter, not a platform protocol implementation.
type Webhook struct {
	name   string
	url    string
	client *http.Client
	logger *slog.Logger
}

// webhookRequest is the JSON body POSTed to the endpoint.
type webhookRequest struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// webhookResponse is the expected (optional) response body.
type webhookResponse struct {
	ID string `json:"id"`
}

// NewWebhook creates a webhook handler posting to url. A zero timeout
// disables the client-side bound; the router's per-channel timeout still
// applies through the request context.
func NewWebhook(name, url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "webhook", "channel", name),
	}
}

// Name implements Handler.
func (w *Webhook) Name() string {
	return w.name
}

// Send implements Handler. Non-2xx responses are errors.
func (w *Webhook) Send(ctx context.Context, target string, payload []byte) (string, error) {
	body, err := json.Marshal(webhookRequest{Target: target, Payload: json.RawMessage(payload)})
	if err != nil {
		return "", fmt.Errorf("encoding webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading webhook response: %w", err)
	}

	var wr webhookResponse
	if err := json.Unmarshal(respBody, &wr); err == nil && wr.ID != "" {
		return wr.ID, nil
	}

	// Endpoint accepted the message but assigned no id.
	id := uuid.New().String()
	w.logger.Debug("webhook response had no id, generated one", "id", id)
	return id, nil
}
