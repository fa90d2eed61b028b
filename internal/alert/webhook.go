package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Webhook posts {message, image_url} to a push-message provider.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewWebhook(url, token string, httpClient *http.Client) *Webhook {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Webhook{url: url, token: token, httpClient: httpClient}
}

type webhookPayload struct {
	Message    string  `json:"message"`
	ImageURL   string  `json:"image_url,omitempty"`
	SessionID  string  `json:"session_id"`
	FrameIndex int     `json:"frame_index"`
	Confidence float64 `json:"confidence"`
}

func (w *Webhook) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(webhookPayload{
		Message:    event.Message,
		ImageURL:   event.ImageURL,
		SessionID:  event.SessionID,
		FrameIndex: event.FrameIndex,
		Confidence: event.Confidence,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", w.token))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
