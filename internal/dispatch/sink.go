package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/statalert/escalation-engine/internal/directory"
	"github.com/statalert/escalation-engine/internal/models"
)

// Delivery is one delivery request: a single recipient on a single channel
// for a single lifecycle event.
type Delivery struct {
	Recipient directory.Contact `json:"recipient"`
	Channel   string            `json:"channel"`
	Address   string            `json:"address,omitempty"`
	Event     models.Event      `json:"event"`
	Alert     *models.Alert     `json:"alert"`
}

// Sink is one transport provider (push, SMS, voice, email, ...). Enqueue
// returns nil once the request has been accepted for delivery; actual
// delivery and per-message retry are the provider's concern.
type Sink interface {
	Enqueue(ctx context.Context, d Delivery) error
}

// LogSink accepts every delivery and records it. The default sink for
// channels with no configured transport.
type LogSink struct{}

func (LogSink) Enqueue(ctx context.Context, d Delivery) error {
	slog.Info("delivery enqueued",
		"alert_id", d.Event.AlertID,
		"event", d.Event.Type,
		"channel", d.Channel,
		"recipient", d.Recipient.Name)
	return nil
}

// WebhookSink forwards delivery requests as JSON to an HTTP endpoint, for
// deployments that front their paging providers with a relay.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Enqueue(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("error encoding delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("error posting delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook rejected delivery: status %d", resp.StatusCode)
	}
	return nil
}
