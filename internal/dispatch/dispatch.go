package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier tells a driver about a committed assignment. Delivery happens
// after commit, so a failed notification never undoes the assignment.
type Notifier interface {
	Notify(ctx context.Context, a models.Assignment) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, models.Assignment) error { return nil }

// WebhookNotifier posts assignments to a driver app backend.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

type assignmentEvent struct {
	Type string `json:"type"`
	models.Assignment
}

func (w *WebhookNotifier) Notify(ctx context.Context, a models.Assignment) error {
	b, err := json.Marshal(assignmentEvent{Type: "dispatch.assigned", Assignment: a})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.Endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.Endpoint, resp.StatusCode)
	}
	return nil
}
