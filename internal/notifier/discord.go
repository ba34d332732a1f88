package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// RunSummary carries the counters a finished download run reports.
type RunSummary struct {
	RunID     string
	Succeeded int
	Failed    int
	Skipped   int
}

// Notifier delivers download events to an external channel. Implementations
// must be safe for concurrent use; the event consumers call them from
// separate goroutines.
type Notifier interface {
	ItemFailed(ctx context.Context, key string, cause error) error
	RunFinished(ctx context.Context, summary RunSummary) error
}

// DiscordNotifier posts download events to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string

	// Client defaults to http.DefaultClient when nil.
	Client *http.Client
}

func (d *DiscordNotifier) ItemFailed(ctx context.Context, key string, cause error) error {
	return d.post(ctx, fmt.Sprintf("❌ Image download failed for %s: %v", key, cause))
}

func (d *DiscordNotifier) RunFinished(ctx context.Context, summary RunSummary) error {
	return d.post(ctx, fmt.Sprintf(
		"✅ Download run %s finished: %d succeeded, %d failed, %d skipped",
		summary.RunID, summary.Succeeded, summary.Failed, summary.Skipped,
	))
}

func (d *DiscordNotifier) post(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return errors.New("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
