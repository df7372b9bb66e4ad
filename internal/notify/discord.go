package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// discordEmbed is the webhook embed object. Discord renders it as a card,
// which reads better in a channel than a markdown blob.
type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL. It
// uses a default HTTP client with a 10-second timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the notification as an embed. Webhooks are rate limited per
// channel; a 429 is retried once after the advertised Retry-After.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(discordPayload{
		Embeds: []discordEmbed{{
			Title:       title,
			Description: message,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	status, respBody, err := d.post(ctx, body)
	if err != nil {
		return err
	}
	if status == http.StatusTooManyRequests {
		if wait := retryAfter(respBody); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			status, respBody, err = d.post(ctx, body)
			if err != nil {
				return err
			}
		}
	}

	// Discord returns 204 No Content on success.
	if status < 200 || status >= 300 {
		return fmt.Errorf("discord: unexpected status %d: %s", status, string(respBody))
	}
	return nil
}

func (d *DiscordSender) post(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, respBody, nil
}

// retryAfter parses the retry_after field of a 429 body. Discord reports
// it in seconds, fractional for webhooks. Waits are capped at 5s; beyond
// that the notification is not worth holding a slot for.
func retryAfter(body []byte) time.Duration {
	var r struct {
		RetryAfter json.Number `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return 0
	}
	secs, err := strconv.ParseFloat(r.RetryAfter.String(), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	wait := time.Duration(secs * float64(time.Second))
	if wait > 5*time.Second {
		return 0
	}
	return wait
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
