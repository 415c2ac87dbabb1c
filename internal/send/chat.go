package send

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookChat posts channel messages to a chat provider's webhook endpoint.
// Sends are rate limited so a large fan-out does not trip provider limits.
type WebhookChat struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhookChat(url, token string, ratePerSec int) *WebhookChat {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &WebhookChat{
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

type chatMessage struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

func (c *WebhookChat) SendChannelMessage(ctx context.Context, channelID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(chatMessage{Channel: channelID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: chat webhook returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat webhook returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
