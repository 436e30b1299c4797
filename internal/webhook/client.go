package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"whatsnew/internal/config"
)

var metricNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "whatsnew_notifications_total",
	Help: "The total number of webhook notifications",
}, []string{"webhook", "status"})

// Payload is one matched entry as delivered to a webhook.
type Payload struct {
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	PublishedRaw string `json:"published"`
	Link         string `json:"link"`
}

// Message renders the payload as plain text. The short form carries only
// the title and link.
func (p Payload) Message(format string) string {
	if format == "short" {
		return fmt.Sprintf("Title: %s\nLink: %s\n", p.Title, p.Link)
	}
	return fmt.Sprintf("Title: %s\nSummary: %s\nPublished: %s\nLink: %s\n",
		p.Title, p.Summary, p.PublishedRaw, p.Link)
}

type Client struct {
	client    *http.Client
	userAgent string
}

func NewClient(userAgent string) *Client {
	return &Client{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: userAgent,
	}
}

// DiscordPayload represents the structure for Discord Webhooks
type DiscordPayload struct {
	Content string `json:"content"`
}

// genericPayload adds the rendered message to the raw fields.
type genericPayload struct {
	Payload
	Message string `json:"message"`
}

// Discord rejects content longer than this.
const discordContentLimit = 2000

func (c *Client) newRequest(ctx context.Context, wh config.Webhook, payload Payload) (*http.Request, error) {
	message := payload.Message(wh.MessageFormat)

	switch wh.Provider {
	case "line":
		form := url.Values{"message": {message}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+wh.APIToken)
		return req, nil

	case "discord":
		if r := []rune(message); len(r) > discordContentLimit {
			message = string(r[:discordContentLimit])
		}
		return newJSONRequest(ctx, wh.URL, DiscordPayload{Content: message})

	default:
		return newJSONRequest(ctx, wh.URL, genericPayload{Payload: payload, Message: message})
	}
}

func newJSONRequest(ctx context.Context, target string, v any) (*http.Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// SendWithRateLimit delivers payload to wh and then waits wh.PostInterval
// so that consecutive posts to the same endpoint are spaced out.
func (c *Client) SendWithRateLimit(ctx context.Context, wh config.Webhook, payload Payload) error {
	err := c.send(ctx, wh, payload)

	status := "success"
	if err != nil {
		status = "error"
	}
	metricNotifications.WithLabelValues(wh.Name, status).Inc()

	if err != nil {
		return err
	}

	// Rate Limit Wait
	if wh.PostInterval > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wh.PostInterval):
		}
	}

	return nil
}

func (c *Client) send(ctx context.Context, wh config.Webhook, payload Payload) error {
	req, err := c.newRequest(ctx, wh, payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook responded with status: %d", resp.StatusCode)
	}

	return nil
}
