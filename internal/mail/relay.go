package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 15 * time.Second

// RelayClient sends mail through an HTTP relay that accepts JSON {from, to, subject, text}.
type RelayClient struct {
	APIKey     string
	BaseURL    string
	From       string
	HTTPClient *http.Client
}

// NewRelayClient returns a client posting to baseURL with apiKey in the Authorization header.
func NewRelayClient(apiKey, baseURL, from string) *RelayClient {
	return &RelayClient{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		From:       from,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *RelayClient) SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error {
	return c.Send(ctx, magicLinkMessage(to, link, expiresAt))
}

func (c *RelayClient) SendPasskeyAdded(ctx context.Context, to, passkeyName string) error {
	return c.Send(ctx, passkeyAddedMessage(to, passkeyName))
}

func (c *RelayClient) SendPasskeyRemoved(ctx context.Context, to, passkeyName string) error {
	return c.Send(ctx, passkeyRemovedMessage(to, passkeyName))
}

// Send posts msg to the relay. Does not log the message body, which may hold a sign-in link.
func (c *RelayClient) Send(ctx context.Context, msg Message) error {
	if c.BaseURL == "" {
		return fmt.Errorf("mail: relay URL not configured")
	}
	raw, err := json.Marshal(map[string]string{
		"from":    c.From,
		"to":      msg.To,
		"subject": msg.Subject,
		"text":    msg.Text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mail: relay request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}
