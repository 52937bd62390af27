package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/logger"
)

// Client delivers one message to one address over the configured webhook.
// Retry, batching and rate limiting are the dispatcher's job, so the
// client does exactly one HTTP call per Send.
type Client struct {
	httpClient *resty.Client
	channelURL string
}

type SendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

type SendReceipt struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func NewClient(cfg environments.ChannelConfig) *Client {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("x-channel-auth-key", cfg.AuthKey)

	return &Client{
		httpClient: client,
		channelURL: cfg.URL,
	}
}

// Send posts one (address, subject, body) triple to the channel. A non-202
// response is a typed failure; the caller records it as a recipient-level
// outcome.
func (c *Client) Send(ctx context.Context, address, subject, body string) (*SendReceipt, error) {
	payload := SendRequest{
		To:      address,
		Subject: subject,
		Content: body,
	}

	var receipt SendReceipt

	startTime := time.Now()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&receipt).
		Post(c.channelURL)

	duration := time.Since(startTime)

	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	logger.Debugf("Channel request to %s completed in %v (status: %d)", c.channelURL, duration, resp.StatusCode())

	if resp.StatusCode() != http.StatusAccepted {
		return nil, fmt.Errorf("unexpected status code: %d (expected 202), body: %s", resp.StatusCode(), resp.String())
	}

	return &receipt, nil
}

func (c *Client) GetURL() string {
	return c.channelURL
}
