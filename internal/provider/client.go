// Package provider implements the client for the external blockchain
// index service that supplies webhook payloads and the address-
// registration API. Its construction style (resty + token-bucket rate
// limiting + retry) mirrors the teacher's exchange client.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"copytrade-broker/pkg/types"
)

// Client talks to the blockchain index provider's webhook management API:
// appendAddressesToWebhook, removeAddressesFromWebhook, createWebhook,
// getAllWebhooks.
type Client struct {
	http      *resty.Client
	rl        *webhookRateLimiter
	webhookID string
	dryRun    bool
	logger    *slog.Logger
}

// Config configures the provider client.
type Config struct {
	BaseURL   string
	APIKey    string
	WebhookID string
	DryRun    bool
	Timeout   time.Duration
}

// NewClient builds a provider client with retry and a smooth token-bucket
// limiter, matching the exchange client's construction.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetQueryParam("api-key", cfg.APIKey).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		http:      http,
		rl:        newWebhookRateLimiter(),
		webhookID: cfg.WebhookID,
		dryRun:    cfg.DryRun,
		logger:    logger.With("component", "provider-client"),
	}
}

type webhookPayload struct {
	WebhookURL    string   `json:"webhookURL,omitempty"`
	TransactionTypes []string `json:"transactionTypes,omitempty"`
	AccountAddresses []string `json:"accountAddresses"`
	WebhookType   string   `json:"webhookType,omitempty"`
}

type webhookResponse struct {
	WebhookID        string   `json:"webhookID"`
	AccountAddresses []string `json:"accountAddresses"`
}

// AppendAddresses adds the given addresses to the configured webhook's
// watched set.
func (c *Client) AppendAddresses(ctx context.Context, addresses []string) error {
	for _, a := range addresses {
		if !types.IsValidAddress(a) {
			c.logger.Warn("registering address that does not decode as a 32-byte base58 key", "address", a)
		}
	}

	if c.dryRun {
		c.logger.Info("dry-run: skipping append addresses", "addresses", addresses)
		return nil
	}
	if err := c.rl.Mutate.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(webhookPayload{AccountAddresses: addresses}).
		Put("/webhooks/" + c.webhookID)
	if err != nil {
		return fmt.Errorf("append addresses: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("append addresses: status %d", resp.StatusCode())
	}
	return nil
}

// RemoveAddresses removes the given addresses from the configured
// webhook's watched set.
func (c *Client) RemoveAddresses(ctx context.Context, addresses []string) error {
	if c.dryRun {
		c.logger.Info("dry-run: skipping remove addresses", "addresses", addresses)
		return nil
	}
	if err := c.rl.Mutate.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(webhookPayload{AccountAddresses: addresses}).
		Delete("/webhooks/" + c.webhookID)
	if err != nil {
		return fmt.Errorf("remove addresses: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("remove addresses: status %d", resp.StatusCode())
	}
	return nil
}

// AllAddresses returns the webhook's currently registered addresses, used
// by Registry.SyncWithProvider for reconciliation.
func (c *Client) AllAddresses(ctx context.Context) ([]string, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var out webhookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/webhooks/" + c.webhookID)
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get webhook: status %d", resp.StatusCode())
	}
	return out.AccountAddresses, nil
}

// CreateWebhook registers a new webhook with the provider for the given
// addresses and transaction types.
func (c *Client) CreateWebhook(ctx context.Context, url string, types []string, addresses []string, webhookType string) (string, error) {
	if err := c.rl.Mutate.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	var out webhookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(webhookPayload{
			WebhookURL:       url,
			TransactionTypes: types,
			AccountAddresses: addresses,
			WebhookType:      webhookType,
		}).
		SetResult(&out).
		Post("/webhooks")
	if err != nil {
		return "", fmt.Errorf("create webhook: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("create webhook: status %d", resp.StatusCode())
	}
	return out.WebhookID, nil
}

// GetAllWebhooks lists every webhook registered under the account.
func (c *Client) GetAllWebhooks(ctx context.Context) ([]webhookResponse, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var out []webhookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/webhooks")
	if err != nil {
		return nil, fmt.Errorf("get all webhooks: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get all webhooks: status %d", resp.StatusCode())
	}
	return out, nil
}
