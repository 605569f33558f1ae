// Package scorer implements the client for the external ML scoring
// service: an opaque synchronous predictor. A failure or timeout always
// yields probability 0; errors never propagate to the dispatcher.
package scorer

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client calls the ML scorer's single prediction endpoint.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// Config configures the scorer client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient builds a scorer client with a hard request timeout.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		http:   resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(timeout),
		logger: logger.With("component", "scorer-client"),
	}
}

type scoreRequest struct {
	TokenMint string `json:"tokenMint"`
	EventTime int64  `json:"eventTime"`
}

type scoreResponse struct {
	Probability float64 `json:"probability"`
}

// Score returns the model's probability for the given token at the given
// trade time. On any error or timeout it logs a warning and returns
// probability 0 — a scorer failure must never block the dispatch pipeline.
func (c *Client) Score(ctx context.Context, tokenMint string, eventTime time.Time) float64 {
	var out scoreResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(scoreRequest{TokenMint: tokenMint, EventTime: eventTime.Unix()}).
		SetResult(&out).
		Post("/score")
	if err != nil {
		c.logger.Warn("ml scorer call failed, using probability 0", "tokenMint", tokenMint, "error", err)
		return 0
	}
	if resp.IsError() {
		c.logger.Warn("ml scorer returned error status, using probability 0", "tokenMint", tokenMint, "status", resp.StatusCode())
		return 0
	}
	return out.Probability
}
