// Package lifi rebalances through the LiFi DEX and bridge aggregator.
package lifi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// DefaultBaseURL is the public LiFi API.
const DefaultBaseURL = "https://li.quest"

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Integrator string
	// RequestsPerSecond throttles calls from this process.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client is a thin LiFi REST client. Calls are throttled locally and, when a
// shared limiter is set, across processes.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	shared  domain.RateLimiter
	logger  *slog.Logger
}

// NewClient creates a Client. shared may be nil.
func NewClient(cfg ClientConfig, shared domain.RateLimiter, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		shared:  shared,
		logger:  logger.With(slog.String("component", "lifi_client")),
	}
}

// QuoteRequest is the input of GET /v1/quote.
type QuoteRequest struct {
	FromChain   int64
	ToChain     int64
	FromToken   string
	ToToken     string
	FromAmount  string
	FromAddress string
	ToAddress   string
	// Slippage is a fraction, e.g. 0.005. Zero leaves the API default.
	Slippage float64
}

// TransactionRequest is the ready-to-sign transaction in a quote.
type TransactionRequest struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit string `json:"gasLimit,omitempty"`
	ChainID  int64  `json:"chainId"`
}

// Estimate is the priced part of a quote.
type Estimate struct {
	FromAmount      string `json:"fromAmount"`
	ToAmount        string `json:"toAmount"`
	ToAmountMin     string `json:"toAmountMin"`
	ApprovalAddress string `json:"approvalAddress"`
	// ExecutionDuration is in seconds.
	ExecutionDuration float64 `json:"executionDuration"`
}

// Quote is the response of GET /v1/quote.
type Quote struct {
	ID                 string             `json:"id"`
	Tool               string             `json:"tool"`
	Estimate           Estimate           `json:"estimate"`
	TransactionRequest TransactionRequest `json:"transactionRequest"`
}

// Status is the response of GET /v1/status.
type Status struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus"`
	Receiving struct {
		TxHash string `json:"txHash"`
		Amount string `json:"amount"`
	} `json:"receiving"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Quote requests a single-step quote.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	q := url.Values{}
	q.Set("fromChain", strconv.FormatInt(req.FromChain, 10))
	q.Set("toChain", strconv.FormatInt(req.ToChain, 10))
	q.Set("fromToken", req.FromToken)
	q.Set("toToken", req.ToToken)
	q.Set("fromAmount", req.FromAmount)
	q.Set("fromAddress", req.FromAddress)
	if req.ToAddress != "" {
		q.Set("toAddress", req.ToAddress)
	}
	if req.Slippage > 0 {
		q.Set("slippage", strconv.FormatFloat(req.Slippage, 'f', -1, 64))
	}
	if c.cfg.Integrator != "" {
		q.Set("integrator", c.cfg.Integrator)
	}

	var out Quote
	if err := c.get(ctx, "/v1/quote", q, &out); err != nil {
		return Quote{}, err
	}
	return out, nil
}

// Status reports the progress of a cross-chain transfer by source tx hash.
func (c *Client) Status(ctx context.Context, txHash string, fromChain, toChain int64, bridge string) (Status, error) {
	q := url.Values{}
	q.Set("txHash", txHash)
	q.Set("fromChain", strconv.FormatInt(fromChain, 10))
	q.Set("toChain", strconv.FormatInt(toChain, 10))
	if bridge != "" {
		q.Set("bridge", bridge)
	}
	var out Status
	if err := c.get(ctx, "/v1/status", q, &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("lifi: rate limit: %w", err)
	}
	if c.shared != nil {
		if err := c.shared.Wait(ctx, "lifi"); err != nil {
			return fmt.Errorf("lifi: shared rate limit: %w", err)
		}
	}

	u := c.cfg.BaseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("lifi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-lifi-api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lifi: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("lifi: read %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		return fmt.Errorf("lifi: %s: %s: %w", path, ae.Message, domain.ErrRouteUnavailable)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("lifi: %s: %w", path, domain.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("lifi: %s: status %d: %s: %w", path, resp.StatusCode, truncate(body, 256), domain.ErrExternalAPI)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("lifi: decode %s: %w", path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
