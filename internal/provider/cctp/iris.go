package cctp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// DefaultIrisURL is Circle's mainnet attestation service.
const DefaultIrisURL = "https://iris-api.circle.com"

// IrisConfig configures the attestation client.
type IrisConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Attestation is the response of GET /v1/attestations/{messageHash}.
type Attestation struct {
	Status      string `json:"status"`
	Attestation string `json:"attestation"`
	Error       string `json:"error"`
}

// Complete reports whether Circle has signed the message.
func (a Attestation) Complete() bool { return a.Status == "complete" && a.Attestation != "" }

// IrisClient fetches CCTP attestations.
type IrisClient struct {
	cfg     IrisConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var notFound = regexp.MustCompile(`(?i)not found`)

func NewIrisClient(cfg IrisConfig, logger *slog.Logger) *IrisClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultIrisURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &IrisClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger.With(slog.String("component", "iris")),
	}
}

// Fetch returns the attestation for messageHash. A message Circle has not
// seen yet comes back as status "pending".
func (c *IrisClient) Fetch(ctx context.Context, messageHash string) (Attestation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Attestation{}, fmt.Errorf("iris: rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/attestations/"+messageHash, nil)
	if err != nil {
		return Attestation{}, fmt.Errorf("iris: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Attestation{}, fmt.Errorf("iris: %s: %w", messageHash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Attestation{Status: "pending"}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Attestation{}, fmt.Errorf("iris: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Attestation{}, fmt.Errorf("iris: status %d: %w", resp.StatusCode, domain.ErrExternalAPI)
	}

	var a Attestation
	if err := json.Unmarshal(body, &a); err != nil {
		return Attestation{}, fmt.Errorf("iris: decode: %w", err)
	}
	if a.Error != "" {
		if notFound.MatchString(a.Error) {
			return Attestation{Status: "pending"}, nil
		}
		return Attestation{}, fmt.Errorf("iris: %s: %w", a.Error, domain.ErrExternalAPI)
	}
	return a, nil
}
