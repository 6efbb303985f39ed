package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/navid-fn/marketlens/internal/faulttolerance"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 8 << 20
)

// HTTPConfig configures a provider's REST client.
type HTTPConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration

	// APIKey is sent in APIKeyHeader when both are set.
	APIKey       string
	APIKeyHeader string

	Retry   faulttolerance.RetryConfig
	Breaker faulttolerance.CircuitBreakerConfig
}

func DefaultHTTPConfig(name, baseURL string, requestsPerSecond float64) HTTPConfig {
	return HTTPConfig{
		BaseURL:           baseURL,
		RequestsPerSecond: requestsPerSecond,
		Burst:             5,
		RequestTimeout:    defaultRequestTimeout,
		Retry:             faulttolerance.DefaultRetryConfig(name),
		Breaker: faulttolerance.CircuitBreakerConfig{
			MaxFailures:      5,
			Timeout:          30 * time.Second,
			SuccessThreshold: 1,
			Name:             name,
		},
	}
}

// HTTPClient paces, retries and circuit-breaks calls to one provider.
type HTTPClient struct {
	name    string
	baseURL string
	cfg     HTTPConfig

	client  *http.Client
	limiter *rate.Limiter
	retryer *faulttolerance.Retryer
	breaker *faulttolerance.CircuitBreaker
	logger  logrus.FieldLogger
}

func NewHTTPClient(name string, cfg HTTPConfig, logger logrus.FieldLogger) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = name
	}
	cfg.Retry.ShouldRetry = Retryable
	cfg.Retry.DelayHint = RetryAfter
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = name
	}
	// a 4xx says the request was wrong, not that the provider is down
	cfg.Breaker.IsFailure = Retryable

	return &HTTPClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		retryer: faulttolerance.NewRetryer(cfg.Retry, logger),
		breaker: faulttolerance.NewCircuitBreaker(cfg.Breaker, logger),
		logger:  logger,
	}
}

// GetJSON performs GET baseURL+path?query and decodes the body into out.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	err := c.retryer.ExecuteWithCircuitBreaker(ctx, c.breaker, func() error {
		var err error
		body, err = c.get(ctx, endpoint)
		return err
	})
	if err != nil {
		// open breaker and cancellation surface untyped
		var se *Error
		if !errors.As(err, &se) {
			return Unavailable(c.name, err)
		}
		return err
	}

	if err := Decode(body, out); err != nil {
		c.logger.Debugf("[%s] malformed payload from %s: %v", c.name, path, err)
		return Failed(c.name, http.StatusOK, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Unavailable(c.name, fmt.Errorf("rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Failed(c.name, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" && c.cfg.APIKeyHeader != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Unavailable(c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Unavailable(c.name, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		err := &Error{
			Provider:   c.name,
			Kind:       ErrProviderError,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(snippet)),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			err.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, err
	}
	return body, nil
}

// parseRetryAfter accepts the delay-seconds form only.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *HTTPClient) BreakerStats() faulttolerance.BreakerStats {
	return c.breaker.GetStats()
}
