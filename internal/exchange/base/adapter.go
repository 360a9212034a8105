// Package base provides the HTTP/signing/rate-limiting scaffolding shared
// by every concrete exchange adapter.
package base

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"github.com/posedge/engine/internal/core"
)

// SignRequestFunc mutates req (headers and/or query string) to carry the
// exchange's required authentication signature over body.
type SignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc maps a non-2xx response body to a DomainError, or nil if
// it does not recognize the shape (the caller falls back to a generic
// HTTP-status error).
type ParseErrorFunc func(statusCode int, body []byte) error

// Config is the subset of exchange connection settings every adapter needs,
// independent of the richer internal/config.ExchangeConfig the host loads.
type Config struct {
	BaseURL        string
	WSBaseURL      string
	APIKey         string
	SecretKey      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Adapter holds the machinery common to all exchange adapters: a rate
// limited HTTP client and pluggable signing/error-parsing hooks the
// concrete exchange fills in.
type Adapter struct {
	Name       string
	Config     Config
	Logger     core.ILogger
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	pipeline   failsafe.Executor[*http.Response]

	SignRequest SignRequestFunc
	ParseError  ParseErrorFunc
}

// New builds an Adapter with a pooled HTTP client and an outbound token
// bucket limiter. Concrete adapters (e.g. binance.Exchange) embed this and
// set SignRequest/ParseError to their exchange-specific behavior.
func New(name string, cfg Config, logger core.ILogger) *Adapter {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 25
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 30
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(200*time.Millisecond, 4*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Adapter{
		Name:   name,
		Config: cfg,
		Logger: logger.WithField("exchange", name),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		pipeline: failsafe.With[*http.Response](retryPolicy, breaker),
	}
}

// Do executes a signed HTTP request against the exchange, respecting the
// rate limiter and translating non-2xx responses via ParseError.
func (a *Adapter) Do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	if err := a.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait cancelled: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if a.SignRequest != nil {
		if err := a.SignRequest(req, body); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := a.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return a.HTTPClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if a.ParseError != nil {
			if parsed := a.ParseError(resp.StatusCode, respBody); parsed != nil {
				return nil, parsed
			}
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
