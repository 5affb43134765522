// Package transport performs the network exchange with the remote sync
// endpoint: bounded retries with exponential backoff, each attempt guarded by
// the circuit breaker.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/roach88/stepsync/internal/breaker"
	"github.com/roach88/stepsync/internal/record"
)

// Header names sent with every sync request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSyncRound      = "X-Sync-Round"
)

// SyncPath is the path of the sync endpoint relative to the base URL.
const SyncPath = "/sync"

// maxErrorBody caps how much of a failure response is kept in the error.
const maxErrorBody = 512

// TokenSource returns the bearer token for a request. An empty token sends
// no Authorization header.
type TokenSource func(ctx context.Context) (string, error)

// Result is a successful exchange.
type Result struct {
	Response       record.SyncResponse
	Attempts       int
	IdempotencyKey string
}

// Client sends sync requests. It is safe for concurrent use.
type Client struct {
	endpoint   string
	httpClient *http.Client
	breaker    *breaker.Breaker
	retry      RetryConfig
	limiter    *rate.Limiter
	sleeper    Sleeper
	token      TokenSource
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Default: http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryConfig sets the retry policy. Default: DefaultRetryConfig().
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) {
		c.retry = rc
	}
}

// WithSleeper replaces the timer used between attempts.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		c.sleeper = s
	}
}

// WithToken sends a static bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = func(context.Context) (string, error) { return token, nil }
	}
}

// WithTokenSource fetches the bearer token before every attempt.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.token = ts
	}
}

// WithRateLimit caps outbound attempts per second. Zero or negative means
// unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client for the endpoint base URL. When b is nil, a breaker
// with DefaultConfig is created. Either way, only retryable failures count
// against the circuit.
func New(endpoint string, b *breaker.Breaker, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	syncURL, err := url.JoinPath(endpoint, SyncPath)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	c := &Client{
		endpoint:   syncURL,
		httpClient: http.DefaultClient,
		retry:      DefaultRetryConfig(),
		limiter:    rate.NewLimiter(rate.Inf, 0),
		sleeper:    timerSleeper{},
		token:      func(context.Context) (string, error) { return "", nil },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if b == nil {
		b = breaker.New(breaker.DefaultConfig(),
			breaker.WithLogger(c.logger),
			breaker.WithFailurePredicate(countsAgainstCircuit))
	}
	c.breaker = b
	if c.retry.MaxRetries < 1 {
		c.retry.MaxRetries = 1
	}
	return c, nil
}

// FailurePredicate is the breaker option callers should use when they build
// the breaker themselves.
func FailurePredicate() breaker.Option {
	return breaker.WithFailurePredicate(countsAgainstCircuit)
}

// Breaker returns the breaker guarding this client.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// SyncWithRetry submits steps and an optional resolution map. It makes at
// most MaxRetries attempts, waiting Backoff(n) after failed attempt n. Only
// KindTransport failures are retried; a circuit rejection ends the call at
// once. On exhaustion the last error is returned.
func (c *Client) SyncWithRetry(ctx context.Context, round string, steps []record.StepRecord, res record.ResolutionMap) (*Result, error) {
	req := record.SyncRequest{Steps: steps, Resolution: res}
	if req.Steps == nil {
		req.Steps = []record.StepRecord{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Err: fmt.Errorf("encode request: %w", err)}
	}
	key, err := record.RequestDigest(req)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var resp record.SyncResponse
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			resp, err = c.post(ctx, round, key, body)
			return err
		})
		if err == nil {
			c.logger.Debug("sync exchange succeeded",
				"round", round,
				"attempt", attempt,
				"steps", len(steps),
				"conflicts", len(resp.Conflicts),
			)
			return &Result{Response: resp, Attempts: attempt, IdempotencyKey: key}, nil
		}

		if errors.Is(err, breaker.ErrOpen) {
			return nil, &Error{Kind: KindCircuitOpen, Err: err}
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		delay := c.retry.Backoff(attempt)
		c.logger.Warn("sync attempt failed, retrying",
			"round", round,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// post performs one HTTP exchange.
func (c *Client) post(ctx context.Context, round, key string, body []byte) (record.SyncResponse, error) {
	var out record.SyncResponse

	if c.retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retry.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return out, &Error{Kind: KindRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderIdempotencyKey, key)
	if round != "" {
		req.Header.Set(HeaderSyncRound, round)
	}

	token, err := c.token(ctx)
	if err != nil {
		return out, &Error{Kind: KindUnauthenticated, Err: fmt.Errorf("token: %w", err)}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return out, err
		}
		return out, &Error{Kind: KindTransport, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return out, statusError(httpResp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return out, &Error{Kind: KindRejected, Status: httpResp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}
