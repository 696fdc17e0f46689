package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reviewrelay/reviewrelay/internal/models"
)

const apiPrefix = "/api/v4"

// ClientConfig binds a Client to one connection's host and credential.
type ClientConfig struct {
	Host     string
	AuthType string // models.AuthTypePAT or models.AuthTypeOAuth
	Token    string

	// Refresh performs a reactive token refresh on 401 and returns the new
	// access token. Leave nil for PAT connections.
	Refresh func(ctx context.Context) (string, error)
}

// Client issues authenticated calls to one host through the shared
// Gateway. Safe for concurrent use.
type Client struct {
	gw       *Gateway
	host     string
	hostKey  string
	authType string
	refresh  func(ctx context.Context) (string, error)

	mu    sync.RWMutex
	token string
}

// Client builds a Client for the given connection credential. When
// AuthType is empty it falls back to a token-prefix heuristic: GitLab
// personal tokens start with "glpat-".
func (g *Gateway) Client(cfg ClientConfig) *Client {
	authType := cfg.AuthType
	if authType == "" {
		if strings.HasPrefix(cfg.Token, "glpat-") {
			authType = models.AuthTypePAT
		} else {
			authType = models.AuthTypeOAuth
		}
	}
	return &Client{
		gw:       g,
		host:     strings.TrimRight(cfg.Host, "/"),
		hostKey:  hostKey(cfg.Host),
		authType: authType,
		refresh:  cfg.Refresh,
		token:    cfg.Token,
	}
}

// Host returns the client's base host URL.
func (c *Client) Host() string { return c.host }

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Do executes one API call. GET responses are deduplicated: a second
// caller issuing an identical in-flight (method, url) request awaits the
// first caller's result instead of reaching the network.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	fullURL := c.host + apiPrefix + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	if !c.gw.breaker.Allow(c.hostKey) {
		c.gw.metrics.observeError(method, path, "circuit_open")
		return &CircuitOpenError{Host: c.hostKey}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	var raw []byte
	var err error
	if method == http.MethodGet {
		key := method + " " + fullURL
		shared, sfErr, _ := c.gw.group.Do(key, func() (any, error) {
			return c.execute(ctx, method, path, fullURL, payload)
		})
		if sfErr != nil {
			return sfErr
		}
		raw = shared.([]byte)
	} else {
		raw, err = c.execute(ctx, method, path, fullURL, payload)
		if err != nil {
			return err
		}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if b, ok := out.(*[]byte); ok {
		// Raw (non-JSON) responses, e.g. repository file content.
		*b = append((*b)[:0], raw...)
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}

// execute runs the attempt loop for one logical call: permit, pacing,
// request, 429 backoff, one reactive refresh on 401.
func (c *Client) execute(ctx context.Context, method, path, fullURL string, payload []byte) ([]byte, error) {
	if err := c.gw.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.gw.sem.Release(1)

	if err := c.gw.pacer(c.hostKey).Wait(ctx); err != nil {
		return nil, err
	}

	ctx, span := c.gw.tracer.Start(ctx, "remote.call")
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.String("net.peer.name", c.hostKey),
	)
	defer span.End()

	start := time.Now()
	refreshed := false
	var finalErr error

	for attempt := 1; attempt <= c.gw.maxAttempts; attempt++ {
		status, raw, err := c.attempt(ctx, method, fullURL, payload)
		if err != nil {
			finalErr = err
			if errors.Is(err, context.DeadlineExceeded) {
				finalErr = &TimeoutError{Host: c.hostKey}
			}
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// Caller cancellation is not a host failure.
				return nil, ctx.Err()
			}
			c.gw.metrics.observeRetry("network")
			if attempt < c.gw.maxAttempts && !c.backoff(ctx, attempt, 0) {
				break
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			c.gw.breaker.AfterSuccess(c.hostKey)
			c.gw.metrics.observeCall(method, path, status, time.Since(start))
			span.SetAttributes(attribute.Int("http.status_code", status))
			return raw, nil

		case status == http.StatusUnauthorized && c.authType == models.AuthTypeOAuth && c.refresh != nil && !refreshed:
			// One reactive refresh, then retry without consuming a slot.
			refreshed = true
			token, refreshErr := c.refresh(ctx)
			if refreshErr != nil {
				c.gw.logger.Warn("reactive token refresh failed", "host", c.hostKey, "error", refreshErr)
				finalErr = &AuthExpiredError{Host: c.hostKey}
				attempt = c.gw.maxAttempts
				continue
			}
			c.setToken(token)
			attempt--
			continue

		case status == http.StatusUnauthorized:
			finalErr = &AuthExpiredError{Host: c.hostKey}
			attempt = c.gw.maxAttempts

		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(raw, status)
			finalErr = &RateLimitedError{Host: c.hostKey, RetryAfter: retryAfter}
			c.gw.metrics.observeRetry("rate_limited")
			if attempt < c.gw.maxAttempts && !c.backoff(ctx, attempt, retryAfter) {
				attempt = c.gw.maxAttempts
			}

		default:
			finalErr = &UpstreamError{Host: c.hostKey, Status: status, Body: truncateBody(raw)}
			if status < 500 {
				// Client errors will not improve on retry.
				attempt = c.gw.maxAttempts
			} else {
				c.gw.metrics.observeRetry("upstream")
				if attempt < c.gw.maxAttempts && !c.backoff(ctx, attempt, 0) {
					attempt = c.gw.maxAttempts
				}
			}
		}
	}

	if countsAsHostFailure(finalErr) {
		c.gw.breaker.AfterFailure(c.hostKey)
	}
	c.gw.metrics.observeCall(method, path, 0, time.Since(start))
	c.gw.metrics.observeError(method, path, errorReason(finalErr))
	span.SetStatus(codes.Error, errorReason(finalErr))
	if finalErr == nil {
		finalErr = fmt.Errorf("call to %s failed", c.hostKey)
	}
	return nil, finalErr
}

// attempt issues a single HTTP request under the gateway timeout. A 429's
// Retry-After header is smuggled back through the body slot to keep the
// signature small; see parseRetryAfter.
func (c *Client) attempt(ctx context.Context, method, fullURL string, payload []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.gw.requestTimeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "reviewrelay/1.0")

	token := c.currentToken()
	if c.authType == models.AuthTypePAT {
		req.Header.Set("Private-Token", token)
	} else {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.gw.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if after := resp.Header.Get("Retry-After"); after != "" {
			raw = []byte(after)
		}
	}
	return resp.StatusCode, raw, nil
}

// backoff sleeps for the 429's Retry-After when given, else for the
// exponential delay for this attempt. Returns false if the context ended.
func (c *Client) backoff(ctx context.Context, attempt int, retryAfter time.Duration) bool {
	delay := retryAfter
	if delay <= 0 {
		delay = c.gw.backoffBase << uint(attempt-1)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func parseRetryAfter(raw []byte, status int) time.Duration {
	if status != http.StatusTooManyRequests {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncateBody(raw []byte) string {
	const maxLen = 512
	body := strings.TrimSpace(string(raw))
	if len(body) > maxLen {
		return body[:maxLen]
	}
	return body
}

func errorReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case IsCircuitOpen(err):
		return "circuit_open"
	default:
		var (
			rle *RateLimitedError
			aee *AuthExpiredError
			toe *TimeoutError
			ue  *UpstreamError
		)
		switch {
		case errors.As(err, &rle):
			return "rate_limited"
		case errors.As(err, &aee):
			return "auth_expired"
		case errors.As(err, &toe):
			return "timeout"
		case errors.As(err, &ue):
			return "upstream"
		}
		return "network"
	}
}
