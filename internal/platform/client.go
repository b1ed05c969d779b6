// Package platform is the HTTP client for the remote device-management platform:
// OAuth client-credentials, rate limiting, retries with backoff and error classification.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"fleetsync/internal/metrics"
)

const (
	AuthModeForm  = "form"
	AuthModeBasic = "basic"

	tokenExpiryMargin = 60 * time.Second
	maxBackoff        = 30 * time.Second
	maxResponseBytes  = 8 << 20
)

type Config struct {
	BaseURL        string
	TokenURL       string // defaults to BaseURL + "/oauth/token"
	ClientID       string
	ClientSecret   string
	AuthMode       string // form | basic
	Scopes         []string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBase      time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Client is safe for concurrent use; construct it once and share it.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	tokens  *tokenCache
	log     log.Interface
}

func New(cfg Config, logger log.Interface) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TokenURL == "" && cfg.BaseURL != "" {
		cfg.TokenURL = cfg.BaseURL + "/oauth/token"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.Log
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.WithField("component", "platform"),
	}
	c.tokens = &tokenCache{newSource: func() oauth2.TokenSource {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		if cfg.AuthMode == AuthModeBasic {
			cc.AuthStyle = oauth2.AuthStyleInHeader
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		return oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), tokenExpiryMargin)
	}}
	return c, nil
}

// tokenCache holds the shared token source; reset drops it so the next call fetches a fresh token.
type tokenCache struct {
	mu        sync.Mutex
	newSource func() oauth2.TokenSource
	src       oauth2.TokenSource
}

func (t *tokenCache) token() (*oauth2.Token, error) {
	t.mu.Lock()
	if t.src == nil {
		t.src = t.newSource()
	}
	src := t.src
	t.mu.Unlock()
	return src.Token()
}

func (t *tokenCache) reset() {
	t.mu.Lock()
	t.src = nil
	t.mu.Unlock()
}

type request struct {
	step        string
	method      string
	path        string
	body        []byte
	contentType string
}

func jsonRequest(step, method, path string, v any) (request, error) {
	r := request{step: step, method: method, path: path}
	if v == nil {
		return r, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return r, fmt.Errorf("platform %s: encode body: %w", step, err)
	}
	r.body, r.contentType = b, "application/json"
	return r, nil
}

// Configured reports whether a base URL was set. An unconfigured client fails every call
// with ErrNotConfigured.
func (c *Client) Configured() bool { return c.cfg.BaseURL != "" }

// do executes one logical call: refreshes the token once on 401 and retries 429/5xx
// and transport errors with exponential backoff. The returned body is the 2xx response.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	cid := uuid.NewString()
	start := time.Now()
	refreshed := false
	status := 0
	defer func() {
		metrics.PlatformRequests.WithLabelValues(r.step, strconv.Itoa(status)).Inc()
		metrics.PlatformLatency.WithLabelValues(r.step).Observe(time.Since(start).Seconds())
	}()
	if !c.Configured() {
		return nil, c.fail(r, cid, KindRequest, 0, nil, ErrNotConfigured)
	}
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.fail(r, cid, KindTransport, 0, nil, err)
		}
		tok, err := c.tokens.token()
		if err != nil {
			return nil, c.tokenError(r, cid, err)
		}
		var body io.Reader
		if r.body != nil {
			body = bytes.NewReader(r.body)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, c.cfg.BaseURL+r.path, body)
		if err != nil {
			return nil, c.fail(r, cid, KindRequest, 0, nil, err)
		}
		if r.contentType != "" {
			req.Header.Set("Content-Type", r.contentType)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", cid)
		tok.SetAuthHeader(req)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil || attempt >= c.cfg.MaxAttempts {
				return nil, c.fail(r, cid, KindTransport, 0, nil, err)
			}
			c.retryWait(ctx, r, cid, attempt, "", err.Error())
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		status = resp.StatusCode

		switch {
		case status >= 200 && status < 300:
			if readErr != nil {
				return nil, c.fail(r, cid, KindTransport, status, nil, readErr)
			}
			return data, nil
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			c.tokens.reset()
			c.log.WithFields(log.Fields{"step": r.step, "correlation_id": cid}).Warn("platform returned 401, refreshing token")
			attempt--
			continue
		case (status == http.StatusTooManyRequests || status >= 500) && attempt < c.cfg.MaxAttempts:
			if err := c.retryWait(ctx, r, cid, attempt, resp.Header.Get("Retry-After"), strconv.Itoa(status)); err != nil {
				return nil, c.fail(r, cid, KindTransport, status, data, err)
			}
			continue
		}
		return nil, c.fail(r, cid, classify(r.path, status, data), status, data, nil)
	}
}

func (c *Client) retryWait(ctx context.Context, r request, cid string, attempt int, retryAfter, reason string) error {
	wait := backoff(c.cfg.RetryBase, attempt, retryAfter)
	metrics.PlatformRetries.WithLabelValues(r.step).Inc()
	c.log.WithFields(log.Fields{
		"step":           r.step,
		"attempt":        attempt,
		"reason":         reason,
		"wait_ms":        wait.Milliseconds(),
		"correlation_id": cid,
	}).Warn("retrying platform request")
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff doubles base per attempt, capped at 30s; a Retry-After header (seconds or HTTP date) wins when larger.
func backoff(base time.Duration, attempt int, retryAfter string) time.Duration {
	exp := math.Min(float64(attempt-1), 16)
	d := time.Duration(float64(base) * math.Pow(2, exp))
	if ra := parseRetryAfter(retryAfter); ra > d {
		d = ra
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) fail(r request, cid string, kind Kind, status int, body []byte, err error) *Error {
	e := &Error{Kind: kind, Step: r.step, Method: r.method, Path: r.path, Status: status, CorrelationID: cid, Sample: sample(body), Err: err}
	c.log.WithFields(log.Fields{
		"step":           r.step,
		"status":         status,
		"kind":           string(kind),
		"correlation_id": cid,
	}).Debug("platform request failed")
	return e
}

func (c *Client) tokenError(r request, cid string, err error) *Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client" || status == http.StatusUnauthorized {
			return c.fail(r, cid, KindAuth, status, re.Body,
				fmt.Errorf("token endpoint rejected client credentials (%s); check the platform client id, secret and auth mode", re.ErrorCode))
		}
		return c.fail(r, cid, KindAuth, status, re.Body, err)
	}
	return c.fail(r, cid, KindTransport, 0, nil, err)
}
