// Package http is the rate-limited, retrying transport shared by every
// component that talks to a file host. All request variants funnel through
// one retry wrapper so 429 handling, backoff, and failure classification are
// uniform, and every outbound request start draws from a process-wide token
// bucket.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hostget/hostget/internal/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 300 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	maxConnsPerHost       = 16

	// maxRetryWait caps both exponential backoff and Retry-After hints.
	maxRetryWait = 60 * time.Second

	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	defaultDownloadName = "download"
)

// Config tunes the shared transport.
type Config struct {
	RequestsPerSecond float64
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	TotalTimeout      time.Duration
	MaxRetries        int
	UserAgent         string
}

// DefaultConfig returns the stock transport tuning.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		ConnectTimeout:    defaultConnectTimeout,
		ReadTimeout:       defaultReadTimeout,
		MaxRetries:        3,
		UserAgent:         DefaultUserAgent,
	}
}

// Client executes HTTP requests with retry, backoff, and a shared outbound
// rate limit. Safe for concurrent use.
type Client struct {
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
}

// ProbeInfo is the result of a metadata-only request.
type ProbeInfo struct {
	Size          int64
	AcceptsRanges bool
	Filename      string
}

// NewClient creates a client with tuned transport settings: proxy from the
// environment, keep-alive dialing, no transparent compression.
func NewClient(cfg Config) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.TotalTimeout,
		},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Get performs a GET request. The caller owns the response body.
func (c *Client) Get(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, urlStr, nil, headers)
	})
}

// GetText performs a GET request and returns the body as text.
func (c *Client) GetText(ctx context.Context, urlStr string, headers map[string]string) (string, error) {
	resp, err := c.Get(ctx, urlStr, headers)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ClassifyError(err)
	}

	return string(body), nil
}

// GetJSON performs a GET request and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, urlStr string, headers map[string]string, v any) error {
	resp, err := c.Get(ctx, urlStr, headers)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}

	return nil
}

// Post sends body with the given content type. The body is a byte slice so
// the request can be rebuilt on retry. The caller owns the response body.
func (c *Client) Post(ctx context.Context, urlStr, contentType string, body []byte, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, urlStr, bytes.NewReader(body), headers)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", contentType)

		return req, nil
	})
}

// PostJSON marshals payload as the request body and decodes the JSON
// response into v.
func (c *Client) PostJSON(ctx context.Context, urlStr string, payload, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, urlStr, bytes.NewReader(body), nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")

		return req, nil
	})
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}

	return nil
}

// Head performs a HEAD request. The caller owns the response body.
func (c *Client) Head(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodHead, urlStr, nil, headers)
	})
}

// Probe issues a metadata-only request: content length, whether byte ranges
// are supported, and a filename hint from Content-Disposition.
func (c *Client) Probe(ctx context.Context, urlStr string, headers map[string]string) (*ProbeInfo, error) {
	resp, err := c.Head(ctx, urlStr, headers)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}

	info := &ProbeInfo{
		Size:          size,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		Filename:      FilenameFromResponse(resp),
	}

	logger.Debugf("Probe %s: size=%d ranges=%v", urlStr, info.Size, info.AcceptsRanges)

	return info, nil
}

// do runs one request through the uniform retry loop.
//
// 429 waits on the Retry-After hint (capped) or the exponential schedule and
// fails with a RateLimitError after exhaustion. Other 4xx fail immediately.
// Network errors and 5xx retry with exponential backoff plus jitter.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var (
		lastErr        error
		lastRetryAfter time.Duration
		rateLimited    bool
		wait           time.Duration
	)

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			lastErr = ClassifyError(err)
			rateLimited = false
			wait = c.backoff(attempt)

			logger.Debugf("Request %s failed (%v), retrying in %v", req.URL, lastErr, wait)

			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			closeBody(resp)

			lastErr = ErrTooManyRequests
			rateLimited = true

			if retryAfter > 0 {
				lastRetryAfter = retryAfter
				wait = retryAfter
			} else {
				wait = c.backoff(attempt)
			}

			logger.Warnf("Rate limited by %s, waiting %v", req.URL.Host, wait)

		case resp.StatusCode >= http.StatusInternalServerError:
			closeBody(resp)

			lastErr = ErrServerProblem
			rateLimited = false
			wait = c.backoff(attempt)

			logger.Debugf("Server error %d from %s, retrying in %v", resp.StatusCode, req.URL.Host, wait)

		case resp.StatusCode >= http.StatusBadRequest:
			closeBody(resp)
			return nil, ClassifyHTTPError(resp.StatusCode)

		default:
			return resp, nil
		}
	}

	if rateLimited {
		return nil, &RateLimitError{RetryAfter: lastRetryAfter, Err: lastErr}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.cfg.MaxRetries+1, lastErr)
}

// backoff computes the exponential retry delay with jitter, capped at
// maxRetryWait.
func (c *Client) backoff(attempt int) time.Duration {
	delay := time.Second << uint(attempt)
	if delay > maxRetryWait || delay <= 0 {
		delay = maxRetryWait
	}

	jitter := 0.9 + 0.2*rand.Float64()

	return time.Duration(float64(delay) * jitter)
}

func (c *Client) newRequest(ctx context.Context, method, urlStr string, body io.Reader, headers map[string]string) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		logger.Errorf("Failed to create %s request for %s: %v", method, urlStr, err)
		return nil, fmt.Errorf("%w: %w", ErrRequestCreation, err)
	}

	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

// parseRetryAfter reads a Retry-After header as delay seconds, capped at
// maxRetryWait. HTTP-date forms and garbage yield zero.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}

	d := time.Duration(seconds) * time.Second
	if d > maxRetryWait {
		d = maxRetryWait
	}

	return d
}

// FilenameFromResponse extracts a filename from the Content-Disposition
// header, a filename query parameter, or the URL path.
func FilenameFromResponse(resp *http.Response) string {
	if name, ok := filenameFromContentDisposition(resp.Header.Get("Content-Disposition")); ok {
		return name
	}

	u := resp.Request.URL
	if qname := u.Query().Get("filename"); qname != "" {
		return qname
	}

	base := path.Base(u.Path)
	if base != "" && base != "/" && base != "." {
		return base
	}

	return defaultDownloadName
}

func filenameFromContentDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name, ok := params["filename"]; ok {
			return name, true
		}

		if name, ok := params["filename*"]; ok {
			return name, true
		}
	}

	return "", false
}

func closeBody(resp *http.Response) {
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)); err != nil {
		logger.Debugf("Failed to drain response body: %v", err)
	}

	if err := resp.Body.Close(); err != nil {
		logger.Warnf("Failed to close response body: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
