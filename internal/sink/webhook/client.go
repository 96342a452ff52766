// Package webhook delivers events to a Discord-compatible chat webhook.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/metrics"
	"github.com/developingchet/keygate/internal/sink"
)

// respBufPool reuses response body buffers across concurrent requests.
var respBufPool = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 4096)) },
}

const (
	defaultUsername       = "keygate"
	defaultTimeout        = 10 * time.Second
	defaultMaxRetries     = 3
	defaultInitialBackoff = 2 * time.Second
	maxRetryAfter         = 60 * time.Second
)

// ClientConfig holds configuration for the webhook client.
type ClientConfig struct {
	URL      string
	Username string
	// Timeout bounds each HTTP attempt. Zero uses the default.
	Timeout time.Duration
	// MaxRetries and InitialBackoff tune retries on network errors and 5xx
	// responses. Zero uses the defaults.
	MaxRetries     int
	InitialBackoff time.Duration
}

// Client implements sink.Sink for a chat webhook.
type Client struct {
	url            string
	username       string
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	httpClient     *http.Client
}

// Compile-time interface check.
var _ sink.Sink = (*Client)(nil)

// ErrRejected is returned for responses that retrying cannot fix.
var ErrRejected = errors.New("webhook rejected the request")

// NewClient creates a new webhook sink client.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		url:            cfg.URL,
		username:       cfg.Username,
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
	if c.username == "" {
		c.username = defaultUsername
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = defaultInitialBackoff
	}
	return c
}

func (c *Client) Name() string { return "webhook" }

// Notify posts e as an embed, retrying transient failures.
func (c *Client) Notify(ctx context.Context, e *sink.Event) error {
	body, err := json.Marshal(buildPayload(c.username, e))
	if err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}

	backoff := c.initialBackoff
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		code, resp, hdr, err := c.post(ctx, body)
		last := attempt == c.maxRetries

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				metrics.NotifyErrors.WithLabelValues("timeout").Inc()
				return ctx.Err()
			}
			metrics.NotifyErrors.WithLabelValues("network").Inc()
			if last {
				return fmt.Errorf("all %d attempts failed for event=%s: %w", c.maxRetries, e.ID, err)
			}
			wait = backoff

		case code >= 200 && code < 300:
			metrics.NotificationsSent.Inc()
			log.Debug().Str("event", e.ID).Str("kind", string(e.Kind)).Msg("notified")
			return nil

		case code == http.StatusTooManyRequests:
			metrics.NotifyErrors.WithLabelValues("rate_limit").Inc()
			wait = retryAfter(hdr, resp)
			log.Warn().Dur("sleep", wait).Msg("webhook rate-limited")
			if last {
				return fmt.Errorf("rate limited for event=%s", e.ID)
			}

		case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
			metrics.NotifyErrors.WithLabelValues("auth").Inc()
			log.Error().Int("http", code).Msg("webhook unauthorized or deleted -- verify NOTIFY_WEBHOOK_URL")
			return fmt.Errorf("%w: http %d", ErrRejected, code)

		case code < 500:
			metrics.NotifyErrors.WithLabelValues("http").Inc()
			return fmt.Errorf("%w: http %d: %s", ErrRejected, code, bytes.TrimSpace(resp))

		default:
			metrics.NotifyErrors.WithLabelValues("http").Inc()
			log.Warn().Int("http", code).Str("event", e.ID).Msg("unexpected response")
			if last {
				return fmt.Errorf("unexpected http %d for event=%s", code, e.ID)
			}
			wait = backoff
		}

		log.Warn().
			Int("attempt", attempt).
			Int("max", c.maxRetries).
			Dur("wait", wait).
			Str("event", e.ID).
			Msg("retry")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	return fmt.Errorf("all %d attempts exhausted for event=%s", c.maxRetries, e.ID)
}

func (c *Client) post(ctx context.Context, body []byte) (int, []byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	buf := respBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer respBufPool.Put(buf)
	_, _ = io.Copy(buf, io.LimitReader(resp.Body, 4096))
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return resp.StatusCode, out, resp.Header, nil
}

// Healthy checks that the webhook exists. Discord answers GET on a webhook
// URL with its metadata without posting anything.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("webhook: invalid or deleted webhook (%d)", resp.StatusCode)
	}
	return nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// retryAfter reads the wait from a 429 response: the JSON retry_after field
// (seconds, fractional), else the Retry-After header, else one second.
// The result is capped at one minute.
func retryAfter(h http.Header, body []byte) time.Duration {
	var d time.Duration
	var parsed struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.RetryAfter > 0 {
		d = time.Duration(math.Ceil(parsed.RetryAfter * float64(time.Second)))
	} else if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			d = time.Duration(math.Ceil(secs * float64(time.Second)))
		}
	}
	if d <= 0 {
		d = time.Second
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
