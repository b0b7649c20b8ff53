package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/ratelimit"
	"github.com/jervisai/jervis/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client issues authenticated, rate limited, retried HTTP requests on
// behalf of a connection. Retries apply only to transient failures (5xx,
// 429, connection resets); auth failures and other 4xx fail immediately,
// and timeouts are not retried inside a single call since the caller's own
// backoff handles those at a coarser granularity.
type Client struct {
	hc             *http.Client
	limiter        *ratelimit.Limiter
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         zerolog.Logger
}

// New creates a Client with the configured retry budget. MaxAttempts
// counts the initial request plus retries; values below 1 are treated
// as 1, and zero backoff bounds fall back to 500ms/10s.
func New(limiter *ratelimit.Limiter, retry config.HTTPRetryConfig) *Client {
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	initial := time.Duration(retry.InitialBackoffMs) * time.Millisecond
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max := time.Duration(retry.MaxBackoffMs) * time.Millisecond
	if max <= 0 {
		max = 10 * time.Second
	}
	return &Client{
		hc: &http.Client{
			Timeout: defaultTimeout,
		},
		limiter:        limiter,
		maxAttempts:    maxAttempts,
		initialBackoff: initial,
		maxBackoff:     max,
		logger:         log.WithComponent("httpx"),
	}
}

// Do performs an HTTP request authenticated as conn and returns the
// response body. The body is buffered so it can be replayed on retry.
func (c *Client) Do(ctx context.Context, conn *types.Connection, method, url string, body []byte) ([]byte, error) {
	op := fmt.Sprintf("%s %s", method, url)

	if timeout := connTimeout(conn); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result []byte
	attempt := 0
	operation := func() error {
		attempt++
		if c.limiter != nil {
			domain := ratelimit.Domain(url)
			if rl := connRateLimit(conn); rl != nil {
				c.limiter.Configure(domain, rl.MaxRequestsPerSecond, rl.MaxRequestsPerMinute)
			}
			if err := c.limiter.Acquire(ctx, domain); err != nil {
				return backoff.Permanent(types.Transient(op, err))
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(types.Permanent(op, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		applyAuth(req, conn)

		resp, err := c.hc.Do(req)
		if err != nil {
			wrapped := types.Transient(op, err)
			// Timeouts stay transient for the caller's classification but
			// are not worth repeating within this call
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return backoff.Permanent(wrapped)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(wrapped)
			}
			return wrapped
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return types.Transient(op, err)
		}

		if err := c.classifyStatus(op, url, resp.StatusCode, data); err != nil {
			return err
		}

		result = data
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(c.newExponential(), uint64(c.maxAttempts-1)), ctx)

	if err := backoff.Retry(operation, bo); err != nil {
		c.logger.Debug().
			Str("connection", conn.Name).
			Str("url", url).
			Int("attempts", attempt).
			Err(err).
			Msg("HTTP request failed")
		return nil, err
	}
	return result, nil
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, conn *types.Connection, url string, out interface{}) error {
	data, err := c.Do(ctx, conn, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.Permanent(fmt.Sprintf("GET %s: decode response", url), err)
	}
	return nil
}

// PostJSON issues a POST with a JSON body and decodes the response into
// out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, conn *types.Connection, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return types.Permanent(fmt.Sprintf("POST %s: encode request", url), err)
	}
	data, err := c.Do(ctx, conn, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.Permanent(fmt.Sprintf("POST %s: decode response", url), err)
	}
	return nil
}

// classifyStatus maps a response status onto the error taxonomy. A nil
// return means the response is usable.
func (c *Client) classifyStatus(op, url string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return backoff.Permanent(types.Unauthorized(op, status, errBody(body)))
	case status == http.StatusTooManyRequests:
		if c.limiter != nil {
			c.limiter.Penalize(ratelimit.Domain(url))
		}
		return types.Transient(op, fmt.Errorf("status 429: %v", errBody(body)))
	case status >= 500:
		return types.Transient(op, fmt.Errorf("status %d: %v", status, errBody(body)))
	default:
		return backoff.Permanent(types.Permanent(op, fmt.Errorf("status %d: %v", status, errBody(body))))
	}
}

func applyAuth(req *http.Request, conn *types.Connection) {
	if conn == nil {
		return
	}
	switch conn.Kind {
	case types.ConnectionKindHTTP:
		h := conn.HTTP
		if h == nil {
			return
		}
		switch h.AuthType {
		case types.AuthBasic:
			req.SetBasicAuth(h.Username, h.Secret)
		case types.AuthBearer:
			req.Header.Set("Authorization", "Bearer "+h.Secret)
		case types.AuthAPIKey:
			header := h.APIKeyHdr
			if header == "" {
				header = "X-Api-Key"
			}
			req.Header.Set(header, h.Secret)
		}
	case types.ConnectionKindOAuth2:
		if conn.OAuth2 != nil && conn.OAuth2.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+conn.OAuth2.AccessToken)
		}
	}
}

// connRateLimit returns the connection's rate budget when one is set and
// enabled; nil means the global limiter defaults apply.
func connRateLimit(conn *types.Connection) *types.RateLimitConfig {
	if conn == nil || conn.RateLimit == nil || !conn.RateLimit.Enabled {
		return nil
	}
	return conn.RateLimit
}

func connTimeout(conn *types.Connection) time.Duration {
	if conn != nil && conn.HTTP != nil && conn.HTTP.TimeoutMs > 0 {
		return time.Duration(conn.HTTP.TimeoutMs) * time.Millisecond
	}
	return 0
}

func (c *Client) newExponential() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 2 * time.Minute
	return bo
}

// errBody condenses a response body into an error-sized string.
func errBody(body []byte) error {
	s := string(bytes.TrimSpace(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "(empty body)"
	}
	return fmt.Errorf("%s", s)
}
