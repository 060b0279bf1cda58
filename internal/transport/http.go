package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// URL is the JSON endpoint receiving request envelopes.
	URL string

	// Username and Password are sent as basic auth when Username is set.
	Username string
	Password string

	// SessionToken, when set, is sent as a bearer token instead.
	SessionToken string

	Timeout    time.Duration
	MaxRetries int

	// RateLimit caps outgoing requests per second. Zero disables it.
	RateLimit float64

	Logger *logrus.Entry
}

// HTTPTransport posts request envelopes to the backend. It handles
// authentication, client-side rate limiting and automatic retry with
// exponential backoff on HTTP 429 and 503.
type HTTPTransport struct {
	url        string
	username   string
	password   string
	token      string
	httpClient *http.Client
	maxRetries int
	limiter    *rate.Limiter
	log        *logrus.Entry
}

// NewHTTPTransport creates a transport for the given endpoint.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTPTransport{
		url:        strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		token:      cfg.SessionToken,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		limiter:    limiter,
		log:        log.WithField("component", "http_transport"),
	}
}

// RoundTrip posts body and returns the response body.
func (t *HTTPTransport) RoundTrip(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, t.url, bytes.NewReader(body),
		)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("Accept", "application/json")
		switch {
		case t.token != "":
			req.Header.Set("Authorization", "Bearer "+t.token)
		case t.username != "":
			req.SetBasicAuth(t.username, t.password)
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request to %s: %w", t.url, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("reading response body: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusServiceUnavailable:
			lastErr = &StatusError{StatusCode: resp.StatusCode}
			if attempt == t.maxRetries {
				continue
			}
			wait := retryAfterDuration(resp, attempt)
			t.log.WithFields(logrus.Fields{
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
				"wait":    wait,
			}).Warn("backend busy, retrying")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
				continue
			}
		case resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden:
			return nil, &AuthError{
				StatusCode: resp.StatusCode,
				Message:    "check the account credentials for " + t.url,
			}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, &StatusError{
				StatusCode: resp.StatusCode,
				Body:       truncate(string(respBody), 512),
			}
		}

		return respBody, nil
	}

	return nil, fmt.Errorf(
		"max retries (%d) exceeded: %w", t.maxRetries, lastErr,
	)
}

const maxBackoff = 30 * time.Second

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// 2^5s already passes the cap; larger shifts would overflow.
	if attempt >= 5 {
		return maxBackoff
	}
	return min(time.Duration(1<<uint(attempt))*time.Second, maxBackoff)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
