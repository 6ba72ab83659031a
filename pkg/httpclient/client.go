// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient is a retrying HTTP client for upstream APIs that rate
// limit. Retry delays honor provider rate-limit headers when a parser is
// configured, falling back to exponential backoff.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RateLimitInfo is what a header parser extracts from a throttled response.
type RateLimitInfo struct {
	RetryAfter time.Duration
	ResetTime  int64
}

// HeaderParser extracts rate-limit hints from response headers.
type HeaderParser func(http.Header) RateLimitInfo

// RetryableError is returned when retries are exhausted.
type RetryableError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Client wraps http.Client with status-aware retries.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser HeaderParser
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithHeaderParser(parser HeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

// New creates a client. Defaults: 60s timeout, 3 retries, 1s base delay.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryable statuses: throttling and transient server errors.
func retryable(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Do executes the request, retrying retryable statuses. The request context
// bounds the whole sequence including backoff sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			// Transport errors are not retried here; the caller decides.
			return nil, err
		}
		if resp.StatusCode < 400 || !retryable(resp.StatusCode) {
			return resp, nil
		}

		lastResp = resp
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)

		if attempt == c.maxRetries {
			break
		}

		delay := c.delayFor(resp, attempt)
		resp.Body.Close()
		slog.Debug("Retrying HTTP request",
			"status", resp.StatusCode, "delay", delay, "attempt", attempt+1, "max", c.maxRetries)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return lastResp, &RetryableError{
		StatusCode: lastResp.StatusCode,
		Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
		Err:        lastErr,
	}
}

// delayFor prefers the provider's rate-limit hints over exponential backoff.
func (c *Client) delayFor(resp *http.Response, attempt int) time.Duration {
	if c.headerParser != nil {
		info := c.headerParser(resp.Header)
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if d := time.Until(time.Unix(info.ResetTime, 0)); d > 0 {
				return d
			}
		}
	}
	return time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
}
