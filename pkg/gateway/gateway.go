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

// Package gateway is the client for the tool gateway, the single process
// through which every tool invocation flows. A circuit breaker sheds load
// when the gateway is down instead of stalling every workflow on timeouts.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/httpclient"
)

// Invoker executes a named tool with arguments. Implemented by Client and by
// test stubs.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, arguments map[string]any) (*Result, error)
}

// Result is the gateway's answer to one invocation.
type Result struct {
	OK     bool           `json:"ok"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Config configures the gateway client.
type Config struct {
	URL        string `yaml:"url" json:"url"`
	Timeout    int    `yaml:"timeout" json:"timeout"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

// SetDefaults applies defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("gateway url is required")
	}
	return nil
}

// Client invokes tools through the gateway over HTTP.
type Client struct {
	cfg        Config
	httpClient *httpclient.Client
	breaker    *gobreaker.CircuitBreaker
}

type invokeRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// New creates a gateway client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tool-gateway",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Gateway circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		breaker: breaker,
	}, nil
}

// Invoke implements Invoker. Tool-level failures (ok=false) are returned as
// a Result, not an error; only transport and gateway failures error out.
func (c *Client) Invoke(ctx context.Context, toolName string, arguments map[string]any) (*Result, error) {
	if toolName == "" {
		return nil, errkind.New(errkind.Validation, "tool name is required")
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.doInvoke(ctx, toolName, arguments)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, "tool gateway circuit open", err)
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (c *Client) doInvoke(ctx context.Context, toolName string, arguments map[string]any) (*Result, error) {
	data, err := json.Marshal(invokeRequest{ToolName: toolName, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/invoke", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.Timeout, "tool invocation timed out", err)
		}
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "tool gateway unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, errkind.Newf(errkind.UpstreamUnavailable, "tool gateway error: HTTP %d", httpResp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "malformed gateway response", err)
	}
	return &result, nil
}

// Ping checks gateway reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "tool gateway unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.Newf(errkind.UpstreamUnavailable, "tool gateway unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}
