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

package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/httpclient"
)

// UIClient creates records in the external approval UI. The returned
// reference is stored on the request so reviewers can be pointed at it.
type UIClient interface {
	CreateRecord(ctx context.Context, req *Request, description string) (externalRef string, err error)
}

// HTTPUIClient posts approval records to an external review service.
type HTTPUIClient struct {
	url        string
	httpClient *httpclient.Client
}

// NewHTTPUIClient creates a UI client for the given base URL.
func NewHTTPUIClient(url string) *HTTPUIClient {
	return &HTTPUIClient{
		url: url,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
}

// CreateRecord implements UIClient.
func (c *HTTPUIClient) CreateRecord(ctx context.Context, req *Request, description string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"request_id":    req.RequestID,
		"workflow_id":   req.WorkflowID,
		"risk_level":    req.RiskLevel,
		"required_role": req.RequiredRole,
		"expires_at":    req.ExpiresAt,
		"description":   description,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal approval record: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/records", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errkind.Wrap(errkind.UpstreamUnavailable, "approval UI unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read approval UI response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errkind.Newf(errkind.UpstreamUnavailable, "approval UI error: HTTP %d", resp.StatusCode)
	}

	var record struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return "", errkind.Wrap(errkind.UpstreamUnavailable, "malformed approval UI response", err)
	}
	return record.Ref, nil
}

// NoopUIClient is used when no external review service is configured.
// Reviewers decide through the webhook endpoint directly.
type NoopUIClient struct{}

// CreateRecord implements UIClient.
func (NoopUIClient) CreateRecord(_ context.Context, req *Request, _ string) (string, error) {
	return "local:" + req.RequestID, nil
}
