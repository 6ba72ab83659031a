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

package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

// maxWebhookBody bounds the approval webhook payload.
const maxWebhookBody = 64 * 1024

// approvalWebhookPayload is the signed portion of the webhook body. Field
// order is fixed; SignApprovalPayload serializes exactly this struct.
type approvalWebhookPayload struct {
	RequestID     string `json:"request_id"`
	Decision      string `json:"decision"`
	DecidedBy     string `json:"decided_by"`
	Justification string `json:"justification,omitempty"`
}

type approvalWebhookRequest struct {
	approvalWebhookPayload
	Signature string `json:"signature"`
}

// SignApprovalPayload computes the hex HMAC-SHA256 signature callers must
// place in the webhook body. The signed bytes are the canonical JSON of the
// payload fields without the signature itself.
func SignApprovalPayload(secret string, requestID, decision, decidedBy, justification string) string {
	body, _ := json.Marshal(approvalWebhookPayload{
		RequestID:     requestID,
		Decision:      decision,
		DecidedBy:     decidedBy,
		Justification: justification,
	})
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) handleApprovalWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Validation, "failed to read request body", err))
		return
	}

	var req approvalWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, errkind.Wrap(errkind.Validation, "invalid request body", err))
		return
	}
	if req.RequestID == "" || req.Decision == "" || req.DecidedBy == "" {
		writeError(w, errkind.New(errkind.Validation, "request_id, decision, and decided_by are required"))
		return
	}

	want := SignApprovalPayload(s.opts.SharedSecret,
		req.RequestID, req.Decision, req.DecidedBy, req.Justification)
	if !hmac.Equal([]byte(want), []byte(req.Signature)) {
		writeError(w, errkind.New(errkind.PermissionDenied, "signature mismatch"))
		return
	}

	if err := s.opts.Approvals.RecordDecision(r.Context(),
		req.RequestID, req.Decision, req.DecidedBy, req.Justification); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
