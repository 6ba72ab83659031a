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

// Package bus provides the asynchronous event bus used for inter-agent
// notifications and approval events.
//
// Delivery is best-effort and at-most-once per local subscriber. Events of
// one type reach a single subscriber in emission order; no ordering is
// guaranteed across types or subscribers. An optional remote transport fans
// events out to other processes over a shared pub/sub channel with
// origin-node loop prevention.
package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// Event types used by the core.
const (
	EventTaskDelegated    = "task.delegated"
	EventTaskAccepted     = "task.accepted"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventResourceLocked   = "resource.locked"
	EventResourceUnlocked = "resource.unlocked"
	EventAgentStatus      = "agent.status_change"
	EventApprovalRequest  = "approval_request"
	EventApprovalDecision = "approval_decision"
)

// Decision values carried by approval_decision events.
const (
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionCancelled = "cancelled"
)

// Event is the unit of communication on the bus. The wire format for remote
// fan-out is the JSON encoding of this struct.
type Event struct {
	ID            string         `json:"event_id"`
	Type          string         `json:"event_type"`
	Source        string         `json:"source"`
	Target        string         `json:"target,omitempty"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority"`
	OriginNode    string         `json:"origin_node,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(eventType, source string, payload map[string]any) Event {
	if payload == nil {
		payload = make(map[string]any)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// DecodePayload decodes the event payload into a typed struct.
// Field matching follows mapstructure conventions (json tag names honored).
func (e Event) DecodePayload(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(e.Payload)
}
