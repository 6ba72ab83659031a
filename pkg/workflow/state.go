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

// Package workflow is the graph engine: nodes transform a WorkflowState,
// every transition is checkpointed, and risky transitions suspend until a
// human approves.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/maestro/pkg/llm"
)

// Status of a workflow.
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is an immutable work submission.
type Task struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Context     map[string]any `json:"context,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Message is one conversation turn carried in the state.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
}

// State is the object threaded through the graph. Nodes mutate their own
// copy; the engine persists a checkpoint after every transition.
type State struct {
	TaskID            string            `json:"task_id"`
	ThreadID          string            `json:"thread_id"`
	Description       string            `json:"description"`
	Priority          string            `json:"priority"`
	Context           map[string]any    `json:"context,omitempty"`
	NodeName          string            `json:"node_name"`
	Messages          []Message         `json:"messages"`
	ToolSelection     []string          `json:"tool_selection,omitempty"`
	Artifacts         map[string]string `json:"artifacts,omitempty"`
	ApprovalRequestID string            `json:"approval_request_id,omitempty"`
	Status            Status            `json:"status"`
	CheckpointID      string            `json:"checkpoint_id,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// NewState creates the entry state for a task.
func NewState(task Task, threadID string) *State {
	return &State{
		TaskID:      task.TaskID,
		ThreadID:    threadID,
		Description: task.Description,
		Priority:    task.Priority,
		Context:     task.Context,
		Status:      StatusRunning,
		Messages: []Message{
			{Role: "user", Content: task.Description},
		},
		Artifacts: make(map[string]string),
	}
}

// Serialize encodes the state for the checkpoint store.
func (s *State) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workflow state: %w", err)
	}
	return data, nil
}

// DeserializeState decodes a stored state.
func DeserializeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize workflow state: %w", err)
	}
	return &s, nil
}

// Clone deep-copies the state so node functions never alias checkpointed
// snapshots.
func (s *State) Clone() *State {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.ToolSelection = append([]string(nil), s.ToolSelection...)
	if s.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(s.Artifacts))
		for k, v := range s.Artifacts {
			out.Artifacts[k] = v
		}
	}
	if s.Context != nil {
		out.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// AppendMessage adds a turn to the conversation.
func (s *State) AppendMessage(role, content string, toolCalls ...llm.ToolCall) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, ToolCalls: toolCalls})
}

// LastMessage returns the newest message, or a zero Message when empty.
func (s *State) LastMessage() Message {
	if len(s.Messages) == 0 {
		return Message{}
	}
	return s.Messages[len(s.Messages)-1]
}
