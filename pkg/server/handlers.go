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
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/workflow"
)

// orchestrateWait is how long POST /orchestrate waits for a synchronous
// outcome before answering with status running.
const orchestrateWait = 2 * time.Second

// messagesTailSize caps the message list in GET /tasks responses.
const messagesTailSize = 10

type orchestrateRequest struct {
	Description string         `json:"description"`
	Priority    string         `json:"priority,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type orchestrateResponse struct {
	TaskID            string `json:"task_id"`
	Status            string `json:"status"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.Wrap(errkind.Validation, "invalid request body", err))
		return
	}
	if req.Description == "" {
		writeError(w, errkind.New(errkind.Validation, "description is required"))
		return
	}

	task := workflow.Task{
		TaskID:      uuid.New().String(),
		Description: req.Description,
		Priority:    req.Priority,
		Context:     req.Context,
	}

	// The workflow outlives the request; detach from the handler's
	// cancellation but keep its values.
	runCtx := context.WithoutCancel(r.Context())

	done := make(chan *workflow.State, 1)
	fail := make(chan error, 1)
	go func() {
		state, err := s.opts.Engine.Submit(runCtx, task)
		if err != nil {
			fail <- err
			return
		}
		done <- state
	}()

	select {
	case state := <-done:
		writeJSON(w, http.StatusOK, orchestrateResponse{
			TaskID:            state.TaskID,
			Status:            string(state.Status),
			ApprovalRequestID: state.ApprovalRequestID,
		})
	case err := <-fail:
		writeError(w, err)
	case <-time.After(orchestrateWait):
		writeJSON(w, http.StatusAccepted, orchestrateResponse{
			TaskID: task.TaskID,
			Status: string(workflow.StatusRunning),
		})
	}
}

type taskResponse struct {
	TaskID       string             `json:"task_id"`
	Status       string             `json:"status"`
	StateSummary map[string]any     `json:"state_summary"`
	MessagesTail []workflow.Message `json:"messages_tail"`
	Artifacts    map[string]string  `json:"artifacts"`
	RecentEvents []taskEvent        `json:"recent_events,omitempty"`
}

// taskEvent is the debugging view of one recorded bus event.
type taskEvent struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	state, err := s.opts.Engine.GetState(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}

	tail := state.Messages
	if len(tail) > messagesTailSize {
		tail = tail[len(tail)-messagesTailSize:]
	}

	summary := map[string]any{
		"thread_id":     state.ThreadID,
		"node_name":     state.NodeName,
		"checkpoint_id": state.CheckpointID,
	}
	if state.ApprovalRequestID != "" {
		summary["approval_request_id"] = state.ApprovalRequestID
	}
	if state.Error != "" {
		summary["error"] = state.Error
	}

	resp := taskResponse{
		TaskID:       state.TaskID,
		Status:       string(state.Status),
		StateSummary: summary,
		MessagesTail: tail,
		Artifacts:    state.Artifacts,
	}
	if s.opts.Recorder != nil {
		for _, ev := range s.opts.Recorder.ByCorrelation(state.TaskID) {
			resp.RecentEvents = append(resp.RecentEvents, taskEvent{
				Type:      ev.Type,
				Source:    ev.Source,
				Timestamp: ev.Timestamp,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	state, err := s.opts.Engine.Resume(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(state.Status)})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.Body != nil {
		// An empty body means no reason.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	state, err := s.opts.Engine.Cancel(r.Context(), chi.URLParam(r, "taskID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(state.Status)})
}

type healthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Dependencies: map[string]string{}})
		return
	}

	status, deps := s.opts.Health(r.Context())
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Dependencies: deps})
}
