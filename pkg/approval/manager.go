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
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/lock"
)

const (
	// lockPrefix scopes per-request locks on the shared lock manager.
	lockPrefix = "approval:"

	// decisionLockTTL bounds how long a decision may hold the request lock.
	decisionLockTTL = 10 * time.Second

	// decisionLockWait is how long contending deciders poll before giving up.
	decisionLockWait = 5 * time.Second
)

// Decision values accepted by RecordDecision.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Metrics are optional approval counters. Nil fields are skipped.
type Metrics struct {
	// Decisions counts finalized requests by outcome: approved, rejected,
	// or expired.
	Decisions *prometheus.CounterVec
}

func (m Metrics) count(outcome string) {
	if m.Decisions != nil {
		m.Decisions.WithLabelValues(outcome).Inc()
	}
}

// Manager is the HITL coordinator: it assesses risk, persists requests,
// notifies the external UI, and arbitrates decisions.
type Manager struct {
	store    Store
	locks    lock.Manager
	events   *bus.Bus
	ui       UIClient
	assessor *Assessor
	nodeID   string
	metrics  Metrics
}

// NewManager wires a manager from its dependencies.
func NewManager(store Store, locks lock.Manager, events *bus.Bus, ui UIClient, assessor *Assessor, nodeID string, metrics Metrics) *Manager {
	if ui == nil {
		ui = NoopUIClient{}
	}
	if assessor == nil {
		assessor = NewAssessor(nil, nil)
	}
	return &Manager{
		store:    store,
		locks:    locks,
		events:   events,
		ui:       ui,
		assessor: assessor,
		nodeID:   nodeID,
		metrics:  metrics,
	}
}

// Assess exposes the risk assessor.
func (m *Manager) Assess(task TaskInfo) Assessment {
	return m.assessor.Assess(task)
}

// CreateRequest assesses the task and opens an approval request when the
// risk is above low. Returns an empty request id for low-risk tasks.
func (m *Manager) CreateRequest(ctx context.Context, workflowID, threadID, checkpointID string, task TaskInfo, agentName string) (string, error) {
	assessment := m.assessor.Assess(task)
	if assessment.Level == RiskLow {
		return "", nil
	}

	now := time.Now().UTC()
	req := &Request{
		RequestID:    uuid.New().String(),
		WorkflowID:   workflowID,
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		AgentName:    agentName,
		RiskLevel:    assessment.Level,
		RequiredRole: assessment.RequiredRole,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(assessment.Timeout),
	}
	if err := m.store.Create(ctx, req); err != nil {
		return "", err
	}

	externalRef, err := m.ui.CreateRecord(ctx, req, task.Description)
	if err != nil {
		// The request stands even when the UI is down; the webhook path
		// still works and the sweeper bounds the wait.
		slog.Warn("Failed to create external approval record",
			"request_id", req.RequestID, "error", err)
	} else if err := m.store.SetExternalRef(ctx, req.RequestID, externalRef); err != nil {
		slog.Warn("Failed to store external approval reference",
			"request_id", req.RequestID, "error", err)
	}

	ev := bus.NewEvent(bus.EventApprovalRequest, m.nodeID, map[string]any{
		"request_id":    req.RequestID,
		"workflow_id":   req.WorkflowID,
		"thread_id":     req.ThreadID,
		"checkpoint_id": req.CheckpointID,
		"risk_level":    string(req.RiskLevel),
		"required_role": string(req.RequiredRole),
		"expires_at":    req.ExpiresAt.Format(time.RFC3339),
	})
	ev.CorrelationID = workflowID
	m.events.Emit(ctx, ev)

	slog.Info("Approval request created",
		"request_id", req.RequestID,
		"workflow_id", workflowID,
		"risk_level", req.RiskLevel,
		"required_role", req.RequiredRole)

	return req.RequestID, nil
}

// RecordDecision finalizes a pending request. Exactly one caller wins; the
// rest see a conflict. Critical requests require a justification.
func (m *Manager) RecordDecision(ctx context.Context, requestID, decision, decidedBy, justification string) error {
	var status Status
	switch decision {
	case DecisionApproved:
		status = StatusApproved
	case DecisionRejected:
		status = StatusRejected
	default:
		return errkind.Newf(errkind.Validation, "decision must be %s or %s", DecisionApproved, DecisionRejected)
	}
	if decidedBy == "" {
		return errkind.New(errkind.Validation, "decided_by is required")
	}

	handle, err := m.locks.Acquire(ctx, lockPrefix+requestID, decidedBy, decisionLockTTL,
		lock.WithWait(decisionLockWait), lock.WithReason("approval decision"))
	if err != nil {
		return err
	}
	defer handle.Release(ctx)

	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return errkind.Newf(errkind.Conflict, "approval request %s is already %s", requestID, req.Status)
	}
	if req.RiskLevel == RiskCritical && justification == "" {
		return errkind.New(errkind.Validation, "critical approvals require a justification")
	}

	if err := m.store.Finalize(ctx, requestID, status, decidedBy, justification); err != nil {
		return err
	}

	m.metrics.count(decision)
	m.emitDecision(ctx, req, decision, decidedBy, "")

	slog.Info("Approval decision recorded",
		"request_id", requestID, "decision", decision, "decided_by", decidedBy)
	return nil
}

// ExpirePending flips timed-out pending requests to expired and emits a
// rejected decision for each. Returns how many were expired.
func (m *Manager) ExpirePending(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, req := range expired {
		if err := m.expireOne(ctx, req); err != nil {
			slog.Warn("Failed to expire approval request", "request_id", req.RequestID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (m *Manager) expireOne(ctx context.Context, req *Request) error {
	handle, err := m.locks.Acquire(ctx, lockPrefix+req.RequestID, "sweeper", decisionLockTTL,
		lock.WithReason("approval expiry"))
	if err != nil {
		// A concurrent decision holds the lock; it wins.
		if errkind.KindOf(err) == errkind.Locked {
			return nil
		}
		return err
	}
	defer handle.Release(ctx)

	if err := m.store.Finalize(ctx, req.RequestID, StatusExpired, "", ""); err != nil {
		// Decided between the query and the lock; nothing to do.
		if errkind.KindOf(err) == errkind.Conflict {
			return nil
		}
		return err
	}

	m.metrics.count("expired")
	m.emitDecision(ctx, req, DecisionRejected, "", "expired")

	slog.Info("Approval request expired", "request_id", req.RequestID, "workflow_id", req.WorkflowID)
	return nil
}

func (m *Manager) emitDecision(ctx context.Context, req *Request, decision, decidedBy, reason string) {
	payload := map[string]any{
		"request_id":    req.RequestID,
		"decision":      decision,
		"workflow_id":   req.WorkflowID,
		"thread_id":     req.ThreadID,
		"checkpoint_id": req.CheckpointID,
	}
	if decidedBy != "" {
		payload["decided_by"] = decidedBy
	}
	if reason != "" {
		payload["reason"] = reason
	}

	ev := bus.NewEvent(bus.EventApprovalDecision, m.nodeID, payload)
	ev.CorrelationID = req.WorkflowID
	m.events.Emit(ctx, ev)
}

// Get returns one request.
func (m *Manager) Get(ctx context.Context, requestID string) (*Request, error) {
	return m.store.Get(ctx, requestID)
}

// ListPending returns pending requests, optionally scoped to one agent.
func (m *Manager) ListPending(ctx context.Context, agentName string) ([]*Request, error) {
	return m.store.ListPending(ctx, agentName)
}

// StartSweeper runs ExpirePending on the interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.ExpirePending(ctx); err != nil {
					slog.Warn("Approval expiry sweep failed", "error", err)
				}
			}
		}
	}()
}
