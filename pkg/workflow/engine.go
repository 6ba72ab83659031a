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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/maestro/pkg/approval"
	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/checkpoint"
	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/gateway"
	"github.com/kadirpekel/maestro/pkg/llm"
	"github.com/kadirpekel/maestro/pkg/lock"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// Services bundles everything node functions may touch. Nodes receive it as
// a parameter and hold no back-reference to the engine.
type Services struct {
	Events      *bus.Bus
	Checkpoints checkpoint.Store
	Locks       lock.Manager
	Selector    *tool.Selector
	Approvals   *approval.Manager
	Gateway     gateway.Invoker
	LLM         llm.Provider
}

// Config tunes the engine.
type Config struct {
	NodeID               string          `yaml:"node_id" json:"node_id"`
	MaxParallelWorkflows int             `yaml:"max_parallel_workflows" json:"max_parallel_workflows"`
	MaxToolRounds        int             `yaml:"max_tool_rounds" json:"max_tool_rounds"`
	NodeTimeout          time.Duration   `yaml:"node_timeout" json:"node_timeout"`
	RetryBackoff         []time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	LockTTL              time.Duration   `yaml:"lock_ttl" json:"lock_ttl"`
}

// SetDefaults applies defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		c.NodeID = "engine"
	}
	if c.MaxParallelWorkflows <= 0 {
		c.MaxParallelWorkflows = 32
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 6
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 120 * time.Second
	}
	if len(c.RetryBackoff) == 0 {
		c.RetryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
}

// Metrics are optional engine counters. Nil fields are skipped.
type Metrics struct {
	Started          prometheus.Counter
	Completed        prometheus.Counter
	Failed           prometheus.Counter
	Suspended        prometheus.Counter
	CheckpointWrites prometheus.Counter
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// taskRecord tracks one submitted workflow.
type taskRecord struct {
	task Task

	mu        sync.RWMutex
	state     *State
	cancelRun context.CancelFunc
	decision  *bus.Subscription
	resuming  bool
}

func (r *taskRecord) snapshot() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

func (r *taskRecord) setState(s *State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Engine runs workflows over a graph.
type Engine struct {
	graph    *Graph
	services *Services
	cfg      Config
	metrics  Metrics
	sem      *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*taskRecord
}

// NewEngine creates an engine. The graph must validate.
func NewEngine(graph *Graph, services *Services, cfg Config, metrics Metrics) (*Engine, error) {
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow graph: %w", err)
	}
	cfg.SetDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		graph:    graph,
		services: services,
		cfg:      cfg,
		metrics:  metrics,
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallelWorkflows)),
		baseCtx:  baseCtx,
		cancel:   cancel,
		tasks:    make(map[string]*taskRecord),
	}, nil
}

// Close stops background resumption.
func (e *Engine) Close() error {
	e.cancel()
	return nil
}

// Submit runs a task until it completes, fails, or suspends for approval,
// and returns the state at that point.
func (e *Engine) Submit(ctx context.Context, task Task) (*State, error) {
	if task.Description == "" {
		return nil, errkind.New(errkind.Validation, "task description is required")
	}
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now().UTC()
	}

	state := NewState(task, uuid.New().String())
	rec := &taskRecord{task: task, state: state}

	e.mu.Lock()
	if _, exists := e.tasks[task.TaskID]; exists {
		e.mu.Unlock()
		return nil, errkind.Newf(errkind.Conflict, "task %s already exists", task.TaskID)
	}
	e.tasks[task.TaskID] = rec
	e.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, errkind.Wrap(errkind.Timeout, "worker pool saturated", err)
	}
	defer e.sem.Release(1)

	inc(e.metrics.Started)
	ev := bus.NewEvent(bus.EventTaskAccepted, e.cfg.NodeID, map[string]any{
		"task_id":  task.TaskID,
		"priority": task.Priority,
	})
	ev.CorrelationID = task.TaskID
	e.services.Events.Emit(ctx, ev)

	runCtx, cancelRun := context.WithCancel(ctx)
	rec.mu.Lock()
	rec.cancelRun = cancelRun
	rec.mu.Unlock()
	defer cancelRun()

	// Entry checkpoint, so even an immediately failing workflow is
	// inspectable.
	if err := e.persist(runCtx, state, "entry"); err != nil {
		e.failState(runCtx, rec, state, err)
		return rec.snapshot(), nil
	}
	rec.setState(state.Clone())

	e.runFrom(runCtx, rec, state, e.graph.Entry())
	return rec.snapshot(), nil
}

// runFrom drives the graph from nodeName until a terminal state or a
// suspension. The record always holds the latest state when it returns.
func (e *Engine) runFrom(ctx context.Context, rec *taskRecord, state *State, nodeName string) {
	current := nodeName

	for current != End {
		node, ok := e.graph.Node(current)
		if !ok {
			e.failState(ctx, rec, state, errkind.Newf(errkind.Internal, "unknown node %s", current))
			return
		}

		if node.StateChanging && state.Status != StatusApproved {
			suspended, err := e.approvalGate(ctx, rec, state, node)
			if err != nil {
				e.failState(ctx, rec, state, err)
				return
			}
			if suspended {
				return
			}
		}

		state.Status = StatusRunning
		state.NodeName = current
		e.emitAgentStatus(ctx, state, current, "active")

		next, err := e.runNode(ctx, node, state)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				e.cancelState(ctx, rec, state, "cancelled during node "+current)
				return
			}
			e.failState(ctx, rec, state, err)
			return
		}
		state = next
		e.emitAgentStatus(ctx, state, current, "idle")

		if err := e.persist(ctx, state, current); err != nil {
			e.failState(ctx, rec, state, err)
			return
		}
		rec.setState(state.Clone())

		current = e.graph.Next(current, state)
	}

	state.Status = StatusCompleted
	if err := e.persist(ctx, state, "end"); err != nil {
		e.failState(ctx, rec, state, err)
		return
	}
	rec.setState(state.Clone())

	inc(e.metrics.Completed)
	ev := bus.NewEvent(bus.EventTaskCompleted, e.cfg.NodeID, map[string]any{
		"task_id":   state.TaskID,
		"thread_id": state.ThreadID,
		"artifacts": len(state.Artifacts),
	})
	ev.CorrelationID = state.TaskID
	e.services.Events.Emit(ctx, ev)

	slog.Info("Workflow completed", "task_id", state.TaskID, "thread_id", state.ThreadID)
}

// emitAgentStatus announces which node is working the task and whether it
// just picked the work up or finished it.
func (e *Engine) emitAgentStatus(ctx context.Context, state *State, nodeName, status string) {
	ev := bus.NewEvent(bus.EventAgentStatus, e.cfg.NodeID, map[string]any{
		"agent":   nodeName,
		"status":  status,
		"task_id": state.TaskID,
	})
	ev.CorrelationID = state.TaskID
	e.services.Events.Emit(ctx, ev)
}

// approvalGate interposes before a state-changing node. Returns true when
// the workflow suspended.
func (e *Engine) approvalGate(ctx context.Context, rec *taskRecord, state *State, node *Node) (bool, error) {
	requestID, err := e.services.Approvals.CreateRequest(ctx,
		state.TaskID, state.ThreadID, state.CheckpointID,
		approval.TaskInfo{
			Description: state.Description,
			Priority:    state.Priority,
			Context:     state.Context,
		}, node.Name)
	if err != nil {
		return false, err
	}
	if requestID == "" {
		return false, nil
	}

	state.Status = StatusAwaitingApproval
	state.ApprovalRequestID = requestID
	state.NodeName = node.Name
	if err := e.persist(ctx, state, "approval_gate"); err != nil {
		return false, err
	}
	rec.setState(state.Clone())

	e.subscribeDecision(rec, state.TaskID)
	inc(e.metrics.Suspended)

	// A decision recorded before the subscription existed would never be
	// delivered; check the store now that the subscription is in place.
	if req, err := e.services.Approvals.Get(ctx, requestID); err == nil && req.Status != approval.StatusPending {
		decision, reason := decisionFromStatus(req.Status)
		go e.resumeAfterDecision(state.TaskID, decision, reason)
	}

	slog.Info("Workflow suspended for approval",
		"task_id", state.TaskID, "request_id", requestID, "node", node.Name)
	return true, nil
}

// subscribeDecision registers the one-shot resumption trigger.
func (e *Engine) subscribeDecision(rec *taskRecord, taskID string) {
	sub := e.services.Events.SubscribeOnce(bus.EventApprovalDecision,
		func(ev bus.Event) bool { return ev.CorrelationID == taskID },
		func(_ context.Context, ev bus.Event) error {
			decision, _ := ev.Payload["decision"].(string)
			reason, _ := ev.Payload["reason"].(string)
			go e.resumeAfterDecision(taskID, decision, reason)
			return nil
		})
	rec.mu.Lock()
	rec.decision = sub
	rec.resuming = false
	rec.mu.Unlock()
}

// decisionFromStatus maps a stored terminal status to the decision-event
// vocabulary.
func decisionFromStatus(status approval.Status) (decision, reason string) {
	switch status {
	case approval.StatusApproved:
		return "approved", ""
	case approval.StatusExpired:
		return "rejected", "expired"
	default:
		return "rejected", ""
	}
}

// resumeAfterDecision reloads the latest checkpoint and either proceeds to
// the gated node or terminates. A suspension resumes at most once: the first
// caller claims it, concurrent calls for the same suspension are no-ops. An
// aborted attempt releases the claim so Resume can retry.
func (e *Engine) resumeAfterDecision(taskID, decision, reason string) {
	rec, err := e.record(taskID)
	if err != nil {
		slog.Warn("Decision for unknown task", "task_id", taskID)
		return
	}

	rec.mu.Lock()
	if rec.resuming {
		rec.mu.Unlock()
		return
	}
	rec.resuming = true
	sub := rec.decision
	rec.decision = nil
	rec.mu.Unlock()
	if sub != nil {
		e.services.Events.Unsubscribe(sub)
	}

	unclaim := func() {
		rec.mu.Lock()
		rec.resuming = false
		rec.mu.Unlock()
	}

	ctx := e.baseCtx
	if err := e.sem.Acquire(ctx, 1); err != nil {
		unclaim()
		return
	}
	defer e.sem.Release(1)

	cp, err := e.services.Checkpoints.Latest(ctx, rec.snapshot().ThreadID)
	if err != nil {
		slog.Error("Failed to load checkpoint for resumption", "task_id", taskID, "error", err)
		unclaim()
		return
	}
	state, err := DeserializeState(cp.State)
	if err != nil {
		slog.Error("Corrupt checkpoint state", "task_id", taskID, "error", err)
		unclaim()
		return
	}
	if state.Status != StatusAwaitingApproval {
		slog.Warn("Decision for non-suspended workflow",
			"task_id", taskID, "status", state.Status)
		unclaim()
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	rec.mu.Lock()
	rec.cancelRun = cancelRun
	rec.mu.Unlock()
	defer cancelRun()

	switch decision {
	case "approved":
		gated := state.NodeName
		state.Status = StatusApproved
		state.ApprovalRequestID = ""
		slog.Info("Workflow approved, resuming", "task_id", taskID, "node", gated)
		e.runFrom(runCtx, rec, state, gated)

	case "cancelled":
		e.cancelState(runCtx, rec, state, reasonOr(reason, "cancelled while awaiting approval"))

	default: // rejected, including reason=expired
		msg := "approval rejected"
		if reason == "expired" {
			msg = "approval expired"
		}
		state.Status = StatusRejected
		state.ApprovalRequestID = ""
		state.AppendMessage("system", msg)
		if err := e.persist(runCtx, state, "approval_gate"); err != nil {
			slog.Error("Failed to persist rejection", "task_id", taskID, "error", err)
		}
		rec.setState(state.Clone())
		e.failState(runCtx, rec, state, errkind.New(errkind.PermissionDenied, msg))
	}
}

// Resume re-checks a suspended workflow against its approval request. Used
// after missed events (process restart). No-op when not suspended or the
// request is still pending.
func (e *Engine) Resume(ctx context.Context, taskID string) (*State, error) {
	rec, err := e.record(taskID)
	if err != nil {
		return nil, err
	}

	state := rec.snapshot()
	if state.Status != StatusAwaitingApproval || state.ApprovalRequestID == "" {
		return state, nil
	}

	req, err := e.services.Approvals.Get(ctx, state.ApprovalRequestID)
	if err != nil {
		return nil, err
	}

	if req.Status != approval.StatusPending {
		decision, reason := decisionFromStatus(req.Status)
		go e.resumeAfterDecision(taskID, decision, reason)
	}
	return state, nil
}

// Cancel stops a workflow. A suspended workflow receives a synthetic
// cancelled decision; a running one has its context cancelled.
func (e *Engine) Cancel(ctx context.Context, taskID, reason string) (*State, error) {
	rec, err := e.record(taskID)
	if err != nil {
		return nil, err
	}

	state := rec.snapshot()
	if state.Status.IsTerminal() {
		return state, nil
	}

	if state.Status == StatusAwaitingApproval {
		ev := bus.NewEvent(bus.EventApprovalDecision, e.cfg.NodeID, map[string]any{
			"decision": "cancelled",
			"reason":   reasonOr(reason, "cancelled by caller"),
		})
		ev.CorrelationID = taskID
		e.services.Events.Emit(ctx, ev, bus.LocalOnly())
		return state, nil
	}

	rec.mu.RLock()
	cancelRun := rec.cancelRun
	rec.mu.RUnlock()
	if cancelRun != nil {
		cancelRun()
	}
	return rec.snapshot(), nil
}

// GetState returns the latest state snapshot of a task.
func (e *Engine) GetState(taskID string) (*State, error) {
	rec, err := e.record(taskID)
	if err != nil {
		return nil, err
	}
	return rec.snapshot(), nil
}

func (e *Engine) record(taskID string) (*taskRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.tasks[taskID]
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "task %s not found", taskID)
	}
	return rec, nil
}

// runNode executes one node under the thread lock with timeout and retry.
// Only transient upstream errors retry; node-budget timeouts are permanent.
func (e *Engine) runNode(ctx context.Context, node *Node, state *State) (*State, error) {
	handle, err := e.services.Locks.Acquire(ctx, "workflow:"+state.ThreadID, e.cfg.NodeID,
		e.cfg.LockTTL, lock.WithWait(e.cfg.LockTTL), lock.WithReason("node "+node.Name))
	if err != nil {
		return nil, err
	}
	defer handle.Release(ctx)

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.NodeTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= len(e.cfg.RetryBackoff); attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying node after transient error",
				"node", node.Name, "task_id", state.TaskID, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff[attempt-1]):
			}
		}

		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := node.Run(nodeCtx, e.services, state.Clone())
		deadlineHit := nodeCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if deadlineHit {
			return nil, errkind.Wrap(errkind.Timeout,
				fmt.Sprintf("node %s exceeded its %s budget", node.Name, timeout), err)
		}
		if !errkind.Transient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// persist writes a checkpoint for the current state, chaining to the
// previous one.
func (e *Engine) persist(ctx context.Context, state *State, nodeName string) error {
	parent := state.CheckpointID
	state.CheckpointID = uuid.New().String()

	data, err := state.Serialize()
	if err != nil {
		return err
	}
	if err := e.services.Checkpoints.Put(ctx, &checkpoint.Checkpoint{
		ThreadID:     state.ThreadID,
		CheckpointID: state.CheckpointID,
		ParentID:     parent,
		State:        data,
		Metadata: map[string]any{
			"node":   nodeName,
			"status": string(state.Status),
		},
	}); err != nil {
		return err
	}
	inc(e.metrics.CheckpointWrites)
	return nil
}

// failState finalizes a workflow as failed and emits task.failed.
func (e *Engine) failState(ctx context.Context, rec *taskRecord, state *State, cause error) {
	state.Status = StatusFailed
	state.Error = cause.Error()
	if err := e.persist(ctx, state, state.NodeName); err != nil {
		slog.Error("Failed to persist failure checkpoint",
			"task_id", state.TaskID, "error", err)
	}
	rec.setState(state.Clone())

	inc(e.metrics.Failed)
	ev := bus.NewEvent(bus.EventTaskFailed, e.cfg.NodeID, map[string]any{
		"task_id":    state.TaskID,
		"thread_id":  state.ThreadID,
		"error":      state.Error,
		"error_kind": string(errkind.KindOf(cause)),
	})
	ev.CorrelationID = state.TaskID
	e.services.Events.Emit(ctx, ev)

	slog.Warn("Workflow failed", "task_id", state.TaskID, "error", state.Error)
}

// cancelState finalizes a workflow as cancelled. The run context may already
// be gone, so persistence uses the engine's lifetime.
func (e *Engine) cancelState(_ context.Context, rec *taskRecord, state *State, reason string) {
	persistCtx, cancel := context.WithTimeout(e.baseCtx, 10*time.Second)
	defer cancel()

	state.Status = StatusCancelled
	state.ApprovalRequestID = ""
	state.AppendMessage("system", reason)
	if err := e.persist(persistCtx, state, state.NodeName); err != nil {
		slog.Error("Failed to persist cancellation", "task_id", state.TaskID, "error", err)
	}
	rec.setState(state.Clone())

	inc(e.metrics.Failed)
	ev := bus.NewEvent(bus.EventTaskFailed, e.cfg.NodeID, map[string]any{
		"task_id":   state.TaskID,
		"thread_id": state.ThreadID,
		"error":     reason,
		"cancelled": true,
	})
	ev.CorrelationID = state.TaskID
	e.services.Events.Emit(persistCtx, ev)

	slog.Info("Workflow cancelled", "task_id", state.TaskID, "reason", reason)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
