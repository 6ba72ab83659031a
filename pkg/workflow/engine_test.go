package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/approval"
	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/checkpoint"
	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/gateway"
	"github.com/kadirpekel/maestro/pkg/lock"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// stubGateway satisfies gateway.Invoker without a live gateway.
type stubGateway struct{}

func (stubGateway) Invoke(_ context.Context, _ string, _ map[string]any) (*gateway.Result, error) {
	return &gateway.Result{OK: true, Output: map[string]any{}}, nil
}

type testEnv struct {
	engine      *Engine
	services    *Services
	events      *bus.Bus
	checkpoints checkpoint.Store
	approvals   *approval.Manager
}

// newEnv builds an engine over in-memory services. rules drives the risk
// assessor; nil means the default table.
func newEnv(t *testing.T, graph *Graph, rules []approval.Rule) *testEnv {
	return newEnvWithUI(t, graph, rules, approval.NoopUIClient{})
}

func newEnvWithUI(t *testing.T, graph *Graph, rules []approval.Rule, ui approval.UIClient) *testEnv {
	t.Helper()

	events := bus.New(bus.Options{NodeID: "test-node"})
	t.Cleanup(func() { events.Close() })

	checkpoints := checkpoint.NewInMemoryStore()
	locks := lock.NewInMemoryManager(events, lock.Metrics{})
	approvals := approval.NewManager(approval.NewInMemoryStore(), locks, events,
		ui, approval.NewAssessor(rules, nil), "test-node", approval.Metrics{})

	services := &Services{
		Events:      events,
		Checkpoints: checkpoints,
		Locks:       locks,
		Selector:    tool.NewSelector(tool.NewCatalog(), nil, tool.StrategyProgressive),
		Approvals:   approvals,
		Gateway:     stubGateway{},
	}

	engine, err := NewEngine(graph, services, Config{
		NodeID:       "test-node",
		RetryBackoff: []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
		NodeTimeout:  5 * time.Second,
		LockTTL:      5 * time.Second,
	}, Metrics{})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return &testEnv{
		engine:      engine,
		services:    services,
		events:      events,
		checkpoints: checkpoints,
		approvals:   approvals,
	}
}

func appendNode(name, text string) *Node {
	return &Node{
		Name: name,
		Run: func(_ context.Context, _ *Services, state *State) (*State, error) {
			state.AppendMessage("assistant", text)
			return state, nil
		},
	}
}

// noApprovals makes every task low risk.
func noApprovals() []approval.Rule {
	return []approval.Rule{}
}

func TestSubmitHappyPath(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(appendNode("plan", "planned")))
	require.NoError(t, g.AddNode(appendNode("work", "worked")))
	g.AddEdge("plan", "work")
	g.AddEdge("work", End)
	g.SetEntry("plan")

	env := newEnv(t, g, noApprovals())

	completed := make(chan bus.Event, 1)
	env.events.Subscribe(bus.EventTaskCompleted, func(_ context.Context, ev bus.Event) error {
		completed <- ev
		return nil
	})

	state, err := env.engine.Submit(context.Background(), Task{Description: "Read README from dev repo"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, "worked", state.LastMessage().Content)
	assert.Empty(t, state.Error)

	// entry + plan + work + end
	all, err := env.checkpoints.List(context.Background(), state.ThreadID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)

	select {
	case ev := <-completed:
		assert.Equal(t, state.TaskID, ev.Payload["task_id"])
	case <-time.After(time.Second):
		t.Fatal("no task.completed event")
	}
}

func TestEveryCheckpointRoundTrips(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(appendNode("work", "done")))
	g.AddEdge("work", End)
	g.SetEntry("work")

	env := newEnv(t, g, noApprovals())
	state, err := env.engine.Submit(context.Background(), Task{Description: "anything"})
	require.NoError(t, err)

	all, err := env.checkpoints.List(context.Background(), state.ThreadID)
	require.NoError(t, err)
	require.NotEmpty(t, all)

	for _, cp := range all {
		restored, err := DeserializeState(cp.State)
		require.NoError(t, err)

		data, err := restored.Serialize()
		require.NoError(t, err)
		again, err := DeserializeState(data)
		require.NoError(t, err)
		assert.Equal(t, restored, again)
		assert.Equal(t, cp.CheckpointID, restored.CheckpointID)
	}
}

func gatedGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	require.NoError(t, g.AddNode(appendNode("plan", "planned")))
	require.NoError(t, g.AddNode(&Node{
		Name:          "deploy",
		StateChanging: true,
		Run: func(_ context.Context, _ *Services, state *State) (*State, error) {
			state.AppendMessage("assistant", "deployed")
			return state, nil
		},
	}))
	g.AddEdge("plan", "deploy")
	g.AddEdge("deploy", End)
	g.SetEntry("plan")
	return g
}

// gateEverything marks every task high risk so the gate always triggers.
func gateEverything() []approval.Rule {
	return []approval.Rule{{Name: "gate", Level: approval.RiskHigh, Role: approval.RoleTechLead}}
}

func TestApprovalGateSuspendsThenApprovalCompletes(t *testing.T) {
	env := newEnv(t, gatedGraph(t), gateEverything())

	state, err := env.engine.Submit(context.Background(), Task{Description: "Deploy auth service to production"})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, state.Status)
	require.NotEmpty(t, state.ApprovalRequestID)
	assert.Equal(t, "deploy", state.NodeName)

	req, err := env.approvals.Get(context.Background(), state.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status)
	assert.Equal(t, approval.RiskHigh, req.RiskLevel)

	require.NoError(t, env.approvals.RecordDecision(context.Background(),
		state.ApprovalRequestID, approval.DecisionApproved, "alice", ""))

	require.Eventually(t, func() bool {
		s, err := env.engine.GetState(state.TaskID)
		return err == nil && s.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	final, err := env.engine.GetState(state.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "deployed", final.LastMessage().Content)
	assert.Empty(t, final.ApprovalRequestID)
}

func TestRejectionFailsWorkflow(t *testing.T) {
	env := newEnv(t, gatedGraph(t), gateEverything())

	failed := make(chan bus.Event, 1)
	env.events.Subscribe(bus.EventTaskFailed, func(_ context.Context, ev bus.Event) error {
		failed <- ev
		return nil
	})

	state, err := env.engine.Submit(context.Background(), Task{Description: "Deploy the thing"})
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, state.Status)

	require.NoError(t, env.approvals.RecordDecision(context.Background(),
		state.ApprovalRequestID, approval.DecisionRejected, "bob", ""))

	require.Eventually(t, func() bool {
		s, err := env.engine.GetState(state.TaskID)
		return err == nil && s.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	final, _ := env.engine.GetState(state.TaskID)
	assert.Contains(t, final.Error, "approval rejected")

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("no task.failed event")
	}
}

func TestExpiredDecisionRecordsReason(t *testing.T) {
	env := newEnv(t, gatedGraph(t), gateEverything())

	state, err := env.engine.Submit(context.Background(), Task{Description: "Deploy the thing"})
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, state.Status)

	// The sweeper emits rejected with reason=expired; simulate its event.
	ev := bus.NewEvent(bus.EventApprovalDecision, "test-node", map[string]any{
		"request_id": state.ApprovalRequestID,
		"decision":   "rejected",
		"reason":     "expired",
	})
	ev.CorrelationID = state.TaskID
	env.events.Emit(context.Background(), ev)

	require.Eventually(t, func() bool {
		s, err := env.engine.GetState(state.TaskID)
		return err == nil && s.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	final, _ := env.engine.GetState(state.TaskID)
	found := false
	for _, m := range final.Messages {
		if m.Content == "approval expired" {
			found = true
		}
	}
	assert.True(t, found, "expected an 'approval expired' message")
}

func TestCancelSuspendedWorkflow(t *testing.T) {
	env := newEnv(t, gatedGraph(t), gateEverything())

	state, err := env.engine.Submit(context.Background(), Task{Description: "Deploy the thing"})
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, state.Status)

	_, err = env.engine.Cancel(context.Background(), state.TaskID, "operator request")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := env.engine.GetState(state.TaskID)
		return err == nil && s.Status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRunningWorkflow(t *testing.T) {
	started := make(chan struct{})
	g := NewGraph()
	require.NoError(t, g.AddNode(&Node{
		Name: "slow",
		Run: func(ctx context.Context, _ *Services, state *State) (*State, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	g.AddEdge("slow", End)
	g.SetEntry("slow")

	env := newEnv(t, g, noApprovals())

	done := make(chan *State, 1)
	go func() {
		s, _ := env.engine.Submit(context.Background(), Task{Description: "long running thing"})
		done <- s
	}()

	<-started
	_, err := env.engine.Cancel(context.Background(), taskIDOf(t, env.engine), "shutdown")
	require.NoError(t, err)

	select {
	case s := <-done:
		assert.Equal(t, StatusCancelled, s.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after cancel")
	}
}

// taskIDOf returns the single registered task's id.
func taskIDOf(t *testing.T, e *Engine) string {
	t.Helper()
	e.mu.RLock()
	defer e.mu.RUnlock()
	require.Len(t, e.tasks, 1)
	for id := range e.tasks {
		return id
	}
	return ""
}

func TestTransientErrorsRetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	g := NewGraph()
	require.NoError(t, g.AddNode(&Node{
		Name: "flaky",
		Run: func(_ context.Context, _ *Services, state *State) (*State, error) {
			if attempts.Add(1) < 3 {
				return nil, errkind.New(errkind.UpstreamUnavailable, "llm hiccup")
			}
			state.AppendMessage("assistant", "recovered")
			return state, nil
		},
	}))
	g.AddEdge("flaky", End)
	g.SetEntry("flaky")

	env := newEnv(t, g, noApprovals())
	state, err := env.engine.Submit(context.Background(), Task{Description: "flaky work"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, int32(3), attempts.Load())

	// Retries do not checkpoint; only entry, the node outcome, and end do.
	all, err := env.checkpoints.List(context.Background(), state.ThreadID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	var attempts atomic.Int32
	g := NewGraph()
	require.NoError(t, g.AddNode(&Node{
		Name: "broken",
		Run: func(_ context.Context, _ *Services, _ *State) (*State, error) {
			attempts.Add(1)
			return nil, errkind.New(errkind.Validation, "unknown tool")
		},
	}))
	g.AddEdge("broken", End)
	g.SetEntry("broken")

	env := newEnv(t, g, noApprovals())
	state, err := env.engine.Submit(context.Background(), Task{Description: "doomed work"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Contains(t, state.Error, "unknown tool")
}

func TestNodeTimeoutIsPermanent(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(&Node{
		Name:    "stuck",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, _ *Services, _ *State) (*State, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	g.AddEdge("stuck", End)
	g.SetEntry("stuck")

	env := newEnv(t, g, noApprovals())
	state, err := env.engine.Submit(context.Background(), Task{Description: "stuck work"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, state.Error, "budget")
}

func TestResumedRunMatchesUninterruptedRun(t *testing.T) {
	// Same graph, same description; one env gates the deploy node, the
	// other does not. After approval both must end with the same messages.
	gated := newEnv(t, gatedGraph(t), gateEverything())
	open := newEnv(t, gatedGraph(t), noApprovals())

	task := Task{Description: "Deploy the payment service"}

	straight, err := open.engine.Submit(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, straight.Status)

	suspended, err := gated.engine.Submit(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, suspended.Status)

	require.NoError(t, gated.approvals.RecordDecision(context.Background(),
		suspended.ApprovalRequestID, approval.DecisionApproved, "alice", ""))

	require.Eventually(t, func() bool {
		s, err := gated.engine.GetState(suspended.TaskID)
		return err == nil && s.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	resumed, err := gated.engine.GetState(suspended.TaskID)
	require.NoError(t, err)
	assert.Equal(t, messageContents(straight.Messages), messageContents(resumed.Messages))
}

func messageContents(messages []Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Role + ":" + m.Content
	}
	return out
}

func TestResumeIsNoopWhenNotSuspended(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(appendNode("work", "done")))
	g.AddEdge("work", End)
	g.SetEntry("work")

	env := newEnv(t, g, noApprovals())
	state, err := env.engine.Submit(context.Background(), Task{Description: "quick work"})
	require.NoError(t, err)

	resumed, err := env.engine.Resume(context.Background(), state.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
}

func TestResumeAppliesMissedDecision(t *testing.T) {
	env := newEnv(t, gatedGraph(t), gateEverything())

	state, err := env.engine.Submit(context.Background(), Task{Description: "Deploy the thing"})
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, state.Status)

	// Drop the engine's live subscription to simulate a missed event, then
	// decide and resume explicitly.
	rec, err := env.engine.record(state.TaskID)
	require.NoError(t, err)
	rec.mu.Lock()
	sub := rec.decision
	rec.mu.Unlock()
	env.events.Unsubscribe(sub)

	require.NoError(t, env.approvals.RecordDecision(context.Background(),
		state.ApprovalRequestID, approval.DecisionApproved, "alice", ""))

	time.Sleep(50 * time.Millisecond)
	s, err := env.engine.GetState(state.TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, s.Status)

	_, err = env.engine.Resume(context.Background(), state.TaskID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := env.engine.GetState(state.TaskID)
		return err == nil && s.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(appendNode("work", "done")))
	g.AddEdge("work", End)
	g.SetEntry("work")

	env := newEnv(t, g, noApprovals())
	_, err := env.engine.GetState("no-such-task")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestGraphValidation(t *testing.T) {
	g := NewGraph()
	require.Error(t, g.Validate())

	require.NoError(t, g.AddNode(appendNode("a", "x")))
	g.AddEdge("a", "missing")
	g.SetEntry("a")
	require.Error(t, g.Validate())
}

func TestPersistCountsCheckpointWrites(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(appendNode("work", "done")))
	g.AddEdge("work", End)
	g.SetEntry("work")

	env := newEnv(t, g, noApprovals())

	writes := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_checkpoint_writes_total"})
	engine, err := NewEngine(g, env.services, Config{
		NodeID:       "test-node",
		RetryBackoff: []time.Duration{time.Millisecond},
		NodeTimeout:  5 * time.Second,
		LockTTL:      5 * time.Second,
	}, Metrics{CheckpointWrites: writes})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	state, err := engine.Submit(context.Background(), Task{Description: "counted work"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status)

	all, err := env.checkpoints.List(context.Background(), state.ThreadID)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, float64(len(all)), testCounterValue(t, writes))
}

func TestNodeTransitionsEmitAgentStatus(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(appendNode("plan", "planned")))
	require.NoError(t, g.AddNode(appendNode("work", "worked")))
	g.AddEdge("plan", "work")
	g.AddEdge("work", End)
	g.SetEntry("plan")

	env := newEnv(t, g, noApprovals())

	var mu sync.Mutex
	statuses := make(map[string][]string)
	env.events.Subscribe(bus.EventAgentStatus, func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		agent, _ := ev.Payload["agent"].(string)
		status, _ := ev.Payload["status"].(string)
		statuses[agent] = append(statuses[agent], status)
		return nil
	})

	state, err := env.engine.Submit(context.Background(), Task{Description: "status reporting"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses["plan"]) == 2 && len(statuses["work"]) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"active", "idle"}, statuses["plan"])
	assert.Equal(t, []string{"active", "idle"}, statuses["work"])
}

// autoApproveUI approves each request the moment its external record is
// created, which lands the decision before the engine has suspended the task.
type autoApproveUI struct {
	approvals *approval.Manager
}

func (u *autoApproveUI) CreateRecord(ctx context.Context, req *approval.Request, _ string) (string, error) {
	if err := u.approvals.RecordDecision(ctx, req.RequestID, approval.DecisionApproved, "auto-approver", ""); err != nil {
		return "", err
	}
	return "external:" + req.RequestID, nil
}

func TestDecisionBeforeSuspensionStillResumes(t *testing.T) {
	ui := &autoApproveUI{}
	env := newEnvWithUI(t, gatedGraph(t), gateEverything(), ui)
	ui.approvals = env.approvals

	state, err := env.engine.Submit(context.Background(), Task{Description: "Deploy the thing"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := env.engine.GetState(state.TaskID)
		return err == nil && s.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	final, err := env.engine.GetState(state.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "deployed", final.LastMessage().Content)
}

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
