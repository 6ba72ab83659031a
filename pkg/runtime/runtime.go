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

// Package runtime assembles the orchestrator from configuration: event bus,
// locks, stores, tool catalog, LLM provider, approvals, and the workflow
// engine.
package runtime

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/approval"
	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/checkpoint"
	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/gateway"
	"github.com/kadirpekel/maestro/pkg/llm"
	"github.com/kadirpekel/maestro/pkg/lock"
	"github.com/kadirpekel/maestro/pkg/observability"
	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/workflow"
)

// eventChannel is the shared Redis pub/sub channel for cross-process fan-out.
const eventChannel = "maestro:events"

// Runtime owns every long-lived component of one orchestrator process.
type Runtime struct {
	cfg *config.Config

	Obs         *observability.Manager
	Events      *bus.Bus
	Recorder    *bus.Recorder
	Locks       lock.Manager
	Checkpoints checkpoint.Store
	Approvals   *approval.Manager
	Catalog     *tool.Catalog
	Selector    *tool.Selector
	Providers   *llm.Registry
	Gateway     gateway.Invoker
	Engine      *workflow.Engine

	redisClient *redis.Client
	db          *sql.DB
	cancel      context.CancelFunc
}

// New builds and starts a runtime from configuration. Dependency failures
// (database, redis) surface as upstream_unavailable so the CLI can map them
// to its exit code.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.Validation, "invalid configuration", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{cfg: cfg, cancel: cancel}

	if err := rt.build(ctx, baseCtx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx, baseCtx context.Context) error {
	cfg := rt.cfg

	rt.Obs = observability.NewManager(cfg.Observability)
	if err := rt.Obs.Initialize(ctx); err != nil {
		return errkind.Wrap(errkind.Internal, "failed to initialize observability", err)
	}
	metrics := rt.Obs.Metrics()

	// Event bus, with Redis fan-out when configured.
	busOpts := bus.Options{
		NodeID:           cfg.NodeID,
		SubscriberErrors: metrics.SubscriberErrors,
	}
	if cfg.Redis.Addr != "" {
		rt.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rt.redisClient.Ping(ctx).Err(); err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "redis is unreachable", err)
		}
		busOpts.Remote = bus.NewRedisRemote(rt.redisClient, eventChannel)
	}
	rt.Events = bus.New(busOpts)
	if err := rt.Events.Start(baseCtx); err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "failed to start event bus remote", err)
	}

	rt.Recorder = bus.NewRecorder(256)
	rt.Recorder.Attach(rt.Events,
		bus.EventTaskDelegated, bus.EventTaskCompleted, bus.EventTaskFailed,
		bus.EventApprovalRequest, bus.EventApprovalDecision, bus.EventAgentStatus)

	lockMetrics := lock.Metrics{
		Acquired:   metrics.LocksAcquired,
		Contention: metrics.LockContention,
	}
	if rt.redisClient != nil {
		rt.Locks = lock.NewRedisManager(rt.redisClient, rt.Events, lockMetrics)
	} else {
		rt.Locks = lock.NewInMemoryManager(rt.Events, lockMetrics)
	}

	// Stores: SQL when a driver is configured, in-memory otherwise.
	var approvalStore approval.Store
	if cfg.Database.Driver != "" {
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "failed to open database", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return errkind.Wrap(errkind.UpstreamUnavailable, "database is unreachable", err)
		}
		rt.db = db

		cps, err := checkpoint.NewSQLStore(db, cfg.Database.Driver)
		if err != nil {
			return errkind.Wrap(errkind.Internal, "failed to initialize checkpoint store", err)
		}
		rt.Checkpoints = cps

		aps, err := approval.NewSQLStore(db, cfg.Database.Driver)
		if err != nil {
			return errkind.Wrap(errkind.Internal, "failed to initialize approval store", err)
		}
		approvalStore = aps
	} else {
		rt.Checkpoints = checkpoint.NewInMemoryStore()
		approvalStore = approval.NewInMemoryStore()
	}

	// Tool catalog: config seed plus optional MCP discovery.
	rt.Catalog = tool.NewCatalog()
	for i := range cfg.Tools.Seed {
		if err := rt.Catalog.Register(&cfg.Tools.Seed[i]); err != nil {
			return errkind.Wrap(errkind.Validation, "invalid seed tool", err)
		}
	}
	for _, mcpCfg := range cfg.Tools.MCPServers {
		n, err := tool.DiscoverMCP(ctx, rt.Catalog, mcpCfg)
		if err != nil {
			slog.Warn("MCP discovery failed, continuing without server",
				"server", mcpCfg.Name, "error", err)
			continue
		}
		slog.Info("Discovered MCP tools", "server", mcpCfg.Name, "count", n)
	}

	rt.Selector = tool.NewSelector(rt.Catalog, cfg.Tools.KeywordToServers,
		tool.Strategy(cfg.Tools.StrategyDefault))
	rt.Selector.InstrumentTokenSavings(metrics.ToolTokenSavings)

	profiles := cfg.Agents
	if len(profiles) == 0 {
		profiles = agent.DefaultProfiles()
	}
	agent.BindProfiles(rt.Selector, profiles)

	// LLM provider.
	rt.Providers = llm.NewRegistry()
	provider, err := rt.Providers.CreateFromConfig("default", cfg.LLM)
	if err != nil {
		return errkind.Wrap(errkind.Validation, "failed to create LLM provider", err)
	}

	// Tool gateway.
	if cfg.Gateway.URL != "" {
		gw, err := gateway.New(cfg.Gateway)
		if err != nil {
			return errkind.Wrap(errkind.Validation, "failed to create gateway client", err)
		}
		rt.Gateway = gw
	} else {
		slog.Warn("No tool gateway configured; tool calls will fail")
		rt.Gateway = unconfiguredGateway{}
	}

	// Approvals.
	var ui approval.UIClient = approval.NoopUIClient{}
	if cfg.Approvals.UIURL != "" {
		ui = approval.NewHTTPUIClient(cfg.Approvals.UIURL)
	}
	assessor := approval.NewAssessor(cfg.Approvals.RiskRules, cfg.ApprovalTimeouts())
	rt.Approvals = approval.NewManager(approvalStore, rt.Locks, rt.Events, ui, assessor, cfg.NodeID,
		approval.Metrics{Decisions: metrics.ApprovalDecisions})
	rt.Approvals.StartSweeper(baseCtx,
		time.Duration(cfg.Approvals.SweepIntervalSeconds)*time.Second)

	// Workflow engine over the supervisor/specialist graph.
	graph, err := agent.BuildGraph(profiles, agent.BuildConfig{
		DefaultAgent:      cfg.DefaultAgent,
		MaxToolRounds:     cfg.Engine.MaxToolRounds,
		SupervisorTimeout: time.Duration(cfg.Engine.SupervisorTimeoutSecs) * time.Second,
	})
	if err != nil {
		return errkind.Wrap(errkind.Validation, "failed to build workflow graph", err)
	}

	services := &workflow.Services{
		Events:      rt.Events,
		Checkpoints: rt.Checkpoints,
		Locks:       rt.Locks,
		Selector:    rt.Selector,
		Approvals:   rt.Approvals,
		Gateway:     rt.Gateway,
		LLM:         provider,
	}
	engine, err := workflow.NewEngine(graph, services, cfg.EngineConfig(), workflow.Metrics{
		Started:          metrics.WorkflowsStarted,
		Completed:        metrics.WorkflowsCompleted,
		Failed:           metrics.WorkflowsFailed,
		Suspended:        metrics.WorkflowsSuspended,
		CheckpointWrites: metrics.CheckpointWrites,
	})
	if err != nil {
		return errkind.Wrap(errkind.Internal, "failed to create workflow engine", err)
	}
	rt.Engine = engine

	slog.Info("Runtime initialized",
		"node_id", cfg.NodeID,
		"redis", cfg.Redis.Addr != "",
		"database", cfg.Database.Driver,
		"tools", rt.Catalog.Len(),
		"agents", len(profiles))
	return nil
}

// Config returns the runtime's configuration.
func (rt *Runtime) Config() *config.Config {
	return rt.cfg
}

// Health probes every dependency and reports per-dependency status. The
// overall status is "ok" only when every dependency is.
func (rt *Runtime) Health(ctx context.Context) (string, map[string]string) {
	deps := make(map[string]string, 5)

	report := func(name string, err error) {
		if err != nil {
			deps[name] = "unavailable: " + err.Error()
			return
		}
		deps[name] = "ok"
	}

	report("checkpoint_store", rt.Checkpoints.Ping(ctx))
	if rt.redisClient != nil {
		report("event_bus", rt.redisClient.Ping(ctx).Err())
	} else {
		deps["event_bus"] = "ok"
	}
	if pinger, ok := rt.Locks.(interface{ Ping(context.Context) error }); ok {
		report("lock_manager", pinger.Ping(ctx))
	} else {
		deps["lock_manager"] = "ok"
	}
	if _, err := rt.Providers.Get("default"); err != nil {
		deps["llm"] = "unavailable: " + err.Error()
	} else {
		deps["llm"] = "ok"
	}
	if pinger, ok := rt.Gateway.(interface{ Ping(context.Context) error }); ok {
		report("tool_gateway", pinger.Ping(ctx))
	} else {
		deps["tool_gateway"] = "unconfigured"
	}

	status := "ok"
	for _, v := range deps {
		if v != "ok" {
			status = "degraded"
			break
		}
	}
	return status, deps
}

// Close shuts everything down in reverse dependency order.
func (rt *Runtime) Close() error {
	rt.cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if rt.Engine != nil {
		keep(rt.Engine.Close())
	}
	if rt.Events != nil {
		keep(rt.Events.Close())
	}
	if rt.Providers != nil {
		keep(rt.Providers.Close())
	}
	if rt.Checkpoints != nil {
		keep(rt.Checkpoints.Close())
	}
	if rt.db != nil {
		keep(rt.db.Close())
	}
	if rt.redisClient != nil {
		keep(rt.redisClient.Close())
	}
	if rt.Obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keep(rt.Obs.Shutdown(ctx))
	}
	return firstErr
}

// unconfiguredGateway rejects every invocation.
type unconfiguredGateway struct{}

func (unconfiguredGateway) Invoke(_ context.Context, toolName string, _ map[string]any) (*gateway.Result, error) {
	return nil, errkind.Newf(errkind.UpstreamUnavailable, "no tool gateway configured, cannot invoke %s", toolName)
}
