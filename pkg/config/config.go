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

// Package config defines the configuration surface and the koanf-based
// loader that fills it from files or remote KV stores.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/approval"
	"github.com/kadirpekel/maestro/pkg/gateway"
	"github.com/kadirpekel/maestro/pkg/llm"
	"github.com/kadirpekel/maestro/pkg/observability"
	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/workflow"
)

// Config is the root of the configuration file.
type Config struct {
	NodeID string `yaml:"node_id" json:"node_id"`

	Logging   LoggingConfig  `yaml:"logging" json:"logging"`
	Server    ServerConfig   `yaml:"server" json:"server"`
	Engine    EngineConfig   `yaml:"engine" json:"engine"`
	Redis     RedisConfig    `yaml:"redis" json:"redis"`
	Database  DatabaseConfig `yaml:"database" json:"database"`
	LLM       llm.Config     `yaml:"llm" json:"llm"`
	Gateway   gateway.Config `yaml:"gateway" json:"gateway"`
	Approvals ApprovalConfig `yaml:"approvals" json:"approvals"`
	Tools     ToolsConfig    `yaml:"tools" json:"tools"`

	// Agents lists specialist profiles. Empty selects the built-in set.
	Agents       []agent.Profile `yaml:"agents,omitempty" json:"agents,omitempty"`
	DefaultAgent string          `yaml:"default_agent" json:"default_agent"`

	Observability observability.Config `yaml:"observability" json:"observability"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// SharedSecretApprovalWebhook signs POST /webhooks/approval bodies.
	SharedSecretApprovalWebhook string `yaml:"shared_secret_approval_webhook" json:"shared_secret_approval_webhook"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// EngineConfig carries the workflow engine knobs.
type EngineConfig struct {
	MaxParallelWorkflows  int   `yaml:"max_parallel_workflows" json:"max_parallel_workflows"`
	MaxToolRounds         int   `yaml:"max_tool_rounds" json:"max_tool_rounds"`
	NodeTimeoutSeconds    int   `yaml:"node_timeout_seconds" json:"node_timeout_seconds"`
	SupervisorTimeoutSecs int   `yaml:"supervisor_timeout_seconds" json:"supervisor_timeout_seconds"`
	LLMRetryBackoff       []int `yaml:"llm_retry_backoff" json:"llm_retry_backoff"`
	LockDefaultTTLSeconds int   `yaml:"lock_default_ttl_seconds" json:"lock_default_ttl_seconds"`
}

// RedisConfig enables cross-process event fan-out and distributed locks.
// Empty Addr keeps both in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
}

// DatabaseConfig selects the SQL backend for checkpoints and approvals.
// Empty driver keeps both in-memory.
type DatabaseConfig struct {
	// Driver is "sqlite3", "postgres", or "mysql".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// ApprovalConfig drives the risk assessor and HITL manager.
type ApprovalConfig struct {
	// ApprovalTimeouts maps risk level to seconds until expiry.
	ApprovalTimeouts map[string]int `yaml:"approval_timeouts,omitempty" json:"approval_timeouts,omitempty"`

	// RiskRules is the ordered first-match rule table. Empty selects the
	// built-in table.
	RiskRules []approval.Rule `yaml:"risk_rules,omitempty" json:"risk_rules,omitempty"`

	// UIURL is the external approval UI; empty keeps records local.
	UIURL string `yaml:"ui_url,omitempty" json:"ui_url,omitempty"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// ToolsConfig seeds the catalog and tunes the selector.
type ToolsConfig struct {
	StrategyDefault  string                 `yaml:"tool_strategy_default" json:"tool_strategy_default"`
	KeywordToServers map[string][]string    `yaml:"keyword_to_servers,omitempty" json:"keyword_to_servers,omitempty"`
	Seed             []tool.Tool            `yaml:"seed,omitempty" json:"seed,omitempty"`
	MCPServers       []tool.MCPSourceConfig `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
}

// SetDefaults applies defaults recursively.
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		c.NodeID = "maestro-1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Engine.MaxParallelWorkflows == 0 {
		c.Engine.MaxParallelWorkflows = 32
	}
	if c.Engine.MaxToolRounds == 0 {
		c.Engine.MaxToolRounds = 6
	}
	if c.Engine.NodeTimeoutSeconds == 0 {
		c.Engine.NodeTimeoutSeconds = 120
	}
	if c.Engine.SupervisorTimeoutSecs == 0 {
		c.Engine.SupervisorTimeoutSecs = 10
	}
	if len(c.Engine.LLMRetryBackoff) == 0 {
		c.Engine.LLMRetryBackoff = []int{1, 2, 4}
	}
	if c.Engine.LockDefaultTTLSeconds == 0 {
		c.Engine.LockDefaultTTLSeconds = 60
	}
	if c.Approvals.ApprovalTimeouts == nil {
		c.Approvals.ApprovalTimeouts = map[string]int{
			"medium":   1800,
			"high":     3600,
			"critical": 7200,
		}
	}
	if c.Approvals.SweepIntervalSeconds == 0 {
		c.Approvals.SweepIntervalSeconds = 60
	}
	if c.Tools.StrategyDefault == "" {
		c.Tools.StrategyDefault = string(tool.StrategyProgressive)
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "feature_dev"
	}
	c.LLM.SetDefaults()
	c.Gateway.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Engine.MaxParallelWorkflows < 1 {
		return fmt.Errorf("engine.max_parallel_workflows must be positive")
	}
	if c.Engine.MaxToolRounds < 1 {
		return fmt.Errorf("engine.max_tool_rounds must be positive")
	}
	for _, s := range c.Engine.LLMRetryBackoff {
		if s < 0 {
			return fmt.Errorf("engine.llm_retry_backoff entries must be non-negative")
		}
	}
	switch c.Database.Driver {
	case "", "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite3, postgres, mysql)", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is set")
	}
	switch tool.Strategy(c.Tools.StrategyDefault) {
	case tool.StrategyMinimal, tool.StrategyAgentProfile, tool.StrategyProgressive, tool.StrategyFull:
	default:
		return fmt.Errorf("tools.tool_strategy_default %q is invalid", c.Tools.StrategyDefault)
	}
	for level := range c.Approvals.ApprovalTimeouts {
		switch level {
		case "medium", "high", "critical":
		default:
			return fmt.Errorf("approvals.approval_timeouts has unknown level %q", level)
		}
	}
	for i := range c.Agents {
		if err := c.Agents[i].Validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// EngineConfig converts the section into the workflow engine's native form.
func (c *Config) EngineConfig() workflow.Config {
	backoff := make([]time.Duration, 0, len(c.Engine.LLMRetryBackoff))
	for _, s := range c.Engine.LLMRetryBackoff {
		backoff = append(backoff, time.Duration(s)*time.Second)
	}
	return workflow.Config{
		NodeID:               c.NodeID,
		MaxParallelWorkflows: c.Engine.MaxParallelWorkflows,
		MaxToolRounds:        c.Engine.MaxToolRounds,
		NodeTimeout:          time.Duration(c.Engine.NodeTimeoutSeconds) * time.Second,
		RetryBackoff:         backoff,
		LockTTL:              time.Duration(c.Engine.LockDefaultTTLSeconds) * time.Second,
	}
}

// ApprovalTimeouts converts the level→seconds mapping into the assessor's
// native form.
func (c *Config) ApprovalTimeouts() map[approval.RiskLevel]time.Duration {
	if len(c.Approvals.ApprovalTimeouts) == 0 {
		return nil
	}
	out := make(map[approval.RiskLevel]time.Duration, len(c.Approvals.ApprovalTimeouts))
	for level, secs := range c.Approvals.ApprovalTimeouts {
		out[approval.RiskLevel(level)] = time.Duration(secs) * time.Second
	}
	return out
}
