package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/approval"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, 32, cfg.Engine.MaxParallelWorkflows)
	assert.Equal(t, 6, cfg.Engine.MaxToolRounds)
	assert.Equal(t, 120, cfg.Engine.NodeTimeoutSeconds)
	assert.Equal(t, []int{1, 2, 4}, cfg.Engine.LLMRetryBackoff)
	assert.Equal(t, 60, cfg.Engine.LockDefaultTTLSeconds)
	assert.Equal(t, "PROGRESSIVE", cfg.Tools.StrategyDefault)
	assert.Equal(t, 1800, cfg.Approvals.ApprovalTimeouts["medium"])
	assert.Equal(t, 3600, cfg.Approvals.ApprovalTimeouts["high"])
	assert.Equal(t, 7200, cfg.Approvals.ApprovalTimeouts["critical"])
	assert.Equal(t, "feature_dev", cfg.DefaultAgent)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
node_id: orchestrator-a
engine:
  max_parallel_workflows: 8
  llm_retry_backoff: [1, 3]
llm:
  type: openai
  model: gpt-4o
gateway:
  url: http://gateway:9000
approvals:
  approval_timeouts:
    medium: 600
  risk_rules:
    - name: docs are safe
      keywords: [readme, docs]
      level: low
tools:
  keyword_to_servers:
    deploy: [k8s]
agents:
  - agent_name: solo
    capability: does everything
    system_prompt: You are the only agent.
default_agent: solo
`)

	cfg, err := Load(LoaderOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, "orchestrator-a", cfg.NodeID)
	assert.Equal(t, 8, cfg.Engine.MaxParallelWorkflows)
	assert.Equal(t, []int{1, 3}, cfg.Engine.LLMRetryBackoff)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "http://gateway:9000", cfg.Gateway.URL)
	assert.Equal(t, 600, cfg.Approvals.ApprovalTimeouts["medium"])
	require.Len(t, cfg.Approvals.RiskRules, 1)
	assert.Equal(t, approval.RiskLow, cfg.Approvals.RiskRules[0].Level)
	assert.Equal(t, []string{"k8s"}, cfg.Tools.KeywordToServers["deploy"])
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "solo", cfg.Agents[0].AgentName)

	// Defaults fill the gaps.
	assert.Equal(t, 6, cfg.Engine.MaxToolRounds)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("MAESTRO_TEST_SECRET", "hunter2")
	t.Setenv("MAESTRO_TEST_WORKERS", "4")

	path := writeConfig(t, `
server:
  shared_secret_approval_webhook: ${MAESTRO_TEST_SECRET}
engine:
  max_parallel_workflows: ${MAESTRO_TEST_WORKERS}
llm:
  api_key: ${MAESTRO_TEST_MISSING:-fallback-key}
`)

	cfg, err := Load(LoaderOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Server.SharedSecretApprovalWebhook)
	assert.Equal(t, 4, cfg.Engine.MaxParallelWorkflows)
	assert.Equal(t, "fallback-key", cfg.LLM.APIKey)
}

func TestValidationErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle"; c.Database.DSN = "x" }},
		{"driver without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"bad strategy", func(c *Config) { c.Tools.StrategyDefault = "EVERYTHING" }},
		{"unknown timeout level", func(c *Config) { c.Approvals.ApprovalTimeouts = map[string]int{"extreme": 1} }},
		{"negative backoff", func(c *Config) { c.Engine.LLMRetryBackoff = []int{-1} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEngineConfigConversion(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	cfg.NodeID = "n1"

	ec := cfg.EngineConfig()
	assert.Equal(t, "n1", ec.NodeID)
	assert.Equal(t, 120*time.Second, ec.NodeTimeout)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, ec.RetryBackoff)
	assert.Equal(t, 60*time.Second, ec.LockTTL)

	timeouts := cfg.ApprovalTimeouts()
	assert.Equal(t, 30*time.Minute, timeouts[approval.RiskMedium])
	assert.Equal(t, 2*time.Hour, timeouts[approval.RiskCritical])
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load(LoaderOptions{Path: "/nonexistent/maestro.yaml"})
	require.Error(t, err)
}

func TestParseSourceType(t *testing.T) {
	for in, want := range map[string]SourceType{
		"file": SourceFile, "CONSUL": SourceConsul, " etcd ": SourceEtcd,
	} {
		got, err := ParseSourceType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSourceType("zookeeper")
	require.Error(t, err)
}
