package tool

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	goprop "github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	entries := []*Tool{
		{Name: "git_clone", Server: "github", Description: "Clone a repository", Tags: []string{"git", "vcs"}},
		{Name: "git_commit", Server: "github", Description: "Commit staged changes", Tags: []string{"git", "vcs"}},
		{Name: "create_pr", Server: "github", Description: "Open a pull request", Tags: []string{"git", "review"}},
		{Name: "run_tests", Server: "ci", Description: "Run the test suite", Tags: []string{"testing"}},
		{Name: "coverage_report", Server: "ci", Description: "Generate coverage report", Tags: []string{"testing"}},
		{Name: "deploy_service", Server: "k8s", Description: "Deploy a service", Tags: []string{"deploy"}},
		{Name: "rollback_service", Server: "k8s", Description: "Roll back a deployment", Tags: []string{"deploy"}},
		{Name: "query_logs", Server: "observability", Description: "Query service logs", Tags: []string{"debug"}},
	}
	for _, e := range entries {
		require.NoError(t, c.Register(e))
	}
	return c
}

func testSelector(t *testing.T, c *Catalog) *Selector {
	t.Helper()
	s := NewSelector(c, map[string][]string{
		"commit": {"github"},
		"branch": {"github"},
		"pr":     {"github"},
		"test":   {"ci"},
		"tests":  {"ci"},
		"deploy": {"k8s"},
		"logs":   {"observability"},
	}, StrategyProgressive)
	s.BindAgent("qa_engineer", AgentBinding{
		AllowedServers:   []string{"ci"},
		RecommendedTools: []string{"run_tests", "query_logs"},
	})
	return s
}

func TestCatalogRegisterConflicts(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(&Tool{Name: "a", Server: "s1"}))

	err := c.Register(&Tool{Name: "a", Server: "s2"})
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))

	err = c.Register(&Tool{Name: "", Server: "s1"})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Please commit the changes, then open a PR!")
	assert.Equal(t, []string{"commit", "changes", "open", "pr"}, got)
}

func TestMinimalMatchesKeywordServers(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	tools := s.Select("commit the fix and open a pr", "", StrategyMinimal)
	names := toolNames(tools)
	assert.ElementsMatch(t, []string{"git_clone", "git_commit", "create_pr"}, names)
}

func TestMinimalNoKeywordMatchIsEmpty(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	tools := s.Select("write a poem about gophers", "", StrategyMinimal)
	assert.Empty(t, tools)
}

func TestMinimalCapAndTagTieBreak(t *testing.T) {
	c := NewCatalog()
	// 35 tools on one server: 5 share the dominant tag, the rest are unique.
	for i := 0; i < 35; i++ {
		tag := fmt.Sprintf("solo-%02d", i)
		if i >= 30 {
			tag = "popular"
		}
		require.NoError(t, c.Register(&Tool{
			Name:   fmt.Sprintf("tool-%02d", i),
			Server: "big",
			Tags:   []string{tag},
		}))
	}
	s := NewSelector(c, map[string][]string{"everything": {"big"}}, StrategyMinimal)

	tools := s.Select("everything", "", StrategyMinimal)
	require.Len(t, tools, 30)

	// Shared-tag tools rank first, then the rest lexically.
	for i := 0; i < 5; i++ {
		assert.Contains(t, tools[i].Name, fmt.Sprintf("tool-3%d", i))
	}
	assert.Equal(t, "tool-00", tools[5].Name)
}

func TestAgentProfileUnion(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	tools := s.Select("anything at all", "qa_engineer", StrategyAgentProfile)
	names := toolNames(tools)
	// recommended ∪ allowed servers' tools, no duplicates
	assert.ElementsMatch(t, []string{"run_tests", "query_logs", "coverage_report"}, names)
}

func TestAgentProfileUnknownAgentIsEmpty(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	tools := s.Select("anything", "nobody", StrategyAgentProfile)
	assert.Empty(t, tools)
}

func TestProgressiveUnionsMinimalAndRecommended(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	tools := s.Select("deploy the new build", "qa_engineer", "")
	names := toolNames(tools)
	// MINIMAL brings the k8s server; recommended adds run_tests and query_logs.
	assert.ElementsMatch(t, []string{"deploy_service", "rollback_service", "run_tests", "query_logs"}, names)
}

func TestFullReturnsEverything(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	tools := s.Select("", "", StrategyFull)
	assert.Len(t, tools, c.Len())
}

func TestSelectionIsDeterministic(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	properties := gopter.NewProperties(params)
	properties.Property("same input yields same ordered output", goprop.ForAll(
		func(desc string) bool {
			for _, strategy := range []Strategy{StrategyMinimal, StrategyAgentProfile, StrategyProgressive, StrategyFull} {
				a := toolNames(s.Select(desc, "qa_engineer", strategy))
				b := toolNames(s.Select(desc, "qa_engineer", strategy))
				if !equalStrings(a, b) {
					return false
				}
			}
			return true
		},
		gen.RegexMatch(`([a-z]{2,8} ){1,6}[a-z]{2,8}`),
	))
	properties.TestingRun(t)
}

func toolNames(tools []*Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEstimateTokensAndSavings(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	selected := s.Select("run the tests", "", StrategyMinimal)
	require.NotEmpty(t, selected)

	full := EstimateTokens(c.ListAll())
	used := EstimateTokens(selected)
	assert.Greater(t, full, used)

	savings := Savings(c, selected)
	assert.Greater(t, savings, 0.0)
	assert.LessOrEqual(t, savings, 1.0)
}

func TestSelectPublishesTokenSavings(t *testing.T) {
	c := testCatalog(t)
	s := testSelector(t, c)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_token_savings_ratio"})
	s.InstrumentTokenSavings(gauge)

	selected := s.Select("run the tests", "", StrategyMinimal)
	require.NotEmpty(t, selected)
	assert.Greater(t, gaugeValue(t, gauge), 0.0)

	// The full catalog saves nothing.
	s.Select("anything", "", StrategyFull)
	assert.Equal(t, 0.0, gaugeValue(t, gauge))
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestSchemaFor(t *testing.T) {
	type args struct {
		Path    string `json:"path" jsonschema:"required,description=File path"`
		Recurse bool   `json:"recurse,omitempty"`
	}
	schema, err := SchemaFor(args{})
	require.NoError(t, err)
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "path")
	assert.Contains(t, props, "recurse")
}
