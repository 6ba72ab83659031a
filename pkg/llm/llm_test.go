package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

func TestOpenAIGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "feature_dev"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{Type: "openai", Model: "gpt-4o", APIKey: "test-key", Host: srv.URL})
	require.NoError(t, err)

	resp, err := p.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a router."},
		{Role: RoleUser, Content: "Add a login page"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "feature_dev", resp.Text)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
}

func TestOpenAIGenerateToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "run_tests",
								"arguments": `{"suite":"unit"}`,
							},
						},
					},
				}},
			},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{Type: "openai", Model: "gpt-4o", APIKey: "k", Host: srv.URL})
	require.NoError(t, err)

	resp, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "test it"}}, []ToolDefinition{
		{Name: "run_tests", Description: "Run tests", InputSchema: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "run_tests", resp.ToolCalls[0].Name)
	assert.Equal(t, "unit", resp.ToolCalls[0].Arguments["suite"])
}

func TestOpenAIServerErrorIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{Type: "openai", Model: "m", APIKey: "k", Host: srv.URL})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.UpstreamUnavailable, errkind.KindOf(err))
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "You are a router.", req.System)
		require.Len(t, req.Messages, 1)

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "code_review"},
				{"type": "tool_use", "id": "tu_1", "name": "query_logs", "input": map[string]any{"service": "api"}},
			},
			"usage": map[string]any{"input_tokens": 20, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(Config{Type: "anthropic", Model: "claude-sonnet", APIKey: "test-key", Host: srv.URL})
	require.NoError(t, err)

	resp, err := p.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a router."},
		{Role: RoleUser, Content: "Review this PR"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "code_review", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "query_logs", resp.ToolCalls[0].Name)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
}

func TestAnthropicToolResultsBecomeUserMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "assistant", req.Messages[1].Role)
		assert.Equal(t, "user", req.Messages[2].Role)
		assert.Equal(t, "tool_result", req.Messages[2].Content[0].Type)
		assert.Equal(t, "tu_1", req.Messages[2].Content[0].ToolUseID)

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "done"}},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(Config{Type: "anthropic", Model: "m", APIKey: "k", Host: srv.URL})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "run the tests"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "tu_1", Name: "run_tests", Arguments: map[string]any{}}}},
		{Role: RoleTool, ToolCallID: "tu_1", Content: "all green"},
	}, nil)
	require.NoError(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.CreateFromConfig("primary", Config{Type: "openai", Model: "m", APIKey: "k"})
	require.NoError(t, err)

	_, err = r.CreateFromConfig("primary", Config{Type: "openai", Model: "m", APIKey: "k"})
	require.Error(t, err)

	_, err = r.CreateFromConfig("other", Config{Type: "nope"})
	require.Error(t, err)

	p, err := r.Get("primary")
	require.NoError(t, err)
	assert.Equal(t, "m", p.ModelName())

	assert.Equal(t, []string{"primary"}, r.Names())
	require.NoError(t, r.Close())
}

func TestScriptedProvider(t *testing.T) {
	p := NewScriptedProvider(
		&Response{Text: "first"},
		&Response{Text: "second"},
	)

	r1, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Text)

	r2, err := p.Generate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Text)

	_, err = p.Generate(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Len(t, p.Calls, 3)
}
