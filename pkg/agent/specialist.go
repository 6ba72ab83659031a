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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/llm"
	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/workflow"
)

// specialistNode runs one agent's bounded tool-call loop:
// select tools, call the LLM, execute requested tools through the gateway
// one at a time, and stop on a pure text reply or after maxToolRounds.
func specialistNode(profile Profile, maxToolRounds int) workflow.NodeFunc {
	return func(ctx context.Context, services *workflow.Services, state *workflow.State) (*workflow.State, error) {
		selected := services.Selector.Select(state.Description, profile.AgentName, tool.StrategyProgressive)

		state.ToolSelection = state.ToolSelection[:0]
		defs := make([]llm.ToolDefinition, 0, len(selected))
		for _, t := range selected {
			state.ToolSelection = append(state.ToolSelection, t.Name)
			defs = append(defs, llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}

		messages := []llm.Message{{Role: llm.RoleSystem, Content: profile.SystemPrompt}}
		messages = append(messages, toLLMMessages(state.Messages)...)

		for round := 0; round < maxToolRounds; round++ {
			resp, err := services.LLM.Generate(ctx, messages, defs)
			if err != nil {
				return nil, err
			}

			if len(resp.ToolCalls) == 0 {
				state.AppendMessage("assistant", resp.Text)
				return state, nil
			}

			state.AppendMessage("assistant", resp.Text, resp.ToolCalls...)
			messages = append(messages, llm.Message{
				Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls,
			})

			for _, call := range resp.ToolCalls {
				record, err := executeToolCall(ctx, services, state, profile.AgentName, call)
				if err != nil {
					return nil, err
				}
				state.Messages = append(state.Messages, record)
				messages = append(messages, llm.Message{
					Role: llm.RoleTool, Content: record.Content, ToolCallID: call.ID,
				})
			}
		}

		// Rounds exhausted; close the conversation with what we have.
		slog.Warn("Tool loop exhausted", "agent", profile.AgentName, "task_id", state.TaskID,
			"rounds", maxToolRounds)
		state.AppendMessage("assistant", fmt.Sprintf("Stopped after %d tool rounds.", maxToolRounds))
		return state, nil
	}
}

// executeToolCall invokes one tool through the gateway and returns the
// message recording its result. Gateway-level failures propagate; tool-level
// failures are reported back to the model.
func executeToolCall(ctx context.Context, services *workflow.Services, state *workflow.State, agentName string, call llm.ToolCall) (workflow.Message, error) {
	result, err := services.Gateway.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		return workflow.Message{}, err
	}

	if !result.OK {
		slog.Debug("Tool reported failure", "agent", agentName, "tool", call.Name, "error", result.Error)
		return workflow.Message{
			Role:    "tool",
			Content: "error: " + result.Error,
		}, nil
	}

	mergeArtifacts(state, result.Output)

	content, err := json.Marshal(result.Output)
	if err != nil {
		return workflow.Message{}, errkind.Wrap(errkind.Internal, "unserializable tool output", err)
	}
	return workflow.Message{Role: "tool", Content: string(content)}, nil
}

// mergeArtifacts lifts an "artifacts" mapping out of tool output into the
// workflow state.
func mergeArtifacts(state *workflow.State, output map[string]any) {
	artifacts, ok := output["artifacts"].(map[string]any)
	if !ok {
		return
	}
	if state.Artifacts == nil {
		state.Artifacts = make(map[string]string)
	}
	for name, ref := range artifacts {
		if s, ok := ref.(string); ok {
			state.Artifacts[name] = s
		}
	}
}

func toLLMMessages(messages []workflow.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, llm.Message{
			Role:      llm.Role(m.Role),
			Content:   m.Content,
			ToolCalls: m.ToolCalls,
		})
	}
	return out
}
