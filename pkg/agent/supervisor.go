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
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/llm"
	"github.com/kadirpekel/maestro/pkg/workflow"
)

// SupervisorName is the router node at the graph entry.
const SupervisorName = "supervisor"

// routedAgentKey is where the supervisor records its choice in the state
// context for the conditional edge to read.
const routedAgentKey = "routed_agent"

// supervisorNode asks the LLM which specialist should handle the task and
// records the choice. Output outside the specialist enum falls back to the
// default agent with a warning.
func supervisorNode(profiles []Profile, defaultAgent string) workflow.NodeFunc {
	valid := make(map[string]bool, len(profiles))
	var index strings.Builder
	for _, p := range profiles {
		valid[p.AgentName] = true
		fmt.Fprintf(&index, "- %s: %s\n", p.AgentName, p.Capability)
	}

	prompt := fmt.Sprintf(
		"You route development tasks to specialist agents. Respond with exactly one agent name from this list and nothing else:\n%s",
		index.String())

	return func(ctx context.Context, services *workflow.Services, state *workflow.State) (*workflow.State, error) {
		resp, err := services.LLM.Generate(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: state.Description},
		}, nil)
		if err != nil {
			return nil, err
		}

		choice := strings.ToLower(strings.TrimSpace(resp.Text))
		if !valid[choice] {
			slog.Warn("Supervisor returned an unknown agent, using default",
				"task_id", state.TaskID, "output", resp.Text, "default", defaultAgent)
			choice = defaultAgent
		}

		if state.Context == nil {
			state.Context = make(map[string]any)
		}
		state.Context[routedAgentKey] = choice
		state.AppendMessage("assistant", "Routing to "+choice)

		ev := bus.NewEvent(bus.EventTaskDelegated, SupervisorName, map[string]any{
			"task_id": state.TaskID,
			"agent":   choice,
		})
		ev.CorrelationID = state.TaskID
		ev.Target = choice
		services.Events.Emit(ctx, ev)

		return state, nil
	}
}

// supervisorRouter resolves the conditional edge after the supervisor.
func supervisorRouter(defaultAgent string) workflow.RouterFunc {
	return func(state *workflow.State) string {
		if choice, ok := state.Context[routedAgentKey].(string); ok && choice != "" {
			return choice
		}
		return defaultAgent
	}
}
