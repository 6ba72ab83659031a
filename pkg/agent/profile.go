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

// Package agent defines the specialist worker roles of the workflow graph:
// the supervisor that routes tasks and the specialists that execute them
// through a bounded tool-call loop.
package agent

import "fmt"

// Profile describes one specialist agent node.
type Profile struct {
	AgentName        string   `yaml:"agent_name" json:"agent_name"`
	Capability       string   `yaml:"capability" json:"capability"`
	ModelHint        string   `yaml:"model_hint,omitempty" json:"model_hint,omitempty"`
	SystemPrompt     string   `yaml:"system_prompt" json:"system_prompt"`
	AllowedServers   []string `yaml:"allowed_servers,omitempty" json:"allowed_servers,omitempty"`
	RecommendedTools []string `yaml:"recommended_tools,omitempty" json:"recommended_tools,omitempty"`
	Temperature      float64  `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// StateChanging routes this node through the approval gate.
	StateChanging bool `yaml:"state_changing" json:"state_changing"`
}

// Validate checks required fields.
func (p *Profile) Validate() error {
	if p.AgentName == "" {
		return fmt.Errorf("agent_name is required")
	}
	if p.SystemPrompt == "" {
		return fmt.Errorf("agent %s has no system_prompt", p.AgentName)
	}
	return nil
}

// DefaultProfiles is the built-in specialist set, used when config supplies
// none.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			AgentName:     "feature_dev",
			Capability:    "implements features and fixes bugs in application code",
			SystemPrompt:  "You are a senior software engineer. Implement the requested change end to end: read the relevant code, make the edit, and verify it.",
			StateChanging: true,
		},
		{
			AgentName:    "code_review",
			Capability:   "reviews diffs and pull requests for correctness and style",
			SystemPrompt: "You are a meticulous code reviewer. Inspect the change, point out defects, and summarize your verdict.",
		},
		{
			AgentName:     "infrastructure",
			Capability:    "provisions and changes infrastructure, deployments, and environments",
			SystemPrompt:  "You are an infrastructure engineer. Plan the change, apply it with the available tools, and confirm the result.",
			StateChanging: true,
		},
		{
			AgentName:     "cicd",
			Capability:    "configures pipelines, runs builds and test suites",
			SystemPrompt:  "You are a CI/CD engineer. Drive the pipeline to a green state and report what ran.",
			StateChanging: true,
		},
		{
			AgentName:    "documentation",
			Capability:   "writes and updates documentation",
			SystemPrompt: "You are a technical writer. Produce clear, accurate documentation for the requested topic.",
		},
	}
}
