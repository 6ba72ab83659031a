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
	"fmt"
	"time"

	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/workflow"
)

// BuildConfig tunes the supervisor/specialist graph.
type BuildConfig struct {
	// DefaultAgent receives tasks the supervisor cannot route.
	DefaultAgent string

	// MaxToolRounds caps the tool-call loop per specialist node.
	MaxToolRounds int

	// SupervisorTimeout is the routing LLM call budget.
	SupervisorTimeout time.Duration
}

// SetDefaults applies defaults for unset fields.
func (c *BuildConfig) SetDefaults() {
	if c.DefaultAgent == "" {
		c.DefaultAgent = "feature_dev"
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 6
	}
	if c.SupervisorTimeout <= 0 {
		c.SupervisorTimeout = 10 * time.Second
	}
}

// BuildGraph assembles the workflow graph: supervisor routing into one
// specialist node per profile, each terminating the workflow.
func BuildGraph(profiles []Profile, cfg BuildConfig) (*workflow.Graph, error) {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	cfg.SetDefaults()

	defaultExists := false
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.AgentName == cfg.DefaultAgent {
			defaultExists = true
		}
	}
	if !defaultExists {
		return nil, fmt.Errorf("default agent %s is not among the profiles", cfg.DefaultAgent)
	}

	g := workflow.NewGraph()

	if err := g.AddNode(&workflow.Node{
		Name:    SupervisorName,
		Run:     supervisorNode(profiles, cfg.DefaultAgent),
		Timeout: cfg.SupervisorTimeout,
	}); err != nil {
		return nil, err
	}
	g.AddRouter(SupervisorName, supervisorRouter(cfg.DefaultAgent))
	g.SetEntry(SupervisorName)

	for _, p := range profiles {
		if err := g.AddNode(&workflow.Node{
			Name:          p.AgentName,
			Run:           specialistNode(p, cfg.MaxToolRounds),
			StateChanging: p.StateChanging,
		}); err != nil {
			return nil, err
		}
		g.AddEdge(p.AgentName, workflow.End)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// BindProfiles registers every profile's server and tool preferences on the
// selector.
func BindProfiles(selector *tool.Selector, profiles []Profile) {
	for _, p := range profiles {
		selector.BindAgent(p.AgentName, tool.AgentBinding{
			AllowedServers:   p.AllowedServers,
			RecommendedTools: p.RecommendedTools,
		})
	}
}
