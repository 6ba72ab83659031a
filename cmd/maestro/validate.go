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

package main

import (
	"fmt"

	"github.com/kadirpekel/maestro/pkg/agent"
)

// ValidateCmd loads the configuration, applies defaults, and reports what
// the server would run with.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	profiles := cfg.Agents
	if len(profiles) == 0 {
		profiles = agent.DefaultProfiles()
	}

	fmt.Println("Configuration is valid.")
	fmt.Printf("  Node:          %s\n", cfg.NodeID)
	fmt.Printf("  Listen:        %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  LLM:           %s (%s)\n", cfg.LLM.Type, cfg.LLM.Model)
	if cfg.Redis.Addr != "" {
		fmt.Printf("  Redis:         %s\n", cfg.Redis.Addr)
	} else {
		fmt.Printf("  Redis:         (none, single-process bus and locks)\n")
	}
	if cfg.Database.Driver != "" {
		fmt.Printf("  Database:      %s\n", cfg.Database.Driver)
	} else {
		fmt.Printf("  Database:      (none, in-memory stores)\n")
	}
	fmt.Printf("  Tool strategy: %s\n", cfg.Tools.StrategyDefault)
	fmt.Printf("  Risk rules:    %d\n", len(cfg.Approvals.RiskRules))
	fmt.Printf("  Agents:        %d\n", len(profiles))
	for _, p := range profiles {
		fmt.Printf("    - %s: %s\n", p.AgentName, p.Capability)
	}
	fmt.Printf("  Webhook:       %v\n", cfg.Server.SharedSecretApprovalWebhook != "")
	return nil
}
