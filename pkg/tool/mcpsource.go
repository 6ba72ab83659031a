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

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPSourceConfig describes one MCP server to discover tools from.
// Invocation goes through the gateway; the catalog only needs the
// descriptions and schemas.
type MCPSourceConfig struct {
	// Name is the server name tools are registered under.
	Name string `yaml:"name" json:"name"`

	// Command launches the server over stdio.
	Command string `yaml:"command" json:"command"`

	// Args for the command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env for the subprocess, as KEY=VALUE pairs.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`

	// Tags applied to every discovered tool.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// DiscoverMCP connects to an MCP server over stdio, lists its tools, and
// registers them in the catalog under cfg.Name. The connection is closed
// after discovery.
func DiscoverMCP(ctx context.Context, catalog *Catalog, cfg MCPSourceConfig) (int, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return 0, fmt.Errorf("mcp source requires name and command")
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return 0, fmt.Errorf("failed to create MCP client: %w", err)
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return 0, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "maestro",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return 0, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("failed to list tools: %w", err)
	}

	registered := 0
	for _, mt := range listResp.Tools {
		entry := &Tool{
			Name:        mt.Name,
			Server:      cfg.Name,
			Description: mt.Description,
			InputSchema: mcpSchemaToMap(mt.InputSchema),
			Tags:        append([]string(nil), cfg.Tags...),
		}
		if err := catalog.Register(entry); err != nil {
			slog.Warn("Skipping MCP tool", "server", cfg.Name, "tool", mt.Name, "error", err)
			continue
		}
		registered++
	}

	slog.Info("Discovered MCP tools", "server", cfg.Name, "registered", registered)
	return registered, nil
}

func mcpSchemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
