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

// Package tool maintains the tool catalog and the progressive loader that
// shrinks it to the subset relevant for a task.
//
// A full catalog easily exceeds 150 tools; binding all of them to every LLM
// request wastes most of the prompt. The selector returns the 10-30 entries
// a task actually needs, cutting prompt size by roughly 80-90%.
package tool

import (
	"sort"
	"sync"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

// Tool is one catalog entry. Name is unique within a server; the catalog
// keys tools by name and rejects cross-server collisions.
type Tool struct {
	Name          string         `json:"name" yaml:"name"`
	Server        string         `json:"server" yaml:"server"`
	Description   string         `json:"description" yaml:"description"`
	InputSchema   map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	Tags          []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	AgentAffinity []string       `json:"agent_affinity,omitempty" yaml:"agent_affinity,omitempty"`
}

// Catalog is the registry of known tools.
type Catalog struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	byServer map[string][]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tools:    make(map[string]*Tool),
		byServer: make(map[string][]string),
	}
}

// Register adds a tool. Re-registering an existing name is a conflict.
func (c *Catalog) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return errkind.New(errkind.Validation, "tool name is required")
	}
	if t.Server == "" {
		return errkind.New(errkind.Validation, "tool server is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tools[t.Name]; exists {
		return errkind.Newf(errkind.Conflict, "tool %s is already registered", t.Name)
	}

	stored := *t
	c.tools[t.Name] = &stored
	c.byServer[t.Server] = append(c.byServer[t.Server], t.Name)
	return nil
}

// Get returns a tool by name.
func (c *Catalog) Get(name string) (*Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, exists := c.tools[name]
	if !exists {
		return nil, errkind.Newf(errkind.NotFound, "tool %s not found", name)
	}
	out := *t
	return &out, nil
}

// ListAll returns every tool, sorted by name.
func (c *Catalog) ListAll() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Tool, 0, len(c.tools))
	for _, t := range c.tools {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the catalog size.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// serverTools returns the sorted tool names of one server.
func (c *Catalog) serverTools(server string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := append([]string(nil), c.byServer[server]...)
	sort.Strings(names)
	return names
}

// Servers returns the sorted list of known servers.
func (c *Catalog) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.byServer))
	for server := range c.byServer {
		out = append(out, server)
	}
	sort.Strings(out)
	return out
}
