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

package workflow

import (
	"context"
	"fmt"
	"time"
)

// End is the routing target that terminates the workflow.
const End = "__end__"

// NodeFunc transforms the state. It must not retain the state past its
// return.
type NodeFunc func(ctx context.Context, services *Services, state *State) (*State, error)

// RouterFunc picks the next node from the state. Pure.
type RouterFunc func(state *State) string

// Node is one vertex of the graph.
type Node struct {
	Name string
	Run  NodeFunc

	// StateChanging nodes pass through the approval gate first.
	StateChanging bool

	// Timeout overrides the engine's default node budget when positive.
	Timeout time.Duration
}

// Graph is a directed graph of nodes with static edges and router edges.
type Graph struct {
	nodes   map[string]*Node
	edges   map[string]string
	routers map[string]RouterFunc
	entry   string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]*Node),
		edges:   make(map[string]string),
		routers: make(map[string]RouterFunc),
	}
}

// AddNode registers a node.
func (g *Graph) AddNode(node *Node) error {
	if node == nil || node.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if node.Run == nil {
		return fmt.Errorf("node %s has no function", node.Name)
	}
	if _, exists := g.nodes[node.Name]; exists {
		return fmt.Errorf("node %s already exists", node.Name)
	}
	g.nodes[node.Name] = node
	return nil
}

// AddEdge sets a static successor. Target may be End.
func (g *Graph) AddEdge(from, to string) {
	g.edges[from] = to
}

// AddRouter sets a conditional successor, evaluated after the node runs.
// A router takes precedence over a static edge.
func (g *Graph) AddRouter(from string, router RouterFunc) {
	g.routers[from] = router
}

// SetEntry names the first node.
func (g *Graph) SetEntry(name string) {
	g.entry = name
}

// Entry returns the first node's name.
func (g *Graph) Entry() string {
	return g.entry
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Next resolves the successor of a node given the state.
func (g *Graph) Next(from string, state *State) string {
	if router, ok := g.routers[from]; ok {
		return router(state)
	}
	if to, ok := g.edges[from]; ok {
		return to
	}
	return End
}

// Validate checks that the entry exists and every static edge and node is
// resolvable.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph has no entry node")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry node %s does not exist", g.entry)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge from unknown node %s", from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("edge from %s to unknown node %s", from, to)
			}
		}
	}
	for from := range g.routers {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("router on unknown node %s", from)
		}
	}
	return nil
}
