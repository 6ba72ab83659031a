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
	"sort"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
)

// Strategy selects how the loader narrows the catalog.
type Strategy string

const (
	// StrategyMinimal matches task keywords against the keyword→servers
	// mapping and returns the matched servers' tools. Capped at 30.
	StrategyMinimal Strategy = "MINIMAL"

	// StrategyAgentProfile returns exactly the agent's recommended tools
	// plus its allowed servers' tools.
	StrategyAgentProfile Strategy = "AGENT_PROFILE"

	// StrategyProgressive is the default: MINIMAL plus the agent's
	// recommended tools. Capped at 40.
	StrategyProgressive Strategy = "PROGRESSIVE"

	// StrategyFull returns the whole catalog. Diagnostic only.
	StrategyFull Strategy = "FULL"
)

const (
	minimalCap     = 30
	progressiveCap = 40
)

// stopWords are dropped during keyword extraction.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true, "this": true, "that": true, "then": true, "into": true,
	"please": true, "should": true, "will": true, "can": true, "do": true,
}

// AgentBinding carries the per-agent inputs the selector needs.
type AgentBinding struct {
	AllowedServers   []string
	RecommendedTools []string
}

// Selector implements progressive tool disclosure over a catalog.
type Selector struct {
	catalog        *Catalog
	keywordServers map[string][]string
	bindings       map[string]AgentBinding
	defaultStrat   Strategy
	savingsGauge   prometheus.Gauge
}

// NewSelector creates a selector. keywordServers maps a lowercase keyword to
// the servers whose tools it unlocks (unmapped keywords contribute nothing).
func NewSelector(catalog *Catalog, keywordServers map[string][]string, defaultStrategy Strategy) *Selector {
	if defaultStrategy == "" {
		defaultStrategy = StrategyProgressive
	}
	normalized := make(map[string][]string, len(keywordServers))
	for k, v := range keywordServers {
		servers := append([]string(nil), v...)
		sort.Strings(servers)
		normalized[strings.ToLower(k)] = servers
	}
	return &Selector{
		catalog:        catalog,
		keywordServers: normalized,
		bindings:       make(map[string]AgentBinding),
		defaultStrat:   defaultStrategy,
	}
}

// BindAgent registers an agent's allowed servers and recommended tools.
func (s *Selector) BindAgent(agentName string, binding AgentBinding) {
	s.bindings[agentName] = binding
}

// DefaultStrategy returns the configured default.
func (s *Selector) DefaultStrategy() Strategy {
	return s.defaultStrat
}

// InstrumentTokenSavings publishes the estimated token savings of every
// subsequent selection, relative to the full catalog, on the gauge.
func (s *Selector) InstrumentTokenSavings(g prometheus.Gauge) {
	s.savingsGauge = g
}

// Select returns the ordered tool subset for the task. Results are stable:
// the same catalog, description, agent, and strategy always produce the same
// sequence.
func (s *Selector) Select(taskDescription, agentName string, strategy Strategy) []*Tool {
	if strategy == "" {
		strategy = s.defaultStrat
	}

	var selected []*Tool
	switch strategy {
	case StrategyMinimal:
		selected = s.selectMinimal(taskDescription)
	case StrategyAgentProfile:
		selected = s.selectAgentProfile(agentName)
	case StrategyFull:
		selected = s.catalog.ListAll()
	default:
		selected = s.selectProgressive(taskDescription, agentName)
	}

	if s.savingsGauge != nil {
		s.savingsGauge.Set(Savings(s.catalog, selected))
	}
	return selected
}

// selectMinimal is the keyword-match-only path.
func (s *Selector) selectMinimal(taskDescription string) []*Tool {
	servers := s.matchServers(taskDescription)

	seen := make(map[string]bool)
	var candidates []*Tool
	for _, server := range servers {
		for _, name := range s.catalog.serverTools(server) {
			if seen[name] {
				continue
			}
			seen[name] = true
			if t, err := s.catalog.Get(name); err == nil {
				candidates = append(candidates, t)
			}
		}
	}

	rankByTagFrequency(candidates)
	return capTools(candidates, minimalCap)
}

// selectAgentProfile returns exactly the union of the agent's recommended
// tools and its allowed servers' tools.
func (s *Selector) selectAgentProfile(agentName string) []*Tool {
	binding := s.bindings[agentName]

	seen := make(map[string]bool)
	var out []*Tool

	recommended := append([]string(nil), binding.RecommendedTools...)
	sort.Strings(recommended)
	for _, name := range recommended {
		if seen[name] {
			continue
		}
		if t, err := s.catalog.Get(name); err == nil {
			seen[name] = true
			out = append(out, t)
		}
	}

	allowed := append([]string(nil), binding.AllowedServers...)
	sort.Strings(allowed)
	for _, server := range allowed {
		for _, name := range s.catalog.serverTools(server) {
			if seen[name] {
				continue
			}
			if t, err := s.catalog.Get(name); err == nil {
				seen[name] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// selectProgressive unions MINIMAL with the agent's recommended tools.
func (s *Selector) selectProgressive(taskDescription, agentName string) []*Tool {
	out := s.selectMinimal(taskDescription)

	seen := make(map[string]bool, len(out))
	for _, t := range out {
		seen[t.Name] = true
	}

	binding := s.bindings[agentName]
	recommended := append([]string(nil), binding.RecommendedTools...)
	sort.Strings(recommended)
	for _, name := range recommended {
		if seen[name] {
			continue
		}
		if t, err := s.catalog.Get(name); err == nil {
			seen[name] = true
			out = append(out, t)
		}
	}

	return capTools(out, progressiveCap)
}

// matchServers extracts keywords and unions the mapped servers, sorted.
func (s *Selector) matchServers(taskDescription string) []string {
	set := make(map[string]bool)
	for _, kw := range ExtractKeywords(taskDescription) {
		for _, server := range s.keywordServers[kw] {
			set[server] = true
		}
	}

	out := make([]string, 0, len(set))
	for server := range set {
		out = append(out, server)
	}
	sort.Strings(out)
	return out
}

// ExtractKeywords lowercases the text, strips punctuation, and drops stop
// words. Order of first occurrence is preserved; duplicates are removed.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// rankByTagFrequency sorts tools by the aggregate frequency of their tags
// within the candidate set (descending), breaking ties lexically by name.
func rankByTagFrequency(tools []*Tool) {
	freq := make(map[string]int)
	for _, t := range tools {
		for _, tag := range t.Tags {
			freq[tag]++
		}
	}

	score := func(t *Tool) int {
		total := 0
		for _, tag := range t.Tags {
			total += freq[tag]
		}
		return total
	}

	sort.SliceStable(tools, func(i, j int) bool {
		si, sj := score(tools[i]), score(tools[j])
		if si != sj {
			return si > sj
		}
		return tools[i].Name < tools[j].Name
	})
}

func capTools(tools []*Tool, n int) []*Tool {
	if len(tools) > n {
		return tools[:n]
	}
	return tools
}
