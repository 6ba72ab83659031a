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

// Package approval implements risk assessment and human-in-the-loop
// approvals. Risky tasks suspend their workflow until a human with the
// required role decides, or the request times out.
package approval

import (
	"strings"
	"time"
)

// RiskLevel classifies how dangerous a task is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Role is the reviewer role a request requires.
type Role string

const (
	RoleDeveloper      Role = "developer"
	RoleTechLead       Role = "tech_lead"
	RoleDevOpsEngineer Role = "devops_engineer"
)

// OperationClass is the coarse side-effect category of a task.
type OperationClass string

const (
	OpRead   OperationClass = "read"
	OpWrite  OperationClass = "write"
	OpDelete OperationClass = "delete"
	OpDeploy OperationClass = "deploy"
	OpSecret OperationClass = "secret"
)

// TaskInfo is the slice of a task the assessor looks at.
type TaskInfo struct {
	Description string
	Priority    string
	Context     map[string]any
}

// Rule is one row of the declarative risk table. Empty predicate fields
// match anything; non-empty fields must all match (AND). The first matching
// rule wins.
type Rule struct {
	Name        string    `yaml:"name" json:"name"`
	Keywords    []string  `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Environment string    `yaml:"environment,omitempty" json:"environment,omitempty"`
	Operation   string    `yaml:"operation,omitempty" json:"operation,omitempty"`
	Priority    string    `yaml:"priority,omitempty" json:"priority,omitempty"`
	Level       RiskLevel `yaml:"level" json:"level"`
	Role        Role      `yaml:"role,omitempty" json:"role,omitempty"`
}

// Assessment is the outcome of assessing one task.
type Assessment struct {
	Level                 RiskLevel
	RequiredRole          Role
	JustificationRequired bool
	Timeout               time.Duration
}

// Assessor evaluates tasks against an ordered rule table.
type Assessor struct {
	rules    []Rule
	timeouts map[RiskLevel]time.Duration
}

// DefaultTimeouts per risk level. Low never creates a request.
func DefaultTimeouts() map[RiskLevel]time.Duration {
	return map[RiskLevel]time.Duration{
		RiskMedium:   30 * time.Minute,
		RiskHigh:     60 * time.Minute,
		RiskCritical: 120 * time.Minute,
	}
}

// DefaultRules is the built-in rule table, used when config supplies none.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "secret access", Operation: string(OpSecret), Level: RiskCritical, Role: RoleDevOpsEngineer},
		{Name: "production deploy", Environment: "prod", Operation: string(OpDeploy), Level: RiskCritical, Role: RoleDevOpsEngineer},
		{Name: "production delete", Environment: "prod", Operation: string(OpDelete), Level: RiskCritical, Role: RoleDevOpsEngineer},
		{Name: "production write", Environment: "prod", Level: RiskHigh, Role: RoleTechLead},
		{Name: "any deploy", Operation: string(OpDeploy), Level: RiskHigh, Role: RoleTechLead},
		{Name: "any delete", Operation: string(OpDelete), Level: RiskHigh, Role: RoleTechLead},
		{Name: "staging write", Environment: "staging", Operation: string(OpWrite), Level: RiskMedium, Role: RoleDeveloper},
		{Name: "any write", Operation: string(OpWrite), Level: RiskMedium, Role: RoleDeveloper},
	}
}

// NewAssessor builds an assessor. Nil rules or timeouts select the defaults.
func NewAssessor(rules []Rule, timeouts map[RiskLevel]time.Duration) *Assessor {
	if rules == nil {
		rules = DefaultRules()
	}
	if timeouts == nil {
		timeouts = DefaultTimeouts()
	}
	return &Assessor{rules: rules, timeouts: timeouts}
}

// Assess classifies a task. Pure: same input, same outcome. Unmatched tasks
// are low risk.
func (a *Assessor) Assess(task TaskInfo) Assessment {
	desc := strings.ToLower(task.Description)
	env := environmentTag(task.Context)
	op := ClassifyOperation(desc)

	for _, rule := range a.rules {
		if !ruleMatches(rule, desc, env, op, task.Priority) {
			continue
		}
		return a.assessment(rule.Level, rule.Role)
	}
	return a.assessment(RiskLow, "")
}

func (a *Assessor) assessment(level RiskLevel, role Role) Assessment {
	if role == "" {
		role = defaultRole(level)
	}
	return Assessment{
		Level:                 level,
		RequiredRole:          role,
		JustificationRequired: level == RiskCritical,
		Timeout:               a.timeouts[level],
	}
}

func defaultRole(level RiskLevel) Role {
	switch level {
	case RiskMedium:
		return RoleDeveloper
	case RiskHigh:
		return RoleTechLead
	case RiskCritical:
		return RoleDevOpsEngineer
	default:
		return ""
	}
}

func ruleMatches(rule Rule, desc, env string, op OperationClass, priority string) bool {
	if len(rule.Keywords) > 0 {
		found := false
		for _, kw := range rule.Keywords {
			if strings.Contains(desc, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if rule.Environment != "" && rule.Environment != env {
		return false
	}
	if rule.Operation != "" && rule.Operation != string(op) {
		return false
	}
	if rule.Priority != "" && rule.Priority != priority {
		return false
	}
	return true
}

// environmentTag reads the environment from task context. Accepts both
// "environment" and the shorter "env".
func environmentTag(context map[string]any) string {
	for _, key := range []string{"environment", "env"} {
		if v, ok := context[key].(string); ok {
			return strings.ToLower(v)
		}
	}
	return ""
}

var operationVerbs = []struct {
	class OperationClass
	verbs []string
}{
	{OpSecret, []string{"secret", "credential", "password", "token", "api key", "apikey"}},
	{OpDeploy, []string{"deploy", "release", "rollout", "roll out", "ship"}},
	{OpDelete, []string{"delete", "remove", "drop", "destroy", "purge", "wipe"}},
	{OpWrite, []string{"write", "create", "update", "modify", "change", "add", "edit", "fix", "implement", "refactor", "migrate"}},
}

// ClassifyOperation derives the operation class from a lowercased
// description. Checked in severity order; unmatched text is a read.
func ClassifyOperation(desc string) OperationClass {
	for _, group := range operationVerbs {
		for _, verb := range group.verbs {
			if strings.Contains(desc, verb) {
				return group.class
			}
		}
	}
	return OpRead
}
