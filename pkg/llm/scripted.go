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

package llm

import (
	"context"
	"sync"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

// ScriptedProvider replays a fixed sequence of responses. Used by tests that
// drive the workflow engine without a live model.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	next      int

	// Calls records the messages of every Generate invocation.
	Calls [][]Message
}

// NewScriptedProvider creates a provider that replays responses in order.
func NewScriptedProvider(responses ...*Response) *ScriptedProvider {
	return &ScriptedProvider{
		responses: responses,
		errs:      make([]error, len(responses)),
	}
}

// FailWith makes the i-th call return err instead of a response.
func (p *ScriptedProvider) FailWith(i int, err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.errs) <= i {
		p.errs = append(p.errs, nil)
		p.responses = append(p.responses, nil)
	}
	p.errs[i] = err
	return p
}

// Generate implements Provider.
func (p *ScriptedProvider) Generate(_ context.Context, messages []Message, _ []ToolDefinition) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, messages)

	if p.next >= len(p.responses) {
		return nil, errkind.New(errkind.Internal, "scripted provider exhausted")
	}
	i := p.next
	p.next++

	if p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return p.responses[i], nil
}

// ModelName implements Provider.
func (p *ScriptedProvider) ModelName() string {
	return "scripted"
}

// Close implements Provider.
func (p *ScriptedProvider) Close() error {
	return nil
}
