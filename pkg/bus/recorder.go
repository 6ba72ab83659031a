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

package bus

import (
	"context"
	"sync"
)

// Recorder keeps a bounded ring of recent events per correlation ID.
// The bus itself is ephemeral; the recorder is an ordinary subscriber used
// to answer "what happened to this workflow" queries.
type Recorder struct {
	capacity int

	mu     sync.RWMutex
	events map[string][]Event
	order  []string
}

// NewRecorder creates a Recorder keeping at most capacity correlation IDs.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recorder{
		capacity: capacity,
		events:   make(map[string][]Event),
	}
}

// Attach subscribes the recorder to the given event types.
func (r *Recorder) Attach(b *Bus, eventTypes ...string) []*Subscription {
	subs := make([]*Subscription, 0, len(eventTypes))
	for _, t := range eventTypes {
		subs = append(subs, b.Subscribe(t, r.record))
	}
	return subs
}

func (r *Recorder) record(_ context.Context, ev Event) error {
	if ev.CorrelationID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[ev.CorrelationID]; !exists {
		r.order = append(r.order, ev.CorrelationID)
		if len(r.order) > r.capacity {
			evict := r.order[0]
			r.order = r.order[1:]
			delete(r.events, evict)
		}
	}
	r.events[ev.CorrelationID] = append(r.events[ev.CorrelationID], ev)
	return nil
}

// ByCorrelation returns the recorded events for a correlation ID in
// observation order.
func (r *Recorder) ByCorrelation(correlationID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.events[correlationID]
	out := make([]Event, len(src))
	copy(out, src)
	return out
}
