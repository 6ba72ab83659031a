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

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/errkind"
)

// InMemoryManager is a single-process lock backend. It honors the same
// semantics as the distributed backend: TTL expiry, owner-scoped release,
// non-reentrancy.
type InMemoryManager struct {
	events  *bus.Bus
	metrics Metrics

	mu    sync.Mutex
	locks map[string]Info
}

// NewInMemoryManager creates an in-memory lock manager. events may be nil.
func NewInMemoryManager(events *bus.Bus, metrics Metrics) *InMemoryManager {
	return &InMemoryManager{
		events:  events,
		metrics: metrics,
		locks:   make(map[string]Info),
	}
}

// Acquire implements Manager.
func (m *InMemoryManager) Acquire(ctx context.Context, resourceID, agentID string, ttl time.Duration, opts ...AcquireOption) (*Handle, error) {
	var cfg acquireConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if resourceID == "" {
		return nil, errkind.New(errkind.Validation, "resource_id is required")
	}
	if agentID == "" {
		return nil, errkind.New(errkind.Validation, "agent_id is required")
	}
	if ttl <= 0 {
		return nil, errkind.New(errkind.Validation, "ttl must be positive")
	}

	return acquireLoop(ctx, resourceID, agentID, ttl, cfg, m.metrics, func(ctx context.Context) (*Handle, error) {
		return m.tryAcquire(ctx, resourceID, agentID, ttl, cfg.reason)
	})
}

func (m *InMemoryManager) tryAcquire(ctx context.Context, resourceID, agentID string, ttl time.Duration, reason string) (*Handle, error) {
	m.mu.Lock()

	if current, held := m.locks[resourceID]; held && time.Now().Before(current.ExpiresAt) {
		m.mu.Unlock()
		return nil, errkind.Newf(errkind.Locked, "resource %s is locked by %s", resourceID, current.Owner)
	}

	now := time.Now()
	info := Info{
		ResourceID: resourceID,
		Owner:      agentID,
		Token:      uuid.New().String(),
		Reason:     reason,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[resourceID] = info
	m.mu.Unlock()

	emitLocked(ctx, m.events, info)

	return &Handle{info: info, backend: m, events: m.events}, nil
}

// release implements releaser: owner-scoped, token-checked.
func (m *InMemoryManager) release(_ context.Context, resourceID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.locks[resourceID]
	if !held || current.Token != token {
		return false, nil
	}
	delete(m.locks, resourceID)
	return true, nil
}

// IsLocked implements Manager.
func (m *InMemoryManager) IsLocked(_ context.Context, resourceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.locks[resourceID]
	if !held {
		return false, nil
	}
	if time.Now().After(current.ExpiresAt) {
		delete(m.locks, resourceID)
		return false, nil
	}
	return true, nil
}

// GetLockInfo implements Manager.
func (m *InMemoryManager) GetLockInfo(_ context.Context, resourceID string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.locks[resourceID]
	if !held || time.Now().After(current.ExpiresAt) {
		return nil, nil
	}
	info := current
	return &info, nil
}

// ForceUnlock implements Manager.
func (m *InMemoryManager) ForceUnlock(ctx context.Context, resourceID, adminID string) error {
	m.mu.Lock()
	current, held := m.locks[resourceID]
	delete(m.locks, resourceID)
	m.mu.Unlock()

	if held && m.events != nil {
		ev := bus.NewEvent(bus.EventResourceUnlocked, adminID, map[string]any{
			"resource_id": resourceID,
			"owner":       current.Owner,
			"reason":      "admin",
		})
		m.events.Emit(ctx, ev)
	}
	return nil
}
