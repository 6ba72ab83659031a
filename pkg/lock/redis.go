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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/errkind"
)

// releaseScript deletes the lock key only when the stored token matches.
// Atomic compare-and-delete; the standard single-node Redis lock recipe.
var releaseScript = redis.NewScript(`
local stored = redis.call("GET", KEYS[1])
if stored == false then
	return 0
end
local lock = cjson.decode(stored)
if lock.token == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// RedisManager is the cross-process lock backend. Locks live under
// "lock:<resource_id>" with a PX expiry equal to the TTL; Redis enforces
// expiry so an abandoned lock frees itself.
type RedisManager struct {
	client  *redis.Client
	events  *bus.Bus
	metrics Metrics
	prefix  string
}

// NewRedisManager creates a Redis-backed lock manager. events may be nil.
func NewRedisManager(client *redis.Client, events *bus.Bus, metrics Metrics) *RedisManager {
	return &RedisManager{
		client:  client,
		events:  events,
		metrics: metrics,
		prefix:  "lock:",
	}
}

func (m *RedisManager) key(resourceID string) string {
	return m.prefix + resourceID
}

// Acquire implements Manager.
func (m *RedisManager) Acquire(ctx context.Context, resourceID, agentID string, ttl time.Duration, opts ...AcquireOption) (*Handle, error) {
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

func (m *RedisManager) tryAcquire(ctx context.Context, resourceID, agentID string, ttl time.Duration, reason string) (*Handle, error) {
	now := time.Now()
	info := Info{
		ResourceID: resourceID,
		Owner:      agentID,
		Token:      uuid.New().String(),
		Reason:     reason,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	data, err := json.Marshal(info)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "failed to encode lock record", err)
	}

	ok, err := m.client.SetNX(ctx, m.key(resourceID), data, ttl).Result()
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "lock store unavailable", err)
	}
	if !ok {
		return nil, errkind.Newf(errkind.Locked, "resource %s is locked", resourceID)
	}

	emitLocked(ctx, m.events, info)

	return &Handle{info: info, backend: m, events: m.events}, nil
}

// release implements releaser via the compare-and-delete script.
func (m *RedisManager) release(ctx context.Context, resourceID, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.client, []string{m.key(resourceID)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release script failed: %w", err)
	}
	return n == 1, nil
}

// IsLocked implements Manager.
func (m *RedisManager) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	n, err := m.client.Exists(ctx, m.key(resourceID)).Result()
	if err != nil {
		return false, errkind.Wrap(errkind.UpstreamUnavailable, "lock store unavailable", err)
	}
	return n == 1, nil
}

// GetLockInfo implements Manager.
func (m *RedisManager) GetLockInfo(ctx context.Context, resourceID string) (*Info, error) {
	data, err := m.client.Get(ctx, m.key(resourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "lock store unavailable", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "corrupt lock record", err)
	}
	return &info, nil
}

// ForceUnlock implements Manager.
func (m *RedisManager) ForceUnlock(ctx context.Context, resourceID, adminID string) error {
	info, err := m.GetLockInfo(ctx, resourceID)
	if err != nil {
		return err
	}

	if err := m.client.Del(ctx, m.key(resourceID)).Err(); err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "lock store unavailable", err)
	}

	if info != nil && m.events != nil {
		ev := bus.NewEvent(bus.EventResourceUnlocked, adminID, map[string]any{
			"resource_id": resourceID,
			"owner":       info.Owner,
			"reason":      "admin",
		})
		m.events.Emit(ctx, ev)
	}
	return nil
}

// Ping verifies the backend is reachable, for health checks.
func (m *RedisManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
