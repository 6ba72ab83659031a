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

// Package lock provides named mutual exclusion over shared resources.
//
// At most one active lock exists per resource at any time. Every acquisition
// mints a unique token; release clears the lock only when the stored token
// still matches (owner-scoped release). Locks expire after their TTL whether
// or not the owner releases them.
//
// Locks are not reentrant: a second acquire by the same agent before release
// fails exactly as if another agent held the lock.
//
// Callers acquiring multiple locks should sort resource names to avoid
// deadlock. Keep locks short; chunk longer work between releases and
// re-acquisitions with intermediate checkpointing.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/errkind"
)

const (
	// waitPollBase is the initial poll delay while waiting for a busy lock.
	waitPollBase = 25 * time.Millisecond

	// waitPollMax caps the poll delay while waiting.
	waitPollMax = 500 * time.Millisecond
)

// Metrics are optional lock counters. Nil fields are skipped.
type Metrics struct {
	// Acquired counts granted acquisitions.
	Acquired prometheus.Counter

	// Contention counts Acquire calls that found the resource held at
	// least once, whether they eventually succeeded or gave up.
	Contention prometheus.Counter
}

func (m Metrics) incAcquired() {
	if m.Acquired != nil {
		m.Acquired.Inc()
	}
}

func (m Metrics) incContention() {
	if m.Contention != nil {
		m.Contention.Inc()
	}
}

// Info describes an active lock.
type Info struct {
	ResourceID string    `json:"resource_id"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Manager is the lock backend contract.
type Manager interface {
	// Acquire attempts to take the lock. With a zero wait timeout a busy
	// resource fails immediately with a locked error; otherwise the call
	// polls with bounded exponential backoff until the wait timeout elapses.
	Acquire(ctx context.Context, resourceID, agentID string, ttl time.Duration, opts ...AcquireOption) (*Handle, error)

	// IsLocked reports whether the resource is currently held. Never blocks.
	IsLocked(ctx context.Context, resourceID string) (bool, error)

	// GetLockInfo returns the active lock, or nil when unheld. Never blocks.
	GetLockInfo(ctx context.Context, resourceID string) (*Info, error)

	// ForceUnlock removes the lock regardless of owner. Admin override.
	ForceUnlock(ctx context.Context, resourceID, adminID string) error
}

// AcquireOption adjusts a single Acquire call.
type AcquireOption func(*acquireConfig)

type acquireConfig struct {
	waitTimeout time.Duration
	reason      string
}

// WithWait polls for up to d before giving up on a busy lock.
func WithWait(d time.Duration) AcquireOption {
	return func(c *acquireConfig) { c.waitTimeout = d }
}

// WithReason records why the lock is held, for diagnostics.
func WithReason(reason string) AcquireOption {
	return func(c *acquireConfig) { c.reason = reason }
}

// releaser is the backend half of a Handle.
type releaser interface {
	release(ctx context.Context, resourceID, token string) (bool, error)
}

// Handle is a scoped acquisition. Release it on every exit path.
type Handle struct {
	info     Info
	backend  releaser
	events   *bus.Bus
	released bool
}

// Info returns a copy of the lock metadata.
func (h *Handle) Info() Info {
	return h.info
}

// TTL returns the remaining lock budget. Callers that cannot finish inside
// it should release and re-acquire between work chunks.
func (h *Handle) TTL() time.Duration {
	return time.Until(h.info.ExpiresAt)
}

// Release clears the lock if the stored token still matches. A mismatch
// (expiry or force-unlock already cleared it) is a logged no-op. Release is
// idempotent.
func (h *Handle) Release(ctx context.Context) error {
	if h.released {
		return nil
	}
	h.released = true

	ok, err := h.backend.release(ctx, h.info.ResourceID, h.info.Token)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "lock release failed", err)
	}
	if !ok {
		slog.Warn("Lock release was a no-op, token no longer matches",
			"resource_id", h.info.ResourceID,
			"owner", h.info.Owner)
		return nil
	}

	emitUnlocked(ctx, h.events, h.info, "released")
	return nil
}

// acquireLoop implements wait-and-retry on top of a backend's tryAcquire.
func acquireLoop(
	ctx context.Context,
	resourceID, agentID string,
	ttl time.Duration,
	cfg acquireConfig,
	metrics Metrics,
	try func(ctx context.Context) (*Handle, error),
) (*Handle, error) {
	deadline := time.Now().Add(cfg.waitTimeout)
	delay := waitPollBase
	contended := false

	for {
		h, err := try(ctx)
		if err == nil {
			metrics.incAcquired()
			return h, nil
		}
		if !errkind.Is(err, errkind.Locked) {
			return nil, err
		}
		if !contended {
			contended = true
			metrics.incContention()
		}
		if cfg.waitTimeout <= 0 || time.Now().After(deadline) {
			return nil, errkind.Newf(errkind.Locked, "resource %s is locked", resourceID).
				WithDetails(map[string]any{
					"resource_id": resourceID,
					"agent_id":    agentID,
					"ttl":         ttl.String(),
				})
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.Locked, "lock wait cancelled", ctx.Err())
		}
		delay = min(delay*2, waitPollMax)
	}
}

func emitLocked(ctx context.Context, b *bus.Bus, info Info) {
	if b == nil {
		return
	}
	b.Emit(ctx, bus.NewEvent(bus.EventResourceLocked, info.Owner, map[string]any{
		"resource_id": info.ResourceID,
		"owner":       info.Owner,
		"reason":      info.Reason,
		"expires_at":  info.ExpiresAt.Format(time.RFC3339Nano),
	}))
}

func emitUnlocked(ctx context.Context, b *bus.Bus, info Info, reason string) {
	if b == nil {
		return
	}
	b.Emit(ctx, bus.NewEvent(bus.EventResourceUnlocked, info.Owner, map[string]any{
		"resource_id": info.ResourceID,
		"owner":       info.Owner,
		"reason":      reason,
	}))
}
