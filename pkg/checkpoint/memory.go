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

package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

// InMemoryStore is a Store for tests and single-process development runs.
// It offers no durability.
type InMemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads: make(map[string][]*Checkpoint),
	}
}

// Put implements Store.
func (s *InMemoryStore) Put(_ context.Context, cp *Checkpoint) error {
	if cp == nil {
		return errkind.New(errkind.Validation, "checkpoint is required")
	}
	if cp.ThreadID == "" || cp.CheckpointID == "" {
		return errkind.New(errkind.Validation, "thread_id and checkpoint_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.threads[cp.ThreadID] {
		if existing.CheckpointID == cp.CheckpointID {
			return errkind.Newf(errkind.Conflict, "checkpoint %s already exists for thread %s",
				cp.CheckpointID, cp.ThreadID)
		}
	}

	stored := *cp
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.State = append([]byte(nil), cp.State...)
	s.threads[cp.ThreadID] = append(s.threads[cp.ThreadID], &stored)
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.threads[threadID] {
		if cp.CheckpointID == checkpointID {
			out := *cp
			return &out, nil
		}
	}
	return nil, errkind.Newf(errkind.NotFound, "checkpoint %s not found for thread %s", checkpointID, threadID)
}

// Latest implements Store.
func (s *InMemoryStore) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.threads[threadID]
	if len(chain) == 0 {
		return nil, errkind.Newf(errkind.NotFound, "no checkpoints for thread %s", threadID)
	}

	referenced := make(map[string]bool, len(chain))
	for _, cp := range chain {
		if cp.ParentID != "" {
			referenced[cp.ParentID] = true
		}
	}

	var tip *Checkpoint
	for _, cp := range chain {
		if referenced[cp.CheckpointID] {
			continue
		}
		if tip == nil || cp.CreatedAt.After(tip.CreatedAt) ||
			(cp.CreatedAt.Equal(tip.CreatedAt) && cp.CheckpointID > tip.CheckpointID) {
			tip = cp
		}
	}

	out := *tip
	return &out, nil
}

// List implements Store, oldest first.
func (s *InMemoryStore) List(_ context.Context, threadID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.threads[threadID]
	out := make([]*Checkpoint, len(chain))
	for i, cp := range chain {
		c := *cp
		out[i] = &c
	}
	return out, nil
}

// Ping implements Store.
func (s *InMemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error {
	return nil
}
