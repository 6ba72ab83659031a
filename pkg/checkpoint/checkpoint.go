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

// Package checkpoint provides durable storage of workflow state snapshots.
//
// Checkpoints are keyed by (thread_id, checkpoint_id) and carry an optional
// parent link, forming a per-thread DAG (usually a chain). Writes are
// write-once: a second Put for the same key fails with a conflict. The
// resumption path depends on these rows, so backends must commit durably
// before Put returns.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"
)

// Checkpoint is one stored snapshot.
type Checkpoint struct {
	ThreadID     string          `json:"thread_id"`
	CheckpointID string          `json:"checkpoint_id"`
	ParentID     string          `json:"parent_checkpoint_id,omitempty"`
	State        json.RawMessage `json:"state"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store is the checkpoint persistence contract.
type Store interface {
	// Put atomically writes one checkpoint row. Writing an existing
	// (thread_id, checkpoint_id) fails with a conflict error; partial rows
	// are never visible.
	Put(ctx context.Context, cp *Checkpoint) error

	// Get returns the stored checkpoint, or a not_found error.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// Latest returns the tip of the thread: the newest row not referenced
	// as parent by any other row. A thread with no rows is a not_found
	// error.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List returns all checkpoints for a thread, oldest first.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
