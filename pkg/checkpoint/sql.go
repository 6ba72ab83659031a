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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/maestro/pkg/errkind"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on database/sql.
// Supports PostgreSQL, MySQL, and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
}

const createCheckpointsSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    thread_id VARCHAR(255) NOT NULL,
    checkpoint_id VARCHAR(255) NOT NULL,
    parent_checkpoint_id VARCHAR(255),
    state TEXT NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (thread_id, checkpoint_id)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_parent ON checkpoints(thread_id, parent_checkpoint_id);
`

// NewSQLStore creates a SQL-backed checkpoint store and initializes the
// schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
		// Valid
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, createCheckpointsSQL)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders for the postgres dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put implements Store. Duplicate keys surface as conflict.
func (s *SQLStore) Put(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return errkind.New(errkind.Validation, "checkpoint is required")
	}
	if cp.ThreadID == "" || cp.CheckpointID == "" {
		return errkind.New(errkind.Validation, "thread_id and checkpoint_id are required")
	}

	metadata, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var parent sql.NullString
	if cp.ParentID != "" {
		parent = sql.NullString{String: cp.ParentID, Valid: true}
	}

	query := s.rebind(`
INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, state, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, query,
		cp.ThreadID, cp.CheckpointID, parent,
		string(cp.State), string(metadata), createdAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return errkind.Newf(errkind.Conflict, "checkpoint %s already exists for thread %s",
				cp.CheckpointID, cp.ThreadID)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// isDuplicateKey detects primary-key violations across the three dialects.
func isDuplicateKey(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || // sqlite, postgres
		strings.Contains(msg, "duplicate") // mysql, postgres detail
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	query := s.rebind(`
SELECT thread_id, checkpoint_id, parent_checkpoint_id, state, metadata, created_at
FROM checkpoints
WHERE thread_id = ? AND checkpoint_id = ?
`)
	row := s.db.QueryRowContext(ctx, query, threadID, checkpointID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, errkind.Newf(errkind.NotFound, "checkpoint %s not found for thread %s", checkpointID, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return cp, nil
}

// Latest implements Store: the newest row without children.
func (s *SQLStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	query := s.rebind(`
SELECT c.thread_id, c.checkpoint_id, c.parent_checkpoint_id, c.state, c.metadata, c.created_at
FROM checkpoints c
WHERE c.thread_id = ?
  AND NOT EXISTS (
    SELECT 1 FROM checkpoints x
    WHERE x.thread_id = c.thread_id AND x.parent_checkpoint_id = c.checkpoint_id
  )
ORDER BY c.created_at DESC, c.checkpoint_id DESC
LIMIT 1
`)
	row := s.db.QueryRowContext(ctx, query, threadID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, errkind.Newf(errkind.NotFound, "no checkpoints for thread %s", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest checkpoint: %w", err)
	}
	return cp, nil
}

// List implements Store, oldest first.
func (s *SQLStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	query := s.rebind(`
SELECT thread_id, checkpoint_id, parent_checkpoint_id, state, metadata, created_at
FROM checkpoints
WHERE thread_id = ?
ORDER BY created_at ASC, checkpoint_id ASC
`)
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(sc scanner) (*Checkpoint, error) {
	var (
		cp       Checkpoint
		parent   sql.NullString
		state    string
		metadata sql.NullString
	)
	if err := sc.Scan(&cp.ThreadID, &cp.CheckpointID, &parent, &state, &metadata, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.ParentID = parent.String
	cp.State = json.RawMessage(state)
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &cp, nil
}
