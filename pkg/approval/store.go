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

package approval

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// IsTerminal reports whether the status is write-once final.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Request is one approval request row.
type Request struct {
	RequestID     string    `json:"request_id"`
	WorkflowID    string    `json:"workflow_id"`
	ThreadID      string    `json:"thread_id"`
	CheckpointID  string    `json:"checkpoint_id"`
	AgentName     string    `json:"agent_name"`
	RiskLevel     RiskLevel `json:"risk_level"`
	RequiredRole  Role      `json:"required_role"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DecidedAt     time.Time `json:"decided_at,omitempty"`
	DecidedBy     string    `json:"decided_by,omitempty"`
	Justification string    `json:"justification,omitempty"`
	ExternalRef   string    `json:"external_ref,omitempty"`
}

// Store persists approval requests. Finalize is the only mutation and only
// succeeds on a pending row, which makes terminal states write-once.
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, requestID string) (*Request, error)

	// Finalize transitions a pending request to a terminal status. Returns
	// conflict if the row is already terminal.
	Finalize(ctx context.Context, requestID string, status Status, decidedBy, justification string) error

	// SetExternalRef records the external UI reference after creation.
	SetExternalRef(ctx context.Context, requestID, externalRef string) error

	// ListPending returns pending requests, optionally filtered by agent.
	ListPending(ctx context.Context, agentName string) ([]*Request, error)

	// ExpiredPending returns pending requests whose expires_at < now.
	ExpiredPending(ctx context.Context, now time.Time) ([]*Request, error)

	Ping(ctx context.Context) error
	Close() error
}

// ---------------------------------------------------------------------------
// SQL store

// SQLStore implements Store on database/sql. Supports PostgreSQL, MySQL, and
// SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createApprovalsSQL = `
CREATE TABLE IF NOT EXISTS approval_requests (
    request_id VARCHAR(255) PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    thread_id VARCHAR(255) NOT NULL,
    checkpoint_id VARCHAR(255) NOT NULL,
    agent_name VARCHAR(255),
    risk_level VARCHAR(32) NOT NULL,
    required_role VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    decided_at TIMESTAMP,
    decided_by VARCHAR(255),
    justification TEXT,
    external_ref VARCHAR(255)
);

CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_approvals_workflow ON approval_requests(workflow_id);
`

// NewSQLStore creates a SQL-backed approval store and initializes the schema.
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, createApprovalsSQL); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

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

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, req *Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	query := s.rebind(`
INSERT INTO approval_requests
  (request_id, workflow_id, thread_id, checkpoint_id, agent_name, risk_level, required_role, status, created_at, expires_at, external_ref)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query,
		req.RequestID, req.WorkflowID, req.ThreadID, req.CheckpointID, req.AgentName,
		string(req.RiskLevel), string(req.RequiredRole), string(req.Status),
		req.CreatedAt, req.ExpiresAt, req.ExternalRef,
	)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") {
			return errkind.Newf(errkind.Conflict, "approval request %s already exists", req.RequestID)
		}
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, requestID string) (*Request, error) {
	query := s.rebind(selectApprovalSQL + ` WHERE request_id = ?`)
	row := s.db.QueryRowContext(ctx, query, requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, errkind.Newf(errkind.NotFound, "approval request %s not found", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query approval request: %w", err)
	}
	return req, nil
}

// Finalize implements Store. The status guard in the WHERE clause makes the
// transition atomic.
func (s *SQLStore) Finalize(ctx context.Context, requestID string, status Status, decidedBy, justification string) error {
	if !status.IsTerminal() {
		return errkind.Newf(errkind.Validation, "status %s is not terminal", status)
	}

	query := s.rebind(`
UPDATE approval_requests
SET status = ?, decided_at = ?, decided_by = ?, justification = ?
WHERE request_id = ? AND status = ?
`)
	res, err := s.db.ExecContext(ctx, query,
		string(status), time.Now().UTC(), decidedBy, justification,
		requestID, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize approval request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, requestID); getErr != nil {
			return getErr
		}
		return errkind.Newf(errkind.Conflict, "approval request %s is already decided", requestID)
	}
	return nil
}

// SetExternalRef implements Store.
func (s *SQLStore) SetExternalRef(ctx context.Context, requestID, externalRef string) error {
	query := s.rebind(`UPDATE approval_requests SET external_ref = ? WHERE request_id = ?`)
	_, err := s.db.ExecContext(ctx, query, externalRef, requestID)
	return err
}

// ListPending implements Store, oldest first.
func (s *SQLStore) ListPending(ctx context.Context, agentName string) ([]*Request, error) {
	query := selectApprovalSQL + ` WHERE status = ?`
	args := []any{string(StatusPending)}
	if agentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY created_at ASC, request_id ASC`

	return s.queryRequests(ctx, s.rebind(query), args...)
}

// ExpiredPending implements Store.
func (s *SQLStore) ExpiredPending(ctx context.Context, now time.Time) ([]*Request, error) {
	query := s.rebind(selectApprovalSQL + ` WHERE status = ? AND expires_at < ? ORDER BY expires_at ASC`)
	return s.queryRequests(ctx, query, string(StatusPending), now)
}

func (s *SQLStore) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		out = append(out, req)
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

const selectApprovalSQL = `
SELECT request_id, workflow_id, thread_id, checkpoint_id, agent_name, risk_level, required_role, status,
       created_at, expires_at, decided_at, decided_by, justification, external_ref
FROM approval_requests`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*Request, error) {
	var (
		req           Request
		agentName     sql.NullString
		decidedAt     sql.NullTime
		decidedBy     sql.NullString
		justification sql.NullString
		externalRef   sql.NullString
		riskLevel     string
		requiredRole  string
		status        string
	)
	if err := sc.Scan(&req.RequestID, &req.WorkflowID, &req.ThreadID, &req.CheckpointID,
		&agentName, &riskLevel, &requiredRole, &status,
		&req.CreatedAt, &req.ExpiresAt, &decidedAt, &decidedBy, &justification, &externalRef); err != nil {
		return nil, err
	}
	req.AgentName = agentName.String
	req.RiskLevel = RiskLevel(riskLevel)
	req.RequiredRole = Role(requiredRole)
	req.Status = Status(status)
	req.DecidedAt = decidedAt.Time
	req.DecidedBy = decidedBy.String
	req.Justification = justification.String
	req.ExternalRef = externalRef.String
	return &req, nil
}

func validateRequest(req *Request) error {
	if req == nil {
		return errkind.New(errkind.Validation, "approval request is required")
	}
	if req.RequestID == "" || req.WorkflowID == "" || req.ThreadID == "" {
		return errkind.New(errkind.Validation, "request_id, workflow_id, and thread_id are required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory store

// InMemoryStore is a Store for tests and single-process development runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[string]*Request)}
}

// Create implements Store.
func (s *InMemoryStore) Create(_ context.Context, req *Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.RequestID]; exists {
		return errkind.Newf(errkind.Conflict, "approval request %s already exists", req.RequestID)
	}
	stored := *req
	s.requests[req.RequestID] = &stored
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, requestID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[requestID]
	if !exists {
		return nil, errkind.Newf(errkind.NotFound, "approval request %s not found", requestID)
	}
	out := *req
	return &out, nil
}

// Finalize implements Store.
func (s *InMemoryStore) Finalize(_ context.Context, requestID string, status Status, decidedBy, justification string) error {
	if !status.IsTerminal() {
		return errkind.Newf(errkind.Validation, "status %s is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requests[requestID]
	if !exists {
		return errkind.Newf(errkind.NotFound, "approval request %s not found", requestID)
	}
	if req.Status != StatusPending {
		return errkind.Newf(errkind.Conflict, "approval request %s is already decided", requestID)
	}
	req.Status = status
	req.DecidedAt = time.Now().UTC()
	req.DecidedBy = decidedBy
	req.Justification = justification
	return nil
}

// SetExternalRef implements Store.
func (s *InMemoryStore) SetExternalRef(_ context.Context, requestID, externalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requests[requestID]
	if !exists {
		return errkind.Newf(errkind.NotFound, "approval request %s not found", requestID)
	}
	req.ExternalRef = externalRef
	return nil
}

// ListPending implements Store, oldest first.
func (s *InMemoryStore) ListPending(_ context.Context, agentName string) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Request
	for _, req := range s.requests {
		if req.Status != StatusPending {
			continue
		}
		if agentName != "" && req.AgentName != agentName {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out, nil
}

// ExpiredPending implements Store.
func (s *InMemoryStore) ExpiredPending(_ context.Context, now time.Time) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Request
	for _, req := range s.requests {
		if req.Status == StatusPending && req.ExpiresAt.Before(now) {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
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
