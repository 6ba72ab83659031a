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

// Package errkind defines the error taxonomy surfaced by the orchestrator.
//
// Every user-visible failure carries a Kind that maps to an HTTP status and
// to the {error_kind, message, details} envelope on the wire. Internal code
// wraps errors with fmt.Errorf("%w") as usual; the HTTP layer resolves the
// kind with errors.As.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// Validation means a malformed request or missing required fields.
	Validation Kind = "validation_error"

	// NotFound means an unknown task, request, or checkpoint.
	NotFound Kind = "not_found"

	// Conflict means a write-once violation: deciding an already-terminal
	// approval or re-writing an existing checkpoint.
	Conflict Kind = "conflict"

	// Locked means a resource stayed busy beyond the wait timeout.
	Locked Kind = "locked"

	// Timeout means an operation exceeded its budget.
	Timeout Kind = "timeout"

	// UpstreamUnavailable means the tool gateway, LLM, or approval UI
	// failed after retries.
	UpstreamUnavailable Kind = "upstream_unavailable"

	// PermissionDenied means a webhook signature mismatch.
	PermissionDenied Kind = "permission_denied"

	// Internal is an unclassified bug.
	Internal Kind = "internal"
)

// Error is a classified error with an optional details map.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails attaches a details map and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf resolves the Kind of an error chain. Unclassified errors are
// Internal; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether the error is worth retrying. Only timeouts and
// upstream failures are transient; everything else is permanent for its
// level.
func Transient(err error) bool {
	switch KindOf(err) {
	case Timeout, UpstreamUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Locked:
		return http.StatusLocked
	case Timeout:
		return http.StatusGatewayTimeout
	case UpstreamUnavailable:
		return http.StatusBadGateway
	case PermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
