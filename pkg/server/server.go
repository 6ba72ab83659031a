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

// Package server exposes the orchestrator's HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/maestro/pkg/approval"
	"github.com/kadirpekel/maestro/pkg/bus"
	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/workflow"
)

// HealthFunc probes dependencies and reports overall and per-dependency
// status.
type HealthFunc func(ctx context.Context) (string, map[string]string)

// Options configures the HTTP server.
type Options struct {
	Host string
	Port int

	Engine    *workflow.Engine
	Approvals *approval.Manager
	Health    HealthFunc

	// Recorder adds a recent_events section to GET /tasks responses when set.
	Recorder *bus.Recorder

	// Registry backs GET /metrics. Nil disables the endpoint.
	Registry *prometheus.Registry

	// SharedSecret signs approval webhook payloads. Empty disables the
	// webhook endpoint.
	SharedSecret string

	// Middleware is applied to every route (metrics, tracing).
	Middleware []func(http.Handler) http.Handler

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the orchestrator HTTP front end.
type Server struct {
	opts   Options
	router chi.Router
	http   *http.Server
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Approvals == nil {
		return nil, fmt.Errorf("approval manager is required")
	}
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 120 * time.Second
	}

	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range opts.Middleware {
		r.Use(mw)
	}

	r.Post("/orchestrate", s.handleOrchestrate)
	r.Get("/tasks/{taskID}", s.handleGetTask)
	r.Post("/tasks/{taskID}/resume", s.handleResume)
	r.Post("/tasks/{taskID}/cancel", s.handleCancel)
	if opts.SharedSecret != "" {
		r.Post("/webhooks/approval", s.handleApprovalWebhook)
	}
	r.Get("/health", s.handleHealth)
	if opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	s.router = r
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s, nil
}

// Handler returns the route tree, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// errorEnvelope is the uniform non-2xx body.
type errorEnvelope struct {
	ErrorKind string         `json:"error_kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// writeError maps a typed error onto the envelope and status code.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	if kind == "" {
		kind = errkind.Internal
	}

	env := errorEnvelope{
		ErrorKind: string(kind),
		Message:   err.Error(),
	}
	var typed *errkind.Error
	if errors.As(err, &typed) {
		env.Message = typed.Message
		env.Details = typed.Details
	}
	writeJSON(w, errkind.HTTPStatus(kind), env)
}
