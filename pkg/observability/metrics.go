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

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	registry *prometheus.Registry

	WorkflowsStarted   prometheus.Counter
	WorkflowsCompleted prometheus.Counter
	WorkflowsFailed    prometheus.Counter
	WorkflowsSuspended prometheus.Counter
	CheckpointWrites   prometheus.Counter

	SubscriberErrors  prometheus.Counter
	ApprovalDecisions *prometheus.CounterVec
	LocksAcquired     prometheus.Counter
	LockContention    prometheus.Counter

	ToolTokenSavings prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "maestro"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry:           reg,
		WorkflowsStarted:   factory("workflows_started_total", "Workflows accepted for execution"),
		WorkflowsCompleted: factory("workflows_completed_total", "Workflows that reached the end node"),
		WorkflowsFailed:    factory("workflows_failed_total", "Workflows that terminated with an error or cancellation"),
		WorkflowsSuspended: factory("workflows_suspended_total", "Workflows suspended for approval"),
		CheckpointWrites:   factory("checkpoint_writes_total", "Workflow state checkpoints written"),
		SubscriberErrors:   factory("subscriber_errors_total", "Event handler errors swallowed by the bus"),
		LocksAcquired:      factory("locks_acquired_total", "Resource locks granted"),
		LockContention:     factory("lock_contention_total", "Lock acquisitions that had to wait or fail"),
	}

	m.ApprovalDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approval_decisions_total",
		Help:      "Approval decisions by outcome",
	}, []string{"decision"})
	reg.MustRegister(m.ApprovalDecisions)

	m.ToolTokenSavings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tool_selection_token_savings_ratio",
		Help:      "Fraction of catalog token cost avoided by the last tool selection",
	})
	reg.MustRegister(m.ToolTokenSavings)

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, path, and status",
	}, []string{"method", "path", "status"})
	reg.MustRegister(m.httpRequests)

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
	reg.MustRegister(m.httpDuration)

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// HTTPMiddleware records request counts and latency per route.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

// responseWriter captures the status code for metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
