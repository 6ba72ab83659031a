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

// Package observability wires OpenTelemetry tracing and Prometheus metrics
// for the orchestration engine.
package observability

import (
	"fmt"
	"time"
)

// Config configures tracing and metrics.
type Config struct {
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Exporter is "otlp" (default) or "stdout".
	Exporter string `yaml:"exporter,omitempty" json:"exporter,omitempty"`

	// Endpoint is the OTLP gRPC collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// SamplingRate is the fraction of traces sampled, 0.0 to 1.0.
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty"`

	ServiceName string        `yaml:"service_name,omitempty" json:"service_name,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Namespace prefixes all metric names. Default: "maestro".
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "maestro"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.Timeout == 0 {
		c.Tracing.Timeout = 10 * time.Second
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "maestro"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Tracing.Enabled {
		if c.Tracing.Exporter != "otlp" && c.Tracing.Exporter != "stdout" {
			return fmt.Errorf("invalid trace exporter %q (valid: otlp, stdout)", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the otlp exporter")
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.Tracing.SamplingRate)
		}
	}
	return nil
}
