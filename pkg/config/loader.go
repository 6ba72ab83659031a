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

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType names a configuration backend.
type SourceType string

const (
	SourceFile   SourceType = "file"
	SourceConsul SourceType = "consul"
	SourceEtcd   SourceType = "etcd"
)

// LoaderOptions selects the configuration source.
type LoaderOptions struct {
	Type SourceType

	// Path is the file path, or the KV key for remote sources.
	Path string

	// Endpoints of the remote KV store.
	Endpoints []string

	// Watch reloads the configuration on source changes.
	Watch bool

	// OnChange receives every successfully reloaded configuration.
	OnChange func(*Config) error
}

// Loader reads and watches one configuration source.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

// NewLoader creates a loader. Path is required.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		}
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

// Load reads the source, expands env vars, and returns the validated config
// with defaults applied.
func (l *Loader) Load() (*Config, error) {
	provider, err := l.provider()
	if err != nil {
		return nil, err
	}

	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}

	if err := l.expandEnv(); err != nil {
		return nil, err
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}
	return cfg, nil
}

func (l *Loader) provider() (koanf.Provider, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), nil

	case SourceConsul:
		consulConfig := consulapi.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		}), nil

	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported config source: %s", l.options.Type)
	}
}

// parserFor returns the yaml parser for file sources. Remote KV providers
// return structured maps and take no parser.
func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == SourceFile {
		return l.parser
	}
	return nil
}

type watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	w, ok := provider.(watcher)
	if !ok {
		slog.Warn("Config source does not support watching", "source", l.options.Type)
		return
	}

	slog.Info("Config watcher started", "source", l.options.Type, "path", l.options.Path)

	err := w.Watch(func(_ interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err != nil {
			slog.Warn("Config watch error", "error", err)
			return
		}

		if err := l.koanf.Load(provider, l.parserFor()); err != nil {
			slog.Warn("Failed to reload config", "error", err)
			return
		}
		if err := l.expandEnv(); err != nil {
			slog.Warn("Failed to expand env vars in reloaded config", "error", err)
			return
		}

		cfg, err := l.unmarshal()
		if err != nil {
			slog.Warn("Reloaded config is invalid, keeping current", "error", err)
			return
		}

		if l.options.OnChange != nil {
			if err := l.options.OnChange(cfg); err != nil {
				slog.Warn("Config change callback failed", "error", err)
			} else {
				slog.Info("Configuration reloaded", "source", l.options.Type)
			}
		}
	})
	if err != nil {
		slog.Warn("Config watch stopped", "error", err)
	}
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "yaml",
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} references across the loaded tree.
func (l *Loader) expandEnv() error {
	expanded, ok := ExpandEnvVarsInData(l.koanf.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	fresh := koanf.New(".")
	if err := fresh.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return fmt.Errorf("failed to load expanded config: %w", err)
	}
	l.koanf = fresh
	return nil
}

// Stop ends watching.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// Load is the one-shot entry point.
func Load(opts LoaderOptions) (*Config, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

// ParseSourceType validates a source type string.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return SourceFile, nil
	case "consul":
		return SourceConsul, nil
	case "etcd":
		return SourceEtcd, nil
	default:
		return "", fmt.Errorf("invalid config source: %s (valid: file, consul, etcd)", s)
	}
}
