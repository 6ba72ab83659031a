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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/maestro/pkg/runtime"
	"github.com/kadirpekel/maestro/pkg/server"
)

// shutdownGrace bounds graceful HTTP drain on SIGINT/SIGTERM.
const shutdownGrace = 15 * time.Second

// ServeCmd starts the orchestrator HTTP server.
type ServeCmd struct {
	Host string `help:"Listen address (overrides config)."`
	Port int    `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var mw []func(http.Handler) http.Handler
	if metrics := rt.Obs.Metrics(); metrics != nil {
		mw = append(mw, metrics.HTTPMiddleware)
	}

	srv, err := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Engine:       rt.Engine,
		Approvals:    rt.Approvals,
		Health:       rt.Health,
		Recorder:     rt.Recorder,
		Registry:     rt.Obs.Metrics().Registry(),
		SharedSecret: cfg.Server.SharedSecretApprovalWebhook,
		Middleware:   mw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		cancel()
	}()

	slog.Info("Maestro ready",
		"node_id", cfg.NodeID,
		"addr", cfg.Server.Host,
		"port", cfg.Server.Port,
		"webhook", cfg.Server.SharedSecretApprovalWebhook != "")
	return srv.ListenAndServe()
}
