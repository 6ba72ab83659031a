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

// Command maestro runs the development-automation orchestrator.
//
// Usage:
//
//	maestro serve --config config.yaml
//	maestro validate --config config.yaml
//	maestro version
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/errkind"
	"github.com/kadirpekel/maestro/pkg/logger"
)

// Exit codes: 0 success, 2 configuration error, 3 required dependency
// unavailable.
const (
	exitConfigError = 2
	exitDependency  = 3
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestrator HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and exit."`

	Config          string   `short:"c" help:"Path to config file (or KV key for remote sources)." type:"path"`
	ConfigSource    string   `name:"config-source" help:"Config source (file, consul, etcd)." default:"file"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Remote KV store endpoints."`
	LogLevel        string   `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile         string   `help:"Log file path (empty = stderr)."`
	LogFormat       string   `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("maestro version %s\n", version)
	return nil
}

// loadConfig builds loader options from the global flags and loads the
// configuration once.
func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return nil, errkind.New(errkind.Validation, "--config is required")
	}

	source, err := config.ParseSourceType(cli.ConfigSource)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, "invalid config source", err)
	}

	cfg, err := config.Load(config.LoaderOptions{
		Type:      source,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, "failed to load config", err)
	}
	return cfg, nil
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch errkind.KindOf(err) {
	case errkind.Validation:
		return exitConfigError
	case errkind.UpstreamUnavailable:
		return exitDependency
	default:
		return 1
	}
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("maestro"),
		kong.Description("Maestro - multi-agent development automation orchestrator"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(exitConfigError)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "maestro: %v\n", err)
		os.Exit(exitCode(err))
	}
}
