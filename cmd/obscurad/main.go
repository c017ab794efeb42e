// Copyright 2025 The obscura-core Authors
// This file is part of obscura-core.
//
// obscura-core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// obscura-core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with obscura-core. If not, see <http://www.gnu.org/licenses/>.

// obscurad is the compute coordinator daemon: it brokers inference jobs
// between clients and miners, meters usage and seals payment receipts.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/obscura-network/obscura-core/internal/debug"
	"github.com/obscura-network/obscura-core/internal/flags"
	"github.com/obscura-network/obscura-core/internal/version"
	"github.com/obscura-network/obscura-core/metrics"
	"github.com/obscura-network/obscura-core/metrics/influxdb"
	"github.com/obscura-network/obscura-core/node"
	"github.com/obscura-network/obscura-core/params"
)

const clientIdentifier = "obscurad"

var (
	metricsFlag = &cli.BoolFlag{
		Name:    "metrics",
		Usage:   "Enable system metrics collection",
		EnvVars: flags.EnvVars("metrics"),
	}
	metricsInfluxFlag = &cli.BoolFlag{
		Name:    "metrics.influxdb",
		Usage:   "Push metrics to an InfluxDB v1 endpoint",
		EnvVars: flags.EnvVars("metrics.influxdb"),
	}
	metricsInfluxEndpointFlag = &cli.StringFlag{
		Name:    "metrics.influxdb.endpoint",
		Usage:   "InfluxDB endpoint URL",
		Value:   "http://localhost:8086",
		EnvVars: flags.EnvVars("metrics.influxdb.endpoint"),
	}
	metricsInfluxDatabaseFlag = &cli.StringFlag{
		Name:    "metrics.influxdb.database",
		Usage:   "InfluxDB database name",
		Value:   "obscurad",
		EnvVars: flags.EnvVars("metrics.influxdb.database"),
	}
	metricsInfluxUsernameFlag = &cli.StringFlag{
		Name:    "metrics.influxdb.username",
		Usage:   "InfluxDB username",
		EnvVars: flags.EnvVars("metrics.influxdb.username"),
	}
	metricsInfluxPasswordFlag = &cli.StringFlag{
		Name:    "metrics.influxdb.password",
		Usage:   "InfluxDB password",
		EnvVars: flags.EnvVars("metrics.influxdb.password"),
	}

	metricsFlags = []cli.Flag{
		metricsFlag, metricsInfluxFlag, metricsInfluxEndpointFlag,
		metricsInfluxDatabaseFlag, metricsInfluxUsernameFlag, metricsInfluxPasswordFlag,
	}
)

func main() {
	app := &cli.App{
		Name:    clientIdentifier,
		Usage:   "decentralized compute coordinator daemon",
		Version: params.VersionWithMeta,
		Flags:   flags.Merge(configFlags, metricsFlags, debug.Flags),
		Action:  runCoordinator,
		Commands: []*cli.Command{
			dumpConfigCommand,
			sealkeyCommand,
			dbCommand,
			versionCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var dumpConfigCommand = &cli.Command{
	Name:   "dumpconfig",
	Usage:  "Print the effective configuration as TOML",
	Flags:  configFlags,
	Action: dumpConfig,
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version information",
	Action: func(*cli.Context) error {
		v, vcs := version.Info()
		fmt.Println(clientIdentifier, "version", v)
		if vcs != "" {
			fmt.Println("vcs:", vcs)
		}
		fmt.Println("client id:", version.ClientName(clientIdentifier))
		return nil
	},
}

// runCoordinator is the default action: boot the node and serve until a
// termination signal arrives.
func runCoordinator(ctx *cli.Context) error {
	if ctx.Args().Len() > 0 {
		return fmt.Errorf("unknown command %q, see --help", ctx.Args().First())
	}
	logger, err := debug.Setup(ctx)
	if err != nil {
		return err
	}
	defer debug.Exit()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	n, err := node.New(cfg, clock.New(), logger)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	var reporter *influxdb.Reporter
	if ctx.Bool(metricsFlag.Name) {
		go metrics.CollectProcessMetrics(3 * time.Second)
		if ctx.Bool(metricsInfluxFlag.Name) {
			reporter, err = influxdb.New(gometrics.DefaultRegistry, 10*time.Second,
				ctx.String(metricsInfluxEndpointFlag.Name),
				ctx.String(metricsInfluxDatabaseFlag.Name),
				ctx.String(metricsInfluxUsernameFlag.Name),
				ctx.String(metricsInfluxPasswordFlag.Name),
				"obscurad/", map[string]string{"host": hostname()}, logger)
			if err != nil {
				n.Stop()
				return err
			}
			reporter.Start()
		}
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if reporter != nil {
		reporter.Stop()
	}
	if err := n.Stop(); err != nil {
		return err
	}
	n.Wait()
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
