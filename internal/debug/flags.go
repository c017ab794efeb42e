// Copyright 2025 The obscura-core Authors
// This file is part of the obscura-core library.
//
// The obscura-core library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The obscura-core library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the obscura-core library. If not, see <http://www.gnu.org/licenses/>.

// Package debug wires the daemon's logging and profiling command line
// surface: zerolog setup with optional file rotation, and an optional
// pprof server.
package debug

import (
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/obscura-network/obscura-core/internal/flags"
)

var (
	verbosityFlag = &cli.StringFlag{
		Name:    "verbosity",
		Usage:   "Logging level: trace, debug, info, warn, error",
		Value:   "info",
		EnvVars: flags.EnvVars("verbosity"),
	}
	logJSONFlag = &cli.BoolFlag{
		Name:    "log.json",
		Usage:   "Format logs as JSON instead of human-readable console output",
		EnvVars: flags.EnvVars("log.json"),
	}
	logFileFlag = &cli.StringFlag{
		Name:    "log.file",
		Usage:   "Write logs to a rotated file in addition to stderr",
		EnvVars: flags.EnvVars("log.file"),
	}
	pprofFlag = &cli.BoolFlag{
		Name:    "pprof",
		Usage:   "Enable the pprof HTTP server",
		EnvVars: flags.EnvVars("pprof"),
	}
	pprofAddrFlag = &cli.StringFlag{
		Name:    "pprof.addr",
		Usage:   "pprof HTTP server listening interface",
		Value:   "127.0.0.1",
		EnvVars: flags.EnvVars("pprof.addr"),
	}
	pprofPortFlag = &cli.IntFlag{
		Name:    "pprof.port",
		Usage:   "pprof HTTP server listening port",
		Value:   6060,
		EnvVars: flags.EnvVars("pprof.port"),
	}
)

// Flags holds all command line flags this package interprets.
var Flags = []cli.Flag{
	verbosityFlag, logJSONFlag, logFileFlag,
	pprofFlag, pprofAddrFlag, pprofPortFlag,
}

// logFile is the rotated sink, kept for Exit.
var logFile *lumberjack.Logger

// Setup initializes logging and profiling from the command line flags and
// returns the root logger.
func Setup(ctx *cli.Context) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(ctx.String(verbosityFlag.Name))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid verbosity %q: %w", ctx.String(verbosityFlag.Name), err)
	}

	var out io.Writer = os.Stderr
	if !ctx.Bool(logJSONFlag.Name) && isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	if path := ctx.String(logFileFlag.Name); path != "" {
		logFile = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, logFile)
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()

	if ctx.Bool(pprofFlag.Name) {
		address := fmt.Sprintf("%s:%d", ctx.String(pprofAddrFlag.Name), ctx.Int(pprofPortFlag.Name))
		go func() {
			logger.Info().Str("addr", "http://"+address+"/debug/pprof").Msg("pprof server started")
			if err := http.ListenAndServe(address, nil); err != nil {
				logger.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}
	return logger, nil
}

// Exit flushes and closes the rotated log file, if one is open.
func Exit() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
