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

package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/obscura-network/obscura-core/internal/flags"
	"github.com/obscura-network/obscura-core/params"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: flags.EnvVars("config"),
	}
	dataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Data directory for the database, generated secrets and ledger",
		Value:   defaultDataDir(),
		EnvVars: flags.EnvVars("datadir"),
	}
	dbEngineFlag = &cli.StringFlag{
		Name:    "db.engine",
		Usage:   "Backing database implementation (pebble, leveldb, badger, memory)",
		Value:   "pebble",
		EnvVars: flags.EnvVars("db.engine"),
	}
	httpAddrFlag = &cli.StringFlag{
		Name:    "http.addr",
		Usage:   "HTTP API listening interface",
		Value:   "127.0.0.1",
		EnvVars: flags.EnvVars("http.addr"),
	}
	httpPortFlag = &cli.IntFlag{
		Name:    "http.port",
		Usage:   "HTTP API listening port",
		Value:   8647,
		EnvVars: flags.EnvVars("http.port"),
	}
	httpCorsFlag = &cli.StringFlag{
		Name:    "http.corsdomain",
		Usage:   "Comma separated list of domains to accept cross origin requests from",
		EnvVars: flags.EnvVars("http.corsdomain"),
	}
	authKeyfileFlag = &cli.StringFlag{
		Name:    "auth.keyfile",
		Usage:   "TOML file holding API keys, tenants and roles",
		EnvVars: flags.EnvVars("auth.keyfile"),
	}
	sealingKeyFlag = &cli.StringFlag{
		Name:    "sealing.keyfile",
		Usage:   "Hex seed file of the receipt signing key",
		EnvVars: flags.EnvVars("sealing.keyfile"),
	}
	sealingKeyIDFlag = &cli.StringFlag{
		Name:    "sealing.keyid",
		Usage:   "Identifier stamped on sealed receipts for the initial key",
		EnvVars: flags.EnvVars("sealing.keyid"),
	}
	ledgerSinkFlag = &cli.StringFlag{
		Name:    "ledger.sink",
		Usage:   "Payment event sink: memory, file:<path> or an http(s) URL",
		EnvVars: flags.EnvVars("ledger.sink"),
	}
	pricingPolicyFlag = &cli.StringFlag{
		Name:    "pricing.policy",
		Usage:   "Charge policy when metered cost exceeds escrow (clamp or fail)",
		Value:   params.PricingClamp,
		EnvVars: flags.EnvVars("pricing.policy"),
	}
	attemptTimeoutFlag = &cli.DurationFlag{
		Name:    "job.attempt-timeout",
		Usage:   "Heartbeat deadline for a running attempt",
		Value:   params.DefaultAttemptTimeout,
		EnvVars: flags.EnvVars("job.attempt-timeout"),
	}
	jobTTLFlag = &cli.DurationFlag{
		Name:    "job.default-ttl",
		Usage:   "Absolute job expiry applied when the submitter gives none",
		Value:   params.DefaultJobTTL,
		EnvVars: flags.EnvVars("job.default-ttl"),
	}
	jobMaxTTLFlag = &cli.DurationFlag{
		Name:    "job.max-ttl",
		Usage:   "Upper bound on requested job expiries",
		Value:   params.DefaultJobMaxTTL,
		EnvVars: flags.EnvVars("job.max-ttl"),
	}
	maxAttemptsFlag = &cli.UintFlag{
		Name:    "job.max-attempts",
		Usage:   "Assignment attempts before a job fails permanently",
		Value:   params.DefaultMaxAttempts,
		EnvVars: flags.EnvVars("job.max-attempts"),
	}
	payloadMaxFlag = &cli.IntFlag{
		Name:    "job.payload-max",
		Usage:   "Largest accepted job payload in bytes",
		Value:   params.DefaultMaxJobPayloadBytes,
		EnvVars: flags.EnvVars("job.payload-max"),
	}
	livenessTimeoutFlag = &cli.DurationFlag{
		Name:    "miner.liveness-timeout",
		Usage:   "Heartbeat gap after which a miner is marked offline",
		Value:   params.DefaultMinerLivenessTimeout,
		EnvVars: flags.EnvVars("miner.liveness-timeout"),
	}
	openJobsMaxFlag = &cli.IntFlag{
		Name:    "tenant.open-jobs-max",
		Usage:   "Open jobs allowed per tenant (0 disables the quota)",
		Value:   params.DefaultTenantOpenJobsMax,
		EnvVars: flags.EnvVars("tenant.open-jobs-max"),
	}
	escrowMaxFlag = &cli.Uint64Flag{
		Name:    "tenant.escrow-max",
		Usage:   "Total escrow a tenant may hold at once (0 disables the budget)",
		EnvVars: flags.EnvVars("tenant.escrow-max"),
	}
	retentionFlag = &cli.DurationFlag{
		Name:    "retention",
		Usage:   "How long terminal jobs, receipts and payments are kept",
		Value:   params.DefaultRetentionPeriod,
		EnvVars: flags.EnvVars("retention"),
	}
)

// configFlags are the flags that map onto params.Config fields.
var configFlags = []cli.Flag{
	configFileFlag, dataDirFlag, dbEngineFlag,
	httpAddrFlag, httpPortFlag, httpCorsFlag,
	authKeyfileFlag, sealingKeyFlag, sealingKeyIDFlag,
	ledgerSinkFlag, pricingPolicyFlag,
	attemptTimeoutFlag, jobTTLFlag, jobMaxTTLFlag, maxAttemptsFlag, payloadMaxFlag,
	livenessTimeoutFlag, openJobsMaxFlag, escrowMaxFlag, retentionFlag,
}

// tomlSettings enforces strict field names in config files so typos fail
// loudly instead of being ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.obscurad"
}

// loadConfig assembles the effective configuration: defaults, then the TOML
// file, then explicit flags.
func loadConfig(ctx *cli.Context) (*params.Config, error) {
	cfg := params.DefaultConfig()
	if path := ctx.String(configFileFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	applyFlags(ctx, &cfg)
	return &cfg, nil
}

// applyFlags overrides cfg with every flag the user set explicitly, plus
// defaults for fields the file left empty.
func applyFlags(ctx *cli.Context, cfg *params.Config) {
	setString := func(flag *cli.StringFlag, dst *string) {
		if ctx.IsSet(flag.Name) || *dst == "" {
			if v := ctx.String(flag.Name); v != "" || ctx.IsSet(flag.Name) {
				*dst = v
			}
		}
	}
	setDuration := func(flag *cli.DurationFlag, dst *time.Duration) {
		if ctx.IsSet(flag.Name) || *dst == 0 {
			*dst = ctx.Duration(flag.Name)
		}
	}
	setString(dataDirFlag, &cfg.DataDir)
	setString(dbEngineFlag, &cfg.DBEngine)
	setString(authKeyfileFlag, &cfg.AuthKeyfile)
	setString(sealingKeyFlag, &cfg.SigningKeyPath)
	setString(sealingKeyIDFlag, &cfg.SigningKeyID)
	setString(ledgerSinkFlag, &cfg.LedgerSink)
	setString(pricingPolicyFlag, &cfg.PricingPolicy)

	if ctx.IsSet(httpAddrFlag.Name) || cfg.HTTPHost == "" {
		cfg.HTTPHost = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(httpPortFlag.Name) || cfg.HTTPPort == 0 {
		cfg.HTTPPort = ctx.Int(httpPortFlag.Name)
	}
	if ctx.IsSet(httpCorsFlag.Name) {
		cfg.HTTPCors = splitAndTrim(ctx.String(httpCorsFlag.Name))
	}

	setDuration(attemptTimeoutFlag, &cfg.AttemptTimeout)
	setDuration(jobTTLFlag, &cfg.JobDefaultTTL)
	setDuration(jobMaxTTLFlag, &cfg.JobMaxTTL)
	setDuration(livenessTimeoutFlag, &cfg.MinerLivenessTimeout)
	setDuration(retentionFlag, &cfg.RetentionPeriod)

	if ctx.IsSet(maxAttemptsFlag.Name) || cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = uint32(ctx.Uint(maxAttemptsFlag.Name))
	}
	if ctx.IsSet(payloadMaxFlag.Name) || cfg.MaxJobPayloadBytes == 0 {
		cfg.MaxJobPayloadBytes = ctx.Int(payloadMaxFlag.Name)
	}
	if ctx.IsSet(openJobsMaxFlag.Name) {
		cfg.TenantOpenJobsMax = ctx.Int(openJobsMaxFlag.Name)
	}
	if ctx.IsSet(escrowMaxFlag.Name) {
		cfg.TenantEscrowMax = ctx.Uint64(escrowMaxFlag.Name)
	}
}

func splitAndTrim(input string) []string {
	var out []string
	for _, s := range strings.Split(input, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// dumpConfig prints the effective configuration in TOML form.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	data, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
