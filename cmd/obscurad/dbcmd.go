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
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/obscura-network/obscura-core/core"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/kvdb"
	"github.com/obscura-network/obscura-core/kvdb/badgerdb"
	"github.com/obscura-network/obscura-core/kvdb/leveldb"
	"github.com/obscura-network/obscura-core/kvdb/pebble"
)

var dbCommand = &cli.Command{
	Name:  "db",
	Usage: "Low level database operations",
	Subcommands: []*cli.Command{
		{
			Name:   "stats",
			Usage:  "Print job, miner and outbox counts from the database",
			Flags:  configFlags,
			Action: dbStats,
		},
		{
			Name:   "compact",
			Usage:  "Compact the entire database, discarding deleted versions",
			Flags:  configFlags,
			Action: dbCompact,
		},
	},
}

// openDB opens the coordinator database of a stopped daemon.
func openDB(ctx *cli.Context, readonly bool) (kvdb.KeyValueStore, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.DataDir, "coordinator")
	logger := zerolog.Nop()
	switch cfg.DBEngine {
	case "pebble":
		return pebble.New(path, 512, 1024, "coordinator", readonly, logger)
	case "leveldb":
		return leveldb.New(path, 512, 1024, "coordinator", readonly, logger)
	case "badger":
		return badgerdb.New(path, 512, "coordinator", readonly, logger)
	default:
		return nil, fmt.Errorf("db command needs a persistent engine, have %q", cfg.DBEngine)
	}
}

func dbStats(ctx *cli.Context) error {
	db, err := openDB(ctx, true)
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := core.NewStore(db, 1, zerolog.Nop())
	if err != nil {
		return err
	}

	jobs, err := store.JobStateCounts()
	if err != nil {
		return err
	}
	outbox, err := store.OutboxDepth()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Category", "Count"})
	for _, state := range []types.JobState{
		types.JobQueued, types.JobRunning, types.JobFinalizing,
		types.JobSucceeded, types.JobFailed, types.JobExpired, types.JobCancelled,
	} {
		table.Append([]string{"jobs/" + string(state), fmt.Sprint(jobs[state])})
	}
	table.Append([]string{"outbox/pending", fmt.Sprint(outbox)})
	table.Render()
	return nil
}

func dbCompact(ctx *cli.Context) error {
	db, err := openDB(ctx, false)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	fmt.Println("compacting entire database...")
	if err := db.Compact(nil, nil); err != nil {
		return err
	}
	fmt.Println("done, elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
