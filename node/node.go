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

// Package node assembles the coordinator: storage, registry, queue,
// lifecycle, payments, receipt sealing, authentication and the HTTP API,
// started and stopped as one unit.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/api"
	"github.com/obscura-network/obscura-core/core"
	"github.com/obscura-network/obscura-core/ident"
	"github.com/obscura-network/obscura-core/kvdb"
	"github.com/obscura-network/obscura-core/kvdb/badgerdb"
	"github.com/obscura-network/obscura-core/kvdb/leveldb"
	"github.com/obscura-network/obscura-core/kvdb/memorydb"
	"github.com/obscura-network/obscura-core/kvdb/pebble"
	"github.com/obscura-network/obscura-core/ledger"
	"github.com/obscura-network/obscura-core/params"
	"github.com/obscura-network/obscura-core/sealer"
)

var (
	// ErrNodeRunning is returned by Start on a node that is already running.
	ErrNodeRunning = errors.New("node already running")
	// ErrNodeStopped is returned by Stop on a node that never started or has
	// already stopped.
	ErrNodeStopped = errors.New("node not started")
	// ErrDatadirUsed is returned when another coordinator instance holds the
	// data directory lock.
	ErrDatadirUsed = errors.New("datadir already used by another process")
)

// Filenames inside the data directory.
const (
	datadirLock      = "LOCK"
	datadirDatabase  = "coordinator"
	datadirJWTSecret = "jwt.hex"
	datadirLedger    = "ledger.jsonl"
)

// stopTimeout bounds the graceful HTTP shutdown on Stop.
const stopTimeout = 5 * time.Second

// Node is a running coordinator instance.
type Node struct {
	cfg *params.Config
	log zerolog.Logger
	clk clock.Clock

	lock *flock.Flock

	db        kvdb.KeyValueStore
	store     *core.Store
	registry  *core.Registry
	queue     *core.Queue
	payments  *core.PaymentEngine
	receipts  *core.ReceiptService
	lifecycle *core.Lifecycle
	sealer    *sealer.Sealer
	sink      ledger.Sink
	auth      *ident.FileProvider
	server    *api.Server

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New builds a coordinator from its configuration. The data directory is
// created and locked; every component is constructed but nothing runs until
// Start.
func New(cfg *params.Config, clk clock.Clock, logger zerolog.Logger) (*Node, error) {
	if err := cfg.Sanitize(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg: cfg,
		log: logger.With().Str("component", "node").Logger(),
		clk: clk,
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, err
		}
		n.lock = flock.New(filepath.Join(cfg.DataDir, datadirLock))
		locked, err := n.lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrDatadirUsed, cfg.DataDir)
		}
	}
	if err := n.assemble(logger); err != nil {
		n.release()
		return nil, err
	}
	return n, nil
}

// assemble wires the component graph bottom-up: store, sealer, sink, then
// the domain services, then auth and the HTTP front end.
func (n *Node) assemble(logger zerolog.Logger) error {
	db, err := n.openDatabase(logger)
	if err != nil {
		return err
	}
	n.db = db
	n.store, err = core.NewStore(db, n.cfg.StoreRetryMax, logger)
	if err != nil {
		return n.closePartial(err)
	}
	n.sealer, err = sealer.New(n.cfg.SigningKeyPath, n.cfg.SigningKeyID, logger)
	if err != nil {
		return n.closePartial(err)
	}

	sinkSpec := n.cfg.LedgerSink
	if sinkSpec == "" {
		sinkSpec = "file:" + filepath.Join(n.cfg.DataDir, datadirLedger)
	}
	n.sink, err = ledger.New(sinkSpec, logger)
	if err != nil {
		return n.closePartial(err)
	}

	n.payments = core.NewPaymentEngine(n.store, n.clk, n.cfg, n.sink, logger)
	n.queue = core.NewQueue(n.store, n.payments, n.clk, n.cfg, logger)
	n.receipts = core.NewReceiptService(n.store, n.sealer, nil, n.clk, n.cfg, logger)
	n.lifecycle = core.NewLifecycle(n.store, n.queue, n.payments, n.receipts, n.clk, n.cfg, logger)
	n.registry, err = core.NewRegistry(n.store, n.clk, n.cfg, logger)
	if err != nil {
		return n.closePartial(err)
	}
	n.registry.SetMinerLostHandler(n.lifecycle.OnMinerLost)

	if n.cfg.AuthKeyfile == "" {
		return n.closePartial(errors.New("node: auth keyfile is required"))
	}
	secretPath := n.cfg.JWTSecretPath
	if secretPath == "" {
		secretPath = filepath.Join(n.cfg.DataDir, datadirJWTSecret)
	}
	secret, err := ident.LoadOrCreateSecret(secretPath)
	if err != nil {
		return n.closePartial(err)
	}
	n.auth, err = ident.NewFileProvider(n.cfg.AuthKeyfile, secret, n.cfg.SessionTokenTTL, logger)
	if err != nil {
		return n.closePartial(err)
	}

	n.server, err = api.NewServer(n.cfg, &api.Backend{
		Store:     n.store,
		Registry:  n.registry,
		Queue:     n.queue,
		Lifecycle: n.lifecycle,
		Payments:  n.payments,
		Receipts:  n.receipts,
		Auth:      n.auth,
		Minter:    n.auth,
		Ready:     n.readiness,
	}, n.clk, logger)
	if err != nil {
		return n.closePartial(err)
	}
	return nil
}

func (n *Node) openDatabase(logger zerolog.Logger) (kvdb.KeyValueStore, error) {
	if n.cfg.DBEngine == "memory" {
		return memorydb.New(), nil
	}
	if n.cfg.DataDir == "" {
		return nil, errors.New("node: data directory required for persistent database engines")
	}
	path := filepath.Join(n.cfg.DataDir, datadirDatabase)
	switch n.cfg.DBEngine {
	case "pebble":
		return pebble.New(path, 512, 1024, "coordinator", false, logger)
	case "leveldb":
		return leveldb.New(path, 512, 1024, "coordinator", false, logger)
	case "badger":
		return badgerdb.New(path, 512, "coordinator", false, logger)
	default:
		return nil, fmt.Errorf("node: unknown database engine %q", n.cfg.DBEngine)
	}
}

// closePartial tears down whatever assemble managed to build before failing.
func (n *Node) closePartial(cause error) error {
	if n.auth != nil {
		n.auth.Close()
	}
	if n.sink != nil {
		n.sink.Close()
	}
	if n.sealer != nil {
		n.sealer.Close()
	}
	if n.store != nil {
		n.store.Close()
	} else if n.db != nil {
		n.db.Close()
	}
	return cause
}

// Start brings the coordinator online: background sweepers first, then the
// HTTP listener.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrNodeRunning
	}
	n.payments.Start()
	n.registry.Start()
	n.lifecycle.Start()
	if err := n.server.Start(); err != nil {
		n.lifecycle.Stop()
		n.registry.Stop()
		n.payments.Stop()
		return err
	}
	n.running = true
	n.stop = make(chan struct{})
	n.log.Info().Str("endpoint", n.server.Addr()).Str("db", n.cfg.DBEngine).
		Str("key_id", n.sealer.ActiveKeyID()).Msg("coordinator started")
	return nil
}

// Stop takes the coordinator down in reverse start order: stop accepting
// requests, drain the sweepers and the outbox, then close storage.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return ErrNodeStopped
	}
	n.running = false

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	errs := make([]error, 0, 4)
	if err := n.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	n.lifecycle.Stop()
	n.registry.Stop()
	if err := n.payments.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := n.auth.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.sealer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, err)
	}
	n.release()
	close(n.stop)
	n.log.Info().Msg("coordinator stopped")
	return errors.Join(errs...)
}

// release drops the data directory lock.
func (n *Node) release() {
	if n.lock != nil {
		n.lock.Unlock()
		n.lock = nil
	}
}

// Wait blocks until the node has been stopped.
func (n *Node) Wait() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	stop := n.stop
	n.mu.Unlock()
	<-stop
}

// readiness backs the /health/ready endpoint.
func (n *Node) readiness() error {
	if !n.sealer.Ready() {
		return errors.New("signing key not loaded")
	}
	return nil
}

// HTTPEndpoint returns the bound API address, valid while running.
func (n *Node) HTTPEndpoint() string {
	return n.server.Addr()
}

// Store exposes the job store, used by the admin CLI.
func (n *Node) Store() *core.Store {
	return n.store
}
