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

// Package api exposes the coordinator over HTTP/JSON: the client, miner and
// operator surfaces, with authentication, rate limiting and the stable
// error envelope.
package api

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/core"
	"github.com/obscura-network/obscura-core/ident"
	"github.com/obscura-network/obscura-core/params"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TokenMinter issues miner session tokens at registration.
type TokenMinter interface {
	MintSessionToken(minerID, tenant string, now time.Time) (string, error)
}

// Backend bundles the coordinator components the API serves.
type Backend struct {
	Store     *core.Store
	Registry  *core.Registry
	Queue     *core.Queue
	Lifecycle *core.Lifecycle
	Payments  *core.PaymentEngine
	Receipts  *core.ReceiptService

	Auth   ident.Provider
	Minter TokenMinter

	// Ready reports readiness beyond the HTTP listener itself: store open,
	// signing key loaded, sweepers running.
	Ready func() error
}

// Server is the coordinator's HTTP front end.
type Server struct {
	cfg     *params.Config
	backend *Backend
	clock   clock.Clock
	log     zerolog.Logger

	limiters *limiterSet
	started  time.Time

	httpServer *http.Server
	listener   net.Listener
}

// NewServer assembles the router. Call Start to begin serving.
func NewServer(cfg *params.Config, backend *Backend, clk clock.Clock, logger zerolog.Logger) (*Server, error) {
	limiters, err := newLimiterSet(cfg.RateLimits)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		backend:  backend,
		clock:    clk,
		log:      logger.With().Str("component", "api").Logger(),
		limiters: limiters,
		started:  clk.Now(),
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, CodeNotFound, "no such route", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, CodeInvalidRequest, "method not allowed", nil)
	})

	// Client surface.
	r.HandleFunc("/v1/jobs", s.handle("submit", ident.RoleClient, s.submitJob)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}", s.handle("query", ident.RoleClient, s.getJob)).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/cancel", s.handle("query", ident.RoleClient, s.cancelJob)).Methods(http.MethodPost)
	r.HandleFunc("/v1/receipts", s.handle("query", ident.RoleClient, s.listReceipts)).Methods(http.MethodGet)
	r.HandleFunc("/v1/receipts/{id}", s.handle("query", ident.RoleClient, s.getReceipt)).Methods(http.MethodGet)

	// Miner surface.
	r.HandleFunc("/v1/miners", s.handle("register", ident.RoleMiner, s.registerMiner)).Methods(http.MethodPost)
	r.HandleFunc("/v1/miners/{id}/heartbeat", s.handle("heartbeat", ident.RoleMiner, s.minerHeartbeat)).Methods(http.MethodPost)
	r.HandleFunc("/v1/miners/{id}/poll", s.handle("poll", ident.RoleMiner, s.pollJobs)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/heartbeat", s.handle("heartbeat", ident.RoleMiner, s.jobHeartbeat)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/result", s.handle("result", ident.RoleMiner, s.submitResult)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/error", s.handle("result", ident.RoleMiner, s.submitError)).Methods(http.MethodPost)

	// Operator surface.
	r.HandleFunc("/v1/admin/miners", s.handle("admin", ident.RoleOperator, s.adminListMiners)).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/miners/{id}/drain", s.handle("admin", ident.RoleOperator, s.adminDrainMiner)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/miners/{id}/resume", s.handle("admin", ident.RoleOperator, s.adminResumeMiner)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/stats", s.handle("admin", ident.RoleOperator, s.adminStats)).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/payments/{id}/void", s.handle("admin", ident.RoleOperator, s.adminVoidPayment)).Methods(http.MethodPost)
	r.HandleFunc("/debug/metrics", s.handle("admin", ident.RoleOperator, s.debugMetrics)).Methods(http.MethodGet)

	// Health endpoints are unauthenticated.
	r.HandleFunc("/health/live", s.healthLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.healthReady).Methods(http.MethodGet)

	var handler http.Handler = newGzipHandler(r)
	if len(cfg.HTTPCors) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: cfg.HTTPCors,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Api-Key"},
			MaxAge:         600,
		})
		handler = c.Handler(handler)
	}
	handler = s.logRequests(handler)
	handler = s.recoverPanics(handler)

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

// Start binds the configured endpoint and serves until Stop.
func (s *Server) Start() error {
	endpoint := fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return err
	}
	s.listener = listener
	s.started = s.clock.Now()
	s.log.Info().Str("endpoint", listener.Addr().String()).Msg("HTTP server started")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Stop shuts the server down, draining in-flight requests until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ServeHTTP serves the assembled handler directly, for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// handlerFunc is an authenticated route handler.
type handlerFunc func(w http.ResponseWriter, r *http.Request, principal *ident.Principal)

// handle wraps a route with body limiting, authentication, role check and
// rate limiting, in that order.
func (s *Server) handle(class, role string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxHTTPBodyBytes)

		principal, err := s.backend.Auth.Authenticate(r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !principal.HasRole(role) {
			writeError(w, CodeForbidden, fmt.Sprintf("role %s required", role), nil)
			return
		}
		if delay, limited := s.limiters.reserve(principal.Tenant+"/"+principal.Subject, class); limited {
			writeError(w, CodeRateLimited, "rate limit exceeded", map[string]interface{}{
				"retry_after_ms": delay.Milliseconds(),
			})
			return
		}
		start := time.Now()
		fn(w, r, principal)
		metrics.GetOrRegisterCounter("api/"+class+"/count", nil).Inc(1)
		metrics.GetOrRegisterTimer("api/"+class+"/duration", nil).UpdateSince(start)
	}
}

var gzPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func newGzipHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")

		gz := gzPool.Get().(*gzip.Writer)
		defer gzPool.Put(gz)

		gz.Reset(w)
		defer gz.Close()

		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, Writer: gz}, r)
	})
}

// recoverPanics converts handler panics into Internal responses.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, CodeInternal, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("duration", time.Since(start)).Msg("request served")
	})
}
