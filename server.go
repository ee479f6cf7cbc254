/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ejgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Gateway is the network-facing front end for an embeddable JSON
// document Database: an HTTP/1.1 REST API plus a line-oriented
// WebSocket protocol, both described in full in SPEC_FULL.md. A
// Gateway is created with NewGateway, started with Start and stopped
// with Stop; it is not reusable after Stop returns.
type Gateway struct {
	cfg    *ServerConfig
	db     Database
	rt     *Runtime
	logger zerolog.Logger

	router     chi.Router
	httpServer *http.Server

	mu         sync.Mutex
	listener   net.Listener
	terminated int32
}

// NewGateway builds a Gateway from its configuration, the Database
// facade it fronts, and the runtime hooks for logging and metrics. cfg
// is validated with IsValid; db must be non-nil. rt may be nil, in
// which case logging is discarded and metrics are not reported.
func NewGateway(cfg *ServerConfig, db Database, rt *Runtime) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("ejgate: nil ServerConfig")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("ejgate: invalid config: %w", err)
	}
	if db == nil {
		return nil, errors.New("ejgate: nil Database")
	}

	g := &Gateway{cfg: cfg, db: db, rt: rt}
	if rt != nil && rt.Logger != nil {
		g.logger = rt.Logger.With().Str("component", "ejgate").Logger()
	} else {
		g.logger = zerolog.Nop()
	}
	g.router = g.setupRouter()
	return g, nil
}

// setupRouter wires the chi mux the way rapidrows' APIServer.setupRouter
// does: one middleware stack, then a single wildcard route, since the
// Request Parser -- not chi -- resolves collection/id/operation.
func (g *Gateway) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if g.cfg.Compression {
		r.Use(middleware.Compress(5))
	}

	prefix := g.cfg.CommonPrefix
	pattern := prefix + "/*"
	if prefix == "" {
		pattern = "/*"
	}
	r.HandleFunc(pattern, g.serveHTTP)
	// the bare prefix itself (no trailing slash) must also reach the
	// handler, so that POST {prefix} behaves like POST {prefix}/.
	if prefix != "" {
		r.HandleFunc(prefix, g.serveHTTP)
	} else {
		r.HandleFunc("/", g.serveHTTP)
	}
	return r
}

// serveHTTP is the one route chi ever dispatches to. It distinguishes a
// WebSocket upgrade request from a plain REST request by the Connection
// and Upgrade headers, mirroring how _jbr_on_http_request in
// original_source/jbr.c is itself the single callback the underlying
// HTTP library calls, branching internally on the connection kind.
func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if isWebSocketUpgrade(r) {
		g.serveWS(w, r)
		g.reportMetric("ws_session_duration_seconds", time.Since(start).Seconds())
		return
	}
	g.serveREST(w, r)
	g.reportMetric("request_duration_seconds", time.Since(start).Seconds(), r.Method)
}

// reportMetric forwards to Runtime.ReportMetric when one was supplied,
// mirroring rapidrows.APIServer.reportMetric's nil-safe forwarding.
func (g *Gateway) reportMetric(name string, value float64, labels ...string) {
	if g.rt != nil && g.rt.ReportMetric != nil {
		g.rt.ReportMetric(name, labels, value)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Start begins serving. Binding the listener happens on the calling
// goroutine, so a bad address or an already-occupied port is reported
// synchronously -- this is the Go rendering of the two-participant
// pthread_barrier rendezvous jbr_start performs before returning to its
// caller, collapsed into a single synchronous call since net.Listen
// never blocks past the bind syscall. If cfg.Blocking is true, Start
// then runs the accept loop on the calling goroutine too, returning
// only once the listener exits (on Stop, or on an unrecoverable accept
// error). Otherwise Start spawns the accept loop on a background
// goroutine and returns immediately.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.cfg.Enabled {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", g.cfg.Bind, g.resolvedPort())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrListenFailed, addr, err)
	}

	g.mu.Lock()
	g.listener = ln
	g.httpServer = &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 30 * time.Second,
	}
	g.mu.Unlock()

	g.logger.Info().Str("addr", ln.Addr().String()).Msg("ejgate listening")

	if g.cfg.Blocking {
		return g.serve(ln)
	}

	go func() {
		if err := g.serve(ln); err != nil {
			g.logger.Error().Err(err).Msg("ejgate accept loop exited")
		}
	}()
	return nil
}

func (g *Gateway) serve(ln net.Listener) error {
	err := g.httpServer.Serve(ln)
	if err != nil && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) resolvedPort() uint16 {
	if g.cfg.Port != 0 {
		return g.cfg.Port
	}
	return DefaultPort
}

// Stop shuts the Gateway down, closing the listener and idle
// connections. It is idempotent: calling Stop more than once, or
// calling it when Start was never called, is a no-op. ctx bounds how
// long Stop waits for in-flight REST requests to finish. Open WebSocket
// sessions are hijacked connections, which http.Server.Shutdown neither
// closes nor waits for; Stop leaves them running.
func (g *Gateway) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&g.terminated, 0, 1) {
		return nil
	}

	g.mu.Lock()
	srv := g.httpServer
	g.mu.Unlock()
	if srv == nil {
		return nil
	}

	g.logger.Info().Msg("ejgate shutting down")
	return srv.Shutdown(ctx)
}

// Addr returns the address the Gateway is listening on, or the empty
// string if Start has not yet bound a listener.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}
