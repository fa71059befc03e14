// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cblt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cblt/cblt/internal/fileserver"
	"github.com/cblt/cblt/internal/filesystems"
	"github.com/cblt/cblt/internal/herrors"
	"github.com/cblt/cblt/internal/metrics"
	"github.com/cblt/cblt/internal/reverseproxy"
)

const (
	defaultIdleTimeout       = 60 * time.Second // spec §4.6 keep-alive idle timeout
	defaultReadHeaderTimeout = 10 * time.Second
	defaultMaxHeaderBytes    = 16 << 10 // 16 KiB, spec §4.6 head-size cap -> 431
)

// Server implements C6 (connection loop) and C7 (listener/acceptor).
// It owns one net/http.Server per listener address, all sharing a
// single RoutingTable published via atomic.Pointer (spec §5) and a
// single connection-count semaphore enforcing the global ceiling.
type Server struct {
	table  atomic.Pointer[RoutingTable]
	sem    *semaphore.Weighted
	log    *zap.Logger
	access *zap.Logger

	listeners map[string]*http.Server
}

// NewServer constructs a Server with the given connection ceiling.
func NewServer(maxConns int64, log *zap.Logger) *Server {
	s := &Server{
		sem:       semaphore.NewWeighted(maxConns),
		log:       log.Named("server"),
		access:    log.Named("access"),
		listeners: make(map[string]*http.Server),
	}
	return s
}

// Swap atomically publishes a new RoutingTable (C1's output becoming
// visible to C6/C2). In-flight requests keep dereferencing their own
// already-loaded pointer (spec §5).
func (s *Server) Swap(rt *RoutingTable) {
	s.table.Store(rt)
}

// Table returns the currently-published RoutingTable.
func (s *Server) Table() *RoutingTable {
	return s.table.Load()
}

// Run starts one listener per address named in the RoutingTable and
// blocks until ctx is cancelled, at which point it drains all
// listeners gracefully (spec §5 "Cancellation"). Grounded on
// modules/caddyhttp/app.go's Start/Stop pairing, reimplemented with
// golang.org/x/sync/errgroup per SPEC_FULL.md §11.
func (s *Server) Run(ctx context.Context) error {
	rt := s.Table()
	if rt == nil {
		return fmt.Errorf("server: no RoutingTable published")
	}

	g, gctx := errgroup.WithContext(ctx)

	for addr, blocks := range rt.Listeners {
		addr, blocks := addr, blocks
		srv := s.newHTTPServer(addr, blocks)
		s.listeners[addr] = srv

		ln, err := s.listen(addr, blocks)
		if err != nil {
			return fmt.Errorf("server: bind %s: %w", addr, err)
		}

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for addr, srv := range s.listeners {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.log.Warn("listener shutdown error", zap.String("addr", addr), zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) newHTTPServer(addr string, blocks []*HostBlock) *http.Server {
	return &http.Server{
		Handler:           s,
		IdleTimeout:       defaultIdleTimeout,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		ErrorLog:          nil,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, localAddrKey{}, c.LocalAddr())
		},
	}
}

// listen binds addr, wrapping with TLS (SNI-selected among the
// listener's HostBlocks) if any block carries a cert/key pair, and
// with the connection-ceiling semaphore either way. Grounded on the
// teacher's (deleted) listeners.go GetCertificate-by-SNI wiring.
func (s *Server) listen(addr string, blocks []*HostBlock) (net.Listener, error) {
	bindAddr := addr
	if strings.HasPrefix(bindAddr, "*:") {
		bindAddr = ":" + bindAddr[2:]
	}

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	ln = &semaphoreListener{Listener: ln, sem: s.sem}

	tlsBlocks := make(map[string]*HostBlock)
	for _, hb := range blocks {
		if hb.TLSEnabled() {
			tlsBlocks[strings.ToLower(hb.HostPattern)] = hb
		}
	}
	if len(tlsBlocks) == 0 {
		return ln, nil
	}

	certs := make(map[string]tls.Certificate)
	for pattern, hb := range tlsBlocks {
		cert, err := tls.LoadX509KeyPair(hb.TLSCertFile, hb.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("server: load TLS cert for %q: %w", pattern, err)
		}
		certs[pattern] = cert
	}

	cfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := strings.ToLower(hello.ServerName)
			if cert, ok := certs[name]; ok {
				return &cert, nil
			}
			if cert, ok := certs["*"]; ok {
				return &cert, nil
			}
			return nil, fmt.Errorf("server: no certificate for SNI %q", name)
		},
	}
	return tls.NewListener(ln, cfg), nil
}

// semaphoreListener enforces the global connection ceiling (C7 §4.7):
// Accept blocks until a slot is available rather than refusing,
// implementing backpressure instead of rejection.
type semaphoreListener struct {
	net.Listener
	sem *semaphore.Weighted
}

func (l *semaphoreListener) Accept() (net.Conn, error) {
	if err := l.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	conn, err := l.Listener.Accept()
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}
	metrics.LiveConnections.Inc()
	return &releasingConn{Conn: conn, sem: l.sem}, nil
}

type releasingConn struct {
	net.Conn
	sem      *semaphore.Weighted
	released bool
}

func (c *releasingConn) Close() error {
	if !c.released {
		c.released = true
		c.sem.Release(1)
		metrics.LiveConnections.Dec()
	}
	return c.Conn.Close()
}

// ServeHTTP is the per-request entry point: C2 match, then dispatch
// to the file responder, reverse proxy, or redirect (spec §2 "Data
// flow").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			// A panic in one request must never take down the
			// acceptor or other connections (spec §7).
			he := ErrorWithStatus(http.StatusInternalServerError, fmt.Errorf("panic: %v", rec))
			herrors.Write(w, s.log, he)
		}
	}()

	start := time.Now()
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	w.Header().Set("Server", "Cblt")

	listenerAddr := listenerAddrFor(r)
	rt := s.Table()

	hb, d, err := Match(rt, listenerAddr, hostOnly(r.Host), r.URL.Path)
	if err != nil {
		he := NewError(KindNotFound, err)
		herrors.Write(w, s.log, he)
		s.logAccess(r, he.StatusCode, start, "")
		return
	}
	_ = hb

	switch {
	case d.FileServer != nil:
		s.dispatchFile(w, r, d.FileServer, start)
	case d.ReverseProxy != nil:
		s.dispatchProxy(w, r, d.ReverseProxy, start)
	case d.Redirect != nil:
		s.dispatchRedirect(w, r, d.Redirect, start)
	default:
		he := NewError(KindNotFound, fmt.Errorf("server: host %q matched no directive", r.Host))
		herrors.Write(w, s.log, he)
		s.logAccess(r, he.StatusCode, start, "")
	}
}

func (s *Server) dispatchFile(w http.ResponseWriter, r *http.Request, fsd *FileServerDirective, start time.Time) {
	fsRoots := make([]fileserver.Root, 0, len(fsd.Roots))
	for _, root := range fsd.Roots {
		fsRoots = append(fsRoots, fileserver.Root{
			PathPattern: root.PathPattern,
			FS:          filesystems.DirFS(root.FSRoot),
			FSRoot:      root.FSRoot,
			Fallback:    root.Fallback,
		})
	}
	fsrv := &fileserver.Server{Roots: fsRoots, Log: s.log.Named("fileserver")}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	// fsrv has already logged and written the response (including the
	// HandlerError correlation ID) by the time ServeHTTP returns; the
	// status for the access line below comes from rec, not this error.
	_ = fsrv.ServeHTTP(rec, r)
	s.logAccess(r, rec.status, start, "")
}

func (s *Server) dispatchProxy(w http.ResponseWriter, r *http.Request, rp *ReverseProxyDirective, start time.Time) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	reverseproxy.ServeHTTP(rec, r, rp.Pool, s.log.Named("proxy"))
	metrics.ProxiedRequestsTotal.WithLabelValues(
		rp.Pool.ID,
		metrics.SanitizeMethod(r.Method),
		metrics.SanitizeCode(rec.status),
	).Inc()
	s.logAccess(r, rec.status, start, rp.Pool.ID)
}

func (s *Server) dispatchRedirect(w http.ResponseWriter, r *http.Request, rd *RedirectDirective, start time.Time) {
	target := strings.NewReplacer(
		"{uri}", r.URL.RequestURI(),
		"{host}", hostOnly(r.Host),
	).Replace(rd.TargetTemplate)
	http.Redirect(w, r, target, http.StatusMovedPermanently)
	s.logAccess(r, http.StatusMovedPermanently, start, "")
}

func (s *Server) logAccess(r *http.Request, status int, start time.Time, upstreamID string) {
	s.access.Info("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
		zap.String("client", r.RemoteAddr),
		zap.String("upstream", upstreamID),
	)
}

// listenerAddrFor recovers the "*:PORT" RoutingTable key for the
// connection r arrived on, from its local address.
func listenerAddrFor(r *http.Request) string {
	if addr, ok := r.Context().Value(localAddrKey{}).(net.Addr); ok {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			return "*:" + strconv.Itoa(tcp.Port)
		}
	}
	return "*:80"
}

type localAddrKey struct{}

func hostOnly(hostHeader string) string {
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		return h
	}
	return hostHeader
}

// statusRecorder captures the status code a responder wrote, for
// access logging, without altering response semantics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
