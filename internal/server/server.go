// Package server is the daemon's control surface: JSON-RPC 2.0 over
// HTTP on a unix socket, the only way to talk to a running chimed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/jrpc2/jhttp"

	"chimed/internal/runtime/supervisor"
	"chimed/internal/storage"
	"chimed/internal/timers"
	"chimed/pkg/logx"
)

// DefaultSocketPath is where the daemon listens unless configured
// otherwise.
const DefaultSocketPath = "/run/chimed.sock"

// Config carries the server's own settings.
type Config struct {
	Socket  string
	Version string
}

// Server owns the unix listener and the JSON-RPC bridge.
type Server struct {
	log     logx.Logger
	socket  string
	version string
	started time.Time

	timers *timers.Service
	store  storage.Store
	sup    *supervisor.Supervisor

	bridge    jhttp.Bridge
	closeOnce sync.Once

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
}

// New wires the method handlers. The store may be nil (history
// disabled) and the supervisor may be nil (no loop stats in status).
func New(cfg Config, log logx.Logger, tm *timers.Service, store storage.Store, sup *supervisor.Supervisor) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		log:     log,
		socket:  strings.TrimSpace(cfg.Socket),
		version: cfg.Version,
		started: time.Now(),
		timers:  tm,
		store:   store,
		sup:     sup,
	}
	if s.socket == "" {
		s.socket = DefaultSocketPath
	}
	s.bridge = jhttp.NewBridge(s.methods(), nil)
	return s
}

// Handler exposes the JSON-RPC bridge directly, for tests.
func (s *Server) Handler() http.Handler { return s.bridge }

// Socket returns the path the server listens on.
func (s *Server) Socket() string { return s.socket }

// Serve listens on the unix socket and blocks until Shutdown or a
// listener error. A stale socket file from a previous run is removed.
func (s *Server) Serve() error {
	l, err := s.listen()
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.bridge}
	s.mu.Lock()
	s.listener = l
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info("control socket listening", logx.String("socket", s.socket))
	if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if dir := filepath.Dir(s.socket); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("server: socket dir: %w", err)
		}
	}
	_ = os.Remove(s.socket)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socket, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", s.socket, err)
	}
	_ = os.Chmod(s.socket, 0o660)
	return l, nil
}

// Shutdown stops accepting requests, drains in-flight ones bounded by
// ctx, and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.closeOnce.Do(func() { s.bridge.Close() })
	_ = os.Remove(s.socket)
	return err
}
