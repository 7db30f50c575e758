// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package server implements the Server component: it owns the listening
// Unix socket, the accept loop, and the overall process lifecycle —
// startup, the connection fan-out, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/secmemhq/secmem/internal/auth"
	"github.com/secmemhq/secmem/internal/clock"
	"github.com/secmemhq/secmem/internal/config"
	"github.com/secmemhq/secmem/internal/conn"
	"github.com/secmemhq/secmem/internal/protocol"
	"github.com/secmemhq/secmem/internal/secretbuf"
	"github.com/secmemhq/secmem/internal/store"
	"github.com/secmemhq/secmem/internal/sweeper"
)

// ExitCode mirrors the process exit codes pinned down by the agent's
// command-line surface.
type ExitCode int

const (
	ExitClean         ExitCode = 0
	ExitConfigError   ExitCode = 1
	ExitBindFailed    ExitCode = 2
	ExitUnsupportedOS ExitCode = 3
)

// StartupError pairs a failure with the exit code the entrypoint should
// return for it.
type StartupError struct {
	Code ExitCode
	Err  error
}

func (e *StartupError) Error() string { return e.Err.Error() }
func (e *StartupError) Unwrap() error { return e.Err }

// Server owns the listening socket, the store, the sweeper, and every live
// connection handler.
type Server struct {
	cfg   *config.Config
	store *store.Store
	auth  *auth.Authenticator
	clock clock.Clock

	listener *net.UnixListener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	connWG  sync.WaitGroup

	acceptSem chan struct{}
}

// New wires a Server over cfg. It does not yet bind the socket.
func New(cfg *config.Config, clk clock.Clock) *Server {
	return &Server{
		cfg:       cfg,
		store:     store.New(clk, cfg.MaxKeys),
		auth:      auth.NewAuthenticator(cfg.AllowedUIDs),
		clock:     clk,
		conns:     make(map[net.Conn]struct{}),
		acceptSem: make(chan struct{}, cfg.MaxConnections),
	}
}

// Run executes the full startup sequence, serves until ctx is canceled,
// then performs graceful shutdown. It returns a *StartupError if startup
// itself failed (callers map .Code to the process exit status); a nil
// error means clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	if !auth.Supported {
		return &StartupError{Code: ExitUnsupportedOS, Err: auth.ErrUnsupportedPlatform}
	}

	secretbuf.SetLockFailureHook(func(err error) {
		log.Warnf("secret page locking unavailable, proceeding without mlock: %v", err)
	})

	if err := s.bind(); err != nil {
		return &StartupError{Code: ExitBindFailed, Err: err}
	}
	defer s.cleanupSocket()

	log.With(
		"socket", s.cfg.SocketPath,
		"allowed_uids", len(s.cfg.AllowedUIDs),
		"max_keys", s.cfg.MaxKeys,
		"max_connections", s.cfg.MaxConnections,
		"default_ttl", s.cfg.DefaultTTL,
		"max_ttl", s.cfg.MaxTTL,
	).Info("secmem-agent starting")

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sw := sweeper.New(s.store, s.clock, s.cfg.SweepInterval)
	sweepDone := make(chan struct{})
	go func() {
		sw.Run(sweepCtx)
		close(sweepDone)
	}()

	acceptDone := make(chan struct{})
	go func() {
		s.acceptLoop(ctx)
		close(acceptDone)
	}()

	<-ctx.Done()
	log.Info("shutdown requested")

	_ = s.listener.Close()
	<-acceptDone

	s.closeAllConnections()
	s.waitForConnections(s.cfg.ShutdownGrace)

	stopSweep()
	<-sweepDone

	s.store.Close()

	log.Info("shutdown complete")
	return nil
}

// bind performs startup steps 2-4: ensure the socket directory, deal with
// a stale socket file, bind, and chmod.
func (s *Server) bind() error {
	dir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	if err := s.clearStaleSocket(); err != nil {
		return err
	}

	addr, err := net.ResolveUnixAddr("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("resolving socket address: %w", err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}

	if err := os.Chmod(s.cfg.SocketPath, s.cfg.SocketMode); err != nil {
		ln.Close()
		return fmt.Errorf("setting socket mode: %w", err)
	}

	s.listener = ln
	return nil
}

// clearStaleSocket removes a leftover socket file from a previous,
// uncleanly terminated run. If something is actually listening on it,
// startup fails rather than stealing the socket.
func (s *Server) clearStaleSocket() error {
	_, err := os.Stat(s.cfg.SocketPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking for existing socket: %w", err)
	}

	if c, dialErr := net.DialTimeout("unix", s.cfg.SocketPath, 100*time.Millisecond); dialErr == nil {
		c.Close()
		return fmt.Errorf("socket %s is already accepting connections", s.cfg.SocketPath)
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

func (s *Server) cleanupSocket() {
	_ = os.Remove(s.cfg.SocketPath)
}

// acceptLoop accepts connections until the listener is closed (which Run
// does on shutdown), bounding concurrent connections at max_connections.
func (s *Server) acceptLoop(ctx context.Context) {
	log := clog.FromContext(ctx)
	handler := conn.New(s.store, s.auth, s.clock, conn.Limits{
		MaxValueBytes: s.cfg.MaxValueBytes,
		DefaultTTL:    s.cfg.DefaultTTL,
		MaxTTL:        s.cfg.MaxTTL,
		IdleTimeout:   s.cfg.IdleTimeout,
	})

	for {
		rawConn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("accept: %v", err)
			continue
		}

		select {
		case s.acceptSem <- struct{}{}:
		default:
			_ = protocol.WriteErr(rawConn, protocol.Capacity, "max connections reached")
			rawConn.Close()
			continue
		}

		s.trackConn(rawConn)
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer func() { <-s.acceptSem }()
			defer s.untrackConn(rawConn)
			handler.Serve(ctx, rawConn)
		}()
	}
}

func (s *Server) trackConn(c net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrackConn(c net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

// closeAllConnections force-closes every still-live connection. Handlers
// in the middle of a request observe the close as a read/write error and
// exit; a best-effort response cannot be sent first because the
// connection itself is the thing being torn down.
func (s *Server) closeAllConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// waitForConnections waits up to grace for handler goroutines to return
// after closeAllConnections has closed their connections.
func (s *Server) waitForConnections(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}
}
