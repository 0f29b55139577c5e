// Package server implements the Acceptor: a single loop that accepts
// TCP client connections and hands each to the worker pool's task
// queue, per spec.md §2 and §6.
//
// Grounded on Validate/Start/Stop in
// _examples/mick-25-streamnzb/pkg/usenet/nntp/proxy/server.go
// (bind-then-close preflight, accept loop, closed-listener shutdown
// detection).
package server

import (
	"fmt"
	"net"
	"strings"

	"httpcacheproxy/pkg/logger"
	"httpcacheproxy/pkg/workerpool"
)

// Server is the Acceptor described in spec.md §2: a single accept loop
// feeding the worker pool's task queue.
type Server struct {
	host string
	port int
	pool *workerpool.Pool

	listener net.Listener
}

// New builds a Server bound to host:port, validating the port is free
// before returning (SPEC_FULL.md §9 startup port-preflight). It needs the
// worker pool, so cmd/proxy has already built the cache, connection pool
// and worker pool when this check runs.
func New(host string, port int, pool *workerpool.Pool) (*Server, error) {
	s := &Server{host: host, port: port, pool: pool}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate binds and immediately closes the listening port, so startup
// failures (port in use) surface from New rather than from Start's accept
// loop (spec.md §7 Fatal: listen socket bind failure).
func (s *Server) Validate() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy port %d is already in use: %w", s.port, err)
	}
	return ln.Close()
}

// Start runs the accept loop until Stop closes the listener. Each
// accepted connection is handed to the worker pool; a Submit rejection
// (queue full or pool shut down) closes the socket immediately, per
// spec.md §4.3.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start proxy listener: %w", err)
	}
	s.listener = ln
	logger.Info("proxy listening", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			logger.Error("accept error", "err", err)
			continue
		}

		if !s.pool.Submit(conn) {
			logger.Warn("submit rejected, closing connection", "remote", conn.RemoteAddr())
			_ = conn.Close()
		}
	}
}

// Stop closes the listening socket, unblocking Start's accept loop.
func (s *Server) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
