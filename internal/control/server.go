// Package control implements the runtime control channel: a TCP socket
// that accepts one connection at a time, reads a single configuration
// block with syntax identical to the startup configuration file, and
// dispatches each group to the stage with the matching name (spec.md §6
// "Control channel").
package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"firestige.xyz/otus/internal/config"
)

// Configurer is the subset of internal/stage.Graph the control server
// needs: apply a settings block to a named stage. Kept as an interface
// so this package does not import internal/stage's dispatcher directly.
type Configurer interface {
	Configure(name string, settings map[string]any) error
}

// Server is the control channel's TCP listener. One connection is
// served at a time, matching spec.md §5 "the control thread ... accepts
// one control connection at a time".
type Server struct {
	graph        Configurer
	maxPortTries int

	mu       sync.Mutex
	listener net.Listener
	addr     string
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer returns a control server that applies reconfiguration blocks
// to graph. maxPortTries bounds how many adjacent ports are tried on a
// bind conflict (0 selects the spec's default of 10, spec.md §6 "on bind
// conflict the engine retries adjacent ports up to a bound (10 by
// default)").
func NewServer(graph Configurer, maxPortTries int) *Server {
	if maxPortTries <= 0 {
		maxPortTries = 10
	}
	return &Server{graph: graph, maxPortTries: maxPortTries}
}

// Start binds the control port, retrying adjacent ports on conflict, and
// begins accepting connections in the background. It returns once bound;
// Stop or ctx cancellation ends the accept loop.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	var listener net.Listener
	var lastErr error
	var bound int

	for i := 0; i < s.maxPortTries; i++ {
		candidate := port + i
		addr := fmt.Sprintf("%s:%d", host, candidate)
		l, err := net.Listen("tcp", addr)
		if err == nil {
			listener = l
			bound = candidate
			break
		}
		lastErr = err
		slog.Warn("control: port in use, trying next", "port", candidate, "error", err)
	}
	if listener == nil {
		return fmt.Errorf("control: no free port in range [%d, %d]: %w", port, port+s.maxPortTries-1, lastErr)
	}

	s.mu.Lock()
	s.listener = listener
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	slog.Info("control server listening", "addr", s.addr, "requested_port", port, "bound_port", bound)

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the address the server actually bound to, valid after a
// successful Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			slog.Error("control: accept failed", "error", err)
			return
		}

		s.wg.Add(1)
		s.handleConnection(ctx, conn)
	}
}

// handleConnection reads one control connection to EOF, parses it as a
// single configuration block, and dispatches each group to its stage.
// One connection is served fully before the next is accepted, matching
// spec.md §5's "one control connection at a time".
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	stages, err := config.ParseControlBlock(conn)
	if err != nil {
		slog.Warn("control: failed to parse configuration block", "remote", conn.RemoteAddr(), "error", err)
		io.WriteString(conn, fmt.Sprintf("error: %v\n", err))
		return
	}

	for name, stage := range stages {
		if err := s.graph.Configure(name, stage.Settings); err != nil {
			// Runtime reconfig error (spec.md §7): logged, rest of the
			// block still processed.
			slog.Warn("control: reconfiguration failed", "stage", name, "error", err)
			continue
		}
		slog.Info("control: stage reconfigured", "stage", name)
	}
}

// Stop closes the listener and waits for the in-flight connection, if
// any, to finish being handled.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			return fmt.Errorf("control: close listener: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}
