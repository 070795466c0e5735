package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicehive/binary-gateway/internal/hub"
	"github.com/devicehive/binary-gateway/internal/logging"
	"github.com/devicehive/binary-gateway/internal/metrics"
)

// Server owns the TCP listener devices connect to and coordinates the
// per-connection protocol engines. Each accepted connection gets its own
// packet buffer and schema registry; nothing protocol-level is shared
// between devices.
type Server struct {
	mu   sync.RWMutex
	addr string
	Hub  *hub.Hub

	regTimeout   time.Duration
	readDeadline time.Duration
	maxDevices   int
	bufferLimit  int
	txQueue      int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener
	connsMu   sync.Mutex
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalRegTimeouts  atomic.Uint64
	totalRegFailures  atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

const (
	defaultRegTimeout   = 5 * time.Second
	defaultReadDeadline = 60 * time.Second
	defaultTxQueue      = 256
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		regTimeout:   defaultRegTimeout,
		readDeadline: defaultReadDeadline,
		txQueue:      defaultTxQueue,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		conns:        make(map[net.Conn]struct{}),
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption     { return func(s *Server) { s.Hub = hb } }

func WithRegistrationTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.regTimeout = d
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithMaxDevices(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxDevices = n
		}
	}
}

func WithBufferLimit(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.bufferLimit = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// DeviceCount returns the number of live device connections.
func (s *Server) DeviceCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// Serve accepts device connections and spawns a protocol engine per link.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	if s.readyCh != nil {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, registers it and spawns its driver.
// Returns nil on success; a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if s.maxDevices > 0 && s.DeviceCount() >= s.maxDevices {
		connLogger.Warn("device_reject_max", "max_devices", s.maxDevices)
		_ = conn.Close()
		return nil
	}
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.connsMu.Unlock()
	metrics.SetActiveDevices(n)
	s.totalConnected.Add(1)
	connLogger.Info("device_connected")
	s.startDevice(ctx, conn, connLogger)
	return nil
}

func (s *Server) dropConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	n := len(s.conns)
	s.connsMu.Unlock()
	metrics.SetActiveDevices(n)
	s.totalDisconnected.Add(1)
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"reg_timeouts", s.totalRegTimeouts.Load(),
			"reg_failures", s.totalRegFailures.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load())
		return nil
	}
}
