// Package server implements the TCP control server that accepts STREAM
// requests and spawns broadcast sessions.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Jeffail/shutdown"

	"quote_stream/internal/bus"
	"quote_stream/internal/domain"
	"quote_stream/internal/infra"
	"quote_stream/internal/protocol"
	"quote_stream/internal/session"
)

const (
	acceptRetryDelay = time.Second

	// maxLineSize bounds one control request line.
	maxLineSize = 4096
	drainWindow = 100 * time.Millisecond
)

// Server accepts control connections, one goroutine each.
// Sessions outlive the connection that started them.
type Server struct {
	cfg     *infra.Config
	bus     *bus.Bus
	base    *slog.Logger // handed to sessions
	logger  *slog.Logger
	metrics *infra.Metrics

	listener net.Listener
	sig      *shutdown.Signaller
	handlers sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session.Session
	conns    map[net.Conn]struct{}
}

// New creates a server publishing quotes from b.
func New(cfg *infra.Config, b *bus.Bus, logger *slog.Logger, metrics *infra.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.NewMetrics()
	}
	return &Server{
		cfg:      cfg,
		bus:      b,
		base:     logger,
		logger:   logger.With(slog.String("module", "server")),
		metrics:  metrics,
		sig:      shutdown.NewSignaller(),
		sessions: make(map[string]*session.Session),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the control address. Port 0 picks a free port; see Addr.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ServerAddr())
	if err != nil {
		return domain.NewFatalNetworkError("listen", err)
	}
	s.listener = ln
	s.logger.Info("Control server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound control address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and serves until ctx is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.sig.SoftStopChan():
		}
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.sig.IsSoftStopSignalled() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Failed to accept control connection", slog.Any("error", err))
			select {
			case <-time.After(acceptRetryDelay):
				continue
			case <-ctx.Done():
				return nil
			case <-s.sig.SoftStopChan():
				return nil
			}
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.handlers.Add(1)
		go s.handle(conn)
	}
}

// Sessions returns the number of live broadcast sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting, closes control connections and stops every
// session, then waits for them until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sig.TriggerSoftStop()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	s.logger.Info("Shutting down control server", slog.Int("sessions", len(live)))
	for _, sess := range live {
		sess.Stop()
	}
	for _, sess := range live {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sig.IsSoftStopSignalled() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.metrics.ActiveConnections.Inc()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.metrics.ActiveConnections.Dec()
	}
}

// handle serves one control connection until the peer goes away.
func (s *Server) handle(conn net.Conn) {
	log := s.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	defer func() {
		s.untrack(conn)
		conn.Close()
		s.handlers.Done()
		log.Debug("Control connection closed")
	}()
	log.Debug("Control connection accepted")

	if err := writeLine(conn, protocol.Welcome); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineSize)
	for scanner.Scan() {
		reply := s.dispatch(scanner.Text(), log)
		if reply == "" {
			continue
		}
		if err := writeLine(conn, reply); err != nil {
			log.Debug("Control write failed", slog.Any("error", err))
			return
		}
	}
	switch err := scanner.Err(); {
	case errors.Is(err, bufio.ErrTooLong):
		log.Warn("Control line too long", slog.Int("limit", maxLineSize))
		if writeLine(conn, protocol.UsageReply) == nil {
			// Swallow the rest of the line so closing sends FIN, not RST.
			conn.SetReadDeadline(time.Now().Add(drainWindow))
			io.Copy(io.Discard, conn)
		}
	case err != nil && !errors.Is(err, net.ErrClosed):
		log.Debug("Control read failed", slog.Any("error", err))
	}
}

// dispatch turns one request line into its reply. Empty lines get no reply.
func (s *Server) dispatch(line string, log *slog.Logger) string {
	cmd, ok, err := protocol.Parse(line)
	if !ok {
		return ""
	}
	s.metrics.ControlCommands.WithLabelValues(string(cmd.Verb)).Inc()

	switch {
	case errors.Is(err, domain.ErrUnknownCommand):
		return protocol.UnknownReply
	case err != nil:
		log.Debug("Malformed command", slog.String("line", line), slog.Any("error", err))
		return protocol.UsageReply
	}

	switch cmd.Verb {
	case protocol.VerbHello:
		return protocol.HelloReply
	case protocol.VerbStream:
		reply, err := s.startStream(cmd)
		if err != nil {
			log.Warn("Failed to start streaming", slog.String("addr", cmd.Addr), slog.Any("error", err))
			return protocol.SetupFailure
		}
		return reply.String()
	}
	return protocol.UnknownReply
}

// startStream opens the session socket, subscribes and starts the session.
func (s *Server) startStream(cmd protocol.Command) (protocol.StreamReply, error) {
	raddr, err := net.ResolveUDPAddr("udp", cmd.Addr)
	if err != nil {
		return protocol.StreamReply{}, fmt.Errorf("%w: resolve %s: %v", domain.ErrSessionSetup, cmd.Addr, err)
	}

	var laddr *net.UDPAddr
	if host := s.cfg.Server.SessionHost; host != "" {
		laddr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(host, "0"))
		if err != nil {
			return protocol.StreamReply{}, fmt.Errorf("%w: resolve session host %s: %v", domain.ErrSessionSetup, host, err)
		}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return protocol.StreamReply{}, fmt.Errorf("%w: %v", domain.ErrSessionSetup, domain.NewFatalNetworkError("dial udp", err))
	}

	sub := s.bus.Subscribe(cmd.Tickers...)
	sess := session.New(conn, sub, cmd.Tickers, session.ConfigFrom(s.cfg), s.base, s.metrics,
		session.WithOnClose(s.forget))

	s.mu.Lock()
	if s.sig.IsSoftStopSignalled() {
		s.mu.Unlock()
		sub.Close()
		conn.Close()
		return protocol.StreamReply{}, fmt.Errorf("%w: server shutting down", domain.ErrSessionSetup)
	}
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	sess.Start()

	return protocol.StreamReply{
		Addr:    protocol.StreamScheme + cmd.Addr,
		Tickers: cmd.Tickers,
		Server:  sess.LocalAddr().String(),
	}, nil
}

func (s *Server) forget(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	return err
}
