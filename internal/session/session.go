// Package session runs one UDP broadcast per STREAM request.
//
// A Session owns a connected UDP socket and a bus subscription and runs three
// duties until any of them raises the shared stop signal:
//
//   - the heartbeat responder answers "ping" with "pong" and records contact,
//   - the timeout monitor stops the session after a silent period,
//   - the forwarder encodes subscribed quotes and sends them to the peer.
package session

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quote_stream/internal/bus"
	"quote_stream/internal/domain"
	"quote_stream/internal/infra"
	"quote_stream/internal/wire"
)

// StopReason records what ended a session.
type StopReason int

const (
	StopNone StopReason = iota
	StopTimeout
	StopSocketError
	StopShutdown
)

func (r StopReason) String() string {
	switch r {
	case StopTimeout:
		return "timeout"
	case StopSocketError:
		return "socket_error"
	case StopShutdown:
		return "shutdown"
	default:
		return "running"
	}
}

// Config holds the session timings.
type Config struct {
	PollInterval    time.Duration // read deadline of the heartbeat responder
	MonitorInterval time.Duration // how often silence is checked
	Timeout         time.Duration // silence that ends the session
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:    100 * time.Millisecond,
		MonitorInterval: time.Second,
		Timeout:         5 * time.Second,
	}
}

// ConfigFrom extracts the session timings from the process config.
func ConfigFrom(cfg *infra.Config) Config {
	return Config{
		PollInterval:    cfg.Session.PollInterval,
		MonitorInterval: cfg.Session.MonitorInterval,
		Timeout:         cfg.Session.Timeout,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithOnClose registers a callback run once after teardown, before Done is closed.
func WithOnClose(fn func(*Session)) Option {
	return func(s *Session) { s.onClose = fn }
}

// Session is one subscriber's UDP stream.
type Session struct {
	id      uuid.UUID
	conn    *net.UDPConn
	sub     *bus.Subscription
	tickers domain.TickerSet
	cfg     Config

	logger  *slog.Logger
	metrics *infra.Metrics
	now     func() time.Time
	onClose func(*Session)

	sig       *shutdown.Signaller
	startOnce sync.Once

	mu          sync.Mutex
	lastContact time.Time
	reason      StopReason
}

// New creates a session over conn, which must already be connected to the
// subscriber. The session owns conn and sub from now on.
func New(conn *net.UDPConn, sub *bus.Subscription, tickers []string, cfg Config, logger *slog.Logger, metrics *infra.Metrics, opts ...Option) *Session {
	if cfg.PollInterval <= 0 || cfg.MonitorInterval <= 0 || cfg.Timeout <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.NewMetrics()
	}

	s := &Session{
		id:      uuid.New(),
		conn:    conn,
		sub:     sub,
		tickers: domain.NewTickerSet(tickers...),
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		sig:     shutdown.NewSignaller(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With(
		slog.String("module", "session"),
		slog.String("session_id", s.id.String()),
		slog.String("peer", conn.RemoteAddr().String()),
	)
	return s
}

// Start launches the three duties. Calling it more than once has no effect.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.touch()
		s.metrics.ActiveSessions.Inc()
		s.logger.Info("Session started",
			slog.String("local", s.conn.LocalAddr().String()),
			slog.Any("tickers", s.tickers.Slice()))

		go func() {
			var g errgroup.Group
			g.Go(s.respond)
			g.Go(s.monitor)
			g.Go(s.forward)
			s.teardown(g.Wait())
		}()
	})
}

// Stop asks every duty to exit. It does not wait; use Done for that.
func (s *Session) Stop() {
	s.halt(StopShutdown)
}

// Done is closed once the session has released its socket and subscription.
func (s *Session) Done() <-chan struct{} {
	return s.sig.HasStoppedChan()
}

// Stopped reports whether the stop signal has been raised.
func (s *Session) Stopped() bool {
	return s.sig.IsSoftStopSignalled()
}

// Reason returns what raised the stop signal, or StopNone while running.
func (s *Session) Reason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) ID() string { return s.id.String() }

// LocalAddr is the address the subscriber sends heartbeats to.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Peer is the subscriber's UDP address.
func (s *Session) Peer() net.Addr { return s.conn.RemoteAddr() }

// LastContact returns the time of the last heartbeat, or the start time.
func (s *Session) LastContact() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContact
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastContact = s.now()
	s.mu.Unlock()
}

// halt records the first stop reason and raises the shared signal.
func (s *Session) halt(reason StopReason) {
	s.mu.Lock()
	if s.reason == StopNone {
		s.reason = reason
	}
	s.mu.Unlock()
	s.sig.TriggerSoftStop()
}

// classify wraps a socket error. Only a closed socket is fatal; anything else
// (ICMP port unreachable and friends) may clear up while the peer lives.
func classify(op string, err error) *domain.NetworkError {
	if errors.Is(err, net.ErrClosed) {
		return domain.NewFatalNetworkError(op, err)
	}
	return domain.NewNetworkError(op, err)
}

// fail ends the session on an unrecoverable socket error.
func (s *Session) fail(err error) error {
	s.halt(StopSocketError)
	return err
}

// respond answers heartbeats until stopped.
func (s *Session) respond() error {
	buf := make([]byte, wire.MaxDatagramSize)
	for !s.sig.IsSoftStopSignalled() {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			return s.fail(domain.NewFatalNetworkError("set read deadline", err))
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if nerr := classify("receive", err); !domain.IsRetriable(nerr) {
				return s.fail(nerr)
			}
			s.metrics.ReceiveErrors.Inc()
			s.logger.Debug("Heartbeat read failed", slog.Any("error", err))
			continue
		}

		if !wire.IsPing(buf[:n]) {
			continue
		}
		s.touch()
		s.metrics.HeartbeatsReceived.Inc()

		if _, err := s.conn.Write(wire.Pong); err != nil {
			if nerr := classify("send", err); !domain.IsRetriable(nerr) {
				return s.fail(nerr)
			}
			s.metrics.SendErrors.Inc()
			s.logger.Debug("Pong send failed", slog.Any("error", err))
		}
	}
	return nil
}

// monitor stops the session when no heartbeat arrived within the timeout.
func (s *Session) monitor() error {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sig.SoftStopChan():
			return nil
		case <-ticker.C:
			idle := s.now().Sub(s.LastContact())
			if idle > s.cfg.Timeout {
				s.logger.Warn("Heartbeat timeout", slog.Duration("idle", idle))
				s.metrics.SessionTimeouts.Inc()
				s.halt(StopTimeout)
				return nil
			}
		}
	}
}

// forward sends every subscribed quote to the peer.
func (s *Session) forward() error {
	buf := make([]byte, 0, wire.MaxDatagramSize)
	for {
		select {
		case <-s.sig.SoftStopChan():
			return nil
		case q, ok := <-s.sub.C():
			if !ok {
				// bus closed
				s.halt(StopShutdown)
				return nil
			}
			if len(s.tickers) > 0 && !s.tickers.Contains(q.Ticker) {
				continue
			}

			var err error
			buf, err = wire.AppendQuote(buf[:0], q)
			if err != nil {
				s.logger.Warn("Quote not encodable", slog.String("ticker", q.Ticker), slog.Any("error", err))
				continue
			}
			if _, err := s.conn.Write(buf); err != nil {
				if nerr := classify("send", err); !domain.IsRetriable(nerr) {
					return s.fail(nerr)
				}
				s.metrics.SendErrors.Inc()
				s.logger.Debug("Quote send failed", slog.String("ticker", q.Ticker), slog.Any("error", err))
				continue
			}
			s.metrics.QuotesForwarded.Inc()
		}
	}
}

func (s *Session) teardown(err error) {
	s.sub.Close()
	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		s.logger.Debug("Socket close failed", slog.Any("error", cerr))
	}
	s.metrics.ActiveSessions.Dec()

	attrs := []any{
		slog.String("reason", s.Reason().String()),
		slog.Uint64("dropped", s.sub.Dropped()),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	s.logger.Info("Session stopped", attrs...)

	if s.onClose != nil {
		s.onClose(s)
	}
	s.sig.TriggerHasStopped()
}
