// Package receiver is the client end of a broadcast session: it keeps the
// session alive with heartbeats and hands decoded quotes to a handler.
package receiver

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/Jeffail/shutdown"
	"golang.org/x/sync/errgroup"

	"quote_stream/internal/domain"
	"quote_stream/internal/infra"
	"quote_stream/internal/wire"
)

// DefaultHeartbeatInterval is the ping period.
const DefaultHeartbeatInterval = 2 * time.Second

// StopReason records why Run returned.
type StopReason int

const (
	StopNone StopReason = iota
	StopPeerLost
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopPeerLost:
		return "peer_lost"
	case StopCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithMetrics counts received quotes and socket errors.
func WithMetrics(m *infra.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// Receiver runs one UDP stream from a broadcast session.
type Receiver struct {
	interval time.Duration
	handler  domain.QuoteHandler
	logger   *slog.Logger
	metrics  *infra.Metrics

	running atomic.Bool
}

// New creates a receiver that pings every heartbeat interval.
func New(heartbeat time.Duration, handler domain.QuoteHandler, logger *slog.Logger, opts ...Option) *Receiver {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{
		interval: heartbeat,
		handler:  handler,
		logger:   logger.With(slog.String("module", "receiver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = infra.NewMetrics()
	}
	return r
}

// Running reports whether Run is receiving.
func (r *Receiver) Running() bool {
	return r.running.Load()
}

// Run binds local, connects to the session address peer and receives until
// the peer is lost or ctx is cancelled. Only socket setup failures are
// returned as errors.
func (r *Receiver) Run(ctx context.Context, local, peer string) (StopReason, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return StopNone, domain.NewFatalNetworkError("resolve local", err)
	}
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return StopNone, domain.NewFatalNetworkError("resolve peer", err)
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return StopNone, domain.NewFatalNetworkError("bind", err)
	}

	log := r.logger.With(slog.String("local", conn.LocalAddr().String()), slog.String("peer", peer))
	log.Info("Receiving quotes")

	r.running.Store(true)
	sig := shutdown.NewSignaller()

	var g errgroup.Group
	g.Go(func() error {
		r.heartbeat(conn, sig, log)
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-sig.SoftStopChan():
		}
		r.running.Store(false)
		sig.TriggerSoftStop()
		// unblocks the pending read
		conn.Close()
		return nil
	})

	reason := r.receive(ctx, conn, log)
	sig.TriggerSoftStop()
	_ = g.Wait()

	log.Info("Receiver stopped", slog.String("reason", reason.String()))
	return reason, nil
}

// heartbeat pings immediately and then every interval.
func (r *Receiver) heartbeat(conn *net.UDPConn, sig *shutdown.Signaller, log *slog.Logger) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := conn.Write(wire.Ping); err != nil {
			if sig.IsSoftStopSignalled() {
				return
			}
			r.metrics.SendErrors.Inc()
			log.Debug("Ping failed", slog.Any("error", err))
		}
		select {
		case <-sig.SoftStopChan():
			return
		case <-ticker.C:
		}
	}
}

// receive decodes datagrams until the socket fails.
func (r *Receiver) receive(ctx context.Context, conn *net.UDPConn, log *slog.Logger) StopReason {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			r.running.Store(false)
			if ctx.Err() != nil {
				return StopCancelled
			}
			r.metrics.ReceiveErrors.Inc()
			log.Warn("Peer lost", slog.Any("error", err))
			return StopPeerLost
		}

		kind, q := wire.Classify(buf[:n])
		switch kind {
		case wire.KindQuote:
			if err := q.Validate(); err != nil {
				log.Debug("Dropping invalid quote", slog.Any("error", err))
				continue
			}
			r.metrics.QuotesReceived.Inc()
			r.handler.HandleQuote(q)
		case wire.KindPong:
			// heartbeat ack
		default:
			log.Debug("Dropping undecodable datagram", slog.Int("size", n))
		}
	}
}
