// Package monitor serves the operational HTTP endpoints of the quote server:
// pprof, Prometheus metrics and a WebSocket tap on the quote bus.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quote_stream/internal/bus"
	"quote_stream/internal/domain"
	"quote_stream/internal/infra"
	"quote_stream/internal/protocol"
)

const writeWait = 5 * time.Second

// Snapshotter exposes the latest generated quote per ticker.
type Snapshotter interface {
	Snapshot() map[string]domain.Quote
	Last(ticker string) (domain.Quote, bool)
}

// Option configures a Server.
type Option func(*Server)

// WithSnapshotter serves /quotes from src.
func WithSnapshotter(src Snapshotter) Option {
	return func(s *Server) { s.latest = src }
}

// Server is the monitor HTTP server.
type Server struct {
	bus      *bus.Bus
	latest   Snapshotter
	metrics  *infra.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpSrv *http.Server
	ln      net.Listener

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a monitor for b. Nothing is bound until Start.
func New(b *bus.Bus, metrics *infra.Metrics, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:     b,
		metrics: metrics,
		logger:  logger.With(slog.String("module", "monitor")),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws/quotes", s.serveQuotes)
	if s.latest != nil {
		mux.HandleFunc("/quotes", s.serveLatest)
		mux.HandleFunc("GET /quotes/{ticker}", s.serveTicker)
	}
	return mux
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("Monitor server started", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Monitor server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the HTTP server and ends every WebSocket tap.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	return s.httpSrv.Shutdown(ctx)
}

// serveLatest returns the latest quote per ticker as a JSON array sorted by ticker.
func (s *Server) serveLatest(w http.ResponseWriter, r *http.Request) {
	snapshot := s.latest.Snapshot()
	quotes := make([]domain.Quote, 0, len(snapshot))
	for _, q := range snapshot {
		quotes = append(quotes, q)
	}
	slices.SortFunc(quotes, func(a, b domain.Quote) int {
		return strings.Compare(a.Ticker, b.Ticker)
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(quotes); err != nil {
		s.logger.Debug("Latest quotes write failed", slog.Any("error", err))
	}
}

// serveTicker returns the latest quote for one ticker, or 404.
func (s *Server) serveTicker(w http.ResponseWriter, r *http.Request) {
	q, ok := s.latest.Last(strings.ToUpper(r.PathValue("ticker")))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(q); err != nil {
		s.logger.Debug("Quote write failed", slog.Any("error", err))
	}
}

// serveQuotes streams bus quotes as JSON text frames.
// ?tickers=AAPL,TSLA narrows the feed; no parameter means every ticker.
// ?format=text sends TICKER|price|volume|timestamp lines instead of JSON.
func (s *Server) serveQuotes(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer ws.Close()

	tickers := protocol.SplitTickers(r.URL.Query().Get("tickers"))
	asText := r.URL.Query().Get("format") == "text"
	sub := s.bus.Subscribe(tickers...)
	defer sub.Close()

	log := s.logger.With(slog.String("remote", r.RemoteAddr))
	log.Info("Quote tap opened", slog.Any("tickers", tickers))

	// The read side only detects the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case q, ok := <-sub.C():
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if asText {
				err = ws.WriteMessage(websocket.TextMessage, []byte(q.String()))
			} else {
				err = ws.WriteJSON(q)
			}
			if err != nil {
				log.Debug("Quote tap write failed", slog.Any("error", err))
				return
			}
		case <-gone:
			log.Info("Quote tap closed", slog.Uint64("dropped", sub.Dropped()))
			return
		case <-s.quit:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-r.Context().Done():
			return
		}
	}
}
