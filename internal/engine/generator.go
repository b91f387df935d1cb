package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quote_stream/internal/domain"
)

const (
	// DefaultPeriod is the pause between generation cycles.
	DefaultPeriod = 5 * time.Second
	// DefaultStagger spaces out tickers within one cycle.
	DefaultStagger = 10 * time.Millisecond

	initialVolume = 1000
)

var minPrice = decimal.New(1, -2) // 0.01

// Clock stamps quotes in Unix milliseconds
type Clock interface {
	NowMillis() uint64
}

// Rand for deterministic values
type Rand interface {
	Float64() float64
	Uint32() uint32
}

type realClock struct{}

func (realClock) NowMillis() uint64 { return domain.NowMillis() }

type realRand struct{}

func (realRand) Float64() float64 { return rand.Float64() }
func (realRand) Uint32() uint32   { return rand.Uint32() }

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// WithRand overrides the random source.
func WithRand(r Rand) Option {
	return func(g *Generator) { g.rand = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// Generator produces one quote per tracked ticker every period and publishes
// it. Each ticker drifts from its previous value.
type Generator struct {
	tickers []string
	period  time.Duration
	stagger time.Duration
	pub     domain.QuotePublisher

	clock  Clock
	rand   Rand
	logger *slog.Logger

	mu     sync.RWMutex // guards quotes; external reads via Last
	quotes map[string]domain.Quote
}

// NewGenerator creates a generator for the given tickers.
func NewGenerator(tickers []string, period, stagger time.Duration, pub domain.QuotePublisher, opts ...Option) *Generator {
	if period <= 0 {
		period = DefaultPeriod
	}
	if stagger < 0 {
		stagger = 0
	}
	g := &Generator{
		tickers: append([]string(nil), tickers...),
		period:  period,
		stagger: stagger,
		pub:     pub,
		clock:   realClock{},
		rand:    realRand{},
		logger:  slog.Default(),
		quotes:  make(map[string]domain.Quote, len(tickers)),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("module", "generator"))
	return g
}

// Run publishes cycles until ctx is cancelled. A cycle starts immediately.
// It returns nil on cancellation and an error if a cycle panicked.
func (g *Generator) Run(ctx context.Context) (err error) {
	g.logger.Info("Generator started", slog.Any("tickers", g.tickers), slog.Duration("period", g.period))

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("GENERATOR_PANIC", slog.Any("panic", r), slog.Any("state", g.Snapshot()))
			err = fmt.Errorf("generator halted: %v", r)
		}
	}()

	ticker := time.NewTicker(g.period)
	defer ticker.Stop()

	for {
		g.cycle(ctx)

		select {
		case <-ctx.Done():
			g.logger.Info("Generator stopping...")
			return nil
		case <-ticker.C:
		}
	}
}

// cycle publishes one quote per ticker, pausing stagger between tickers.
func (g *Generator) cycle(ctx context.Context) {
	for i, t := range g.tickers {
		if i > 0 && g.stagger > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.stagger):
			}
		}
		q := g.Next(t)
		if err := q.Validate(); err != nil {
			g.logger.Error("Skipping invalid quote", slog.Any("error", err))
			continue
		}
		g.pub.Publish(q)
	}
}

// Next computes the next quote for ticker and records it as the latest.
func (g *Generator) Next(ticker string) domain.Quote {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.NowMillis()

	prev, ok := g.quotes[ticker]
	var q domain.Quote
	if !ok {
		price := decimal.NewFromInt(100).Add(decimal.NewFromFloat(g.rand.Float64() * 100))
		q = domain.NewQuote(ticker, toPrice(price), initialVolume, now)
	} else {
		delta := decimal.NewFromFloat((g.rand.Float64() - 0.5) * 2)
		price := decimal.NewFromFloat(prev.Price).Add(delta)

		volume := uint64(prev.Volume) + uint64(g.rand.Uint32()%100)
		if volume > math.MaxUint32 {
			volume = math.MaxUint32
		}

		// Never go backwards, even if the wall clock does.
		ts := max(now, prev.Timestamp)

		q = domain.NewQuote(ticker, toPrice(price), uint32(volume), ts)
	}

	g.quotes[ticker] = q
	return q
}

// Last returns the latest generated quote for ticker.
func (g *Generator) Last(ticker string) (domain.Quote, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	q, ok := g.quotes[ticker]
	return q, ok
}

// Snapshot returns a copy of the latest quote per ticker.
func (g *Generator) Snapshot() map[string]domain.Quote {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]domain.Quote, len(g.quotes))
	for k, v := range g.quotes {
		out[k] = v
	}
	return out
}

// toPrice rounds to cents and keeps the price positive.
func toPrice(d decimal.Decimal) float64 {
	d = d.Round(2)
	if d.LessThan(minPrice) {
		d = minPrice
	}
	f, _ := d.Float64()
	return f
}
