// Package bus provides the in-process fan-out from the quote generator to
// broadcast sessions.
//
// Each subscription owns a bounded queue. Publish never waits on a consumer:
// when a queue is full the oldest buffered quote of that subscription is
// discarded to make room, so one slow subscriber cannot stall the generator
// or any other subscriber.
package bus

import (
	"sync"
	"sync/atomic"

	"quote_stream/internal/domain"
	"quote_stream/internal/infra"
)

// DefaultCapacity is the per-subscription queue size.
const DefaultCapacity = 10

// Bus is a single-producer, multi-consumer quote broadcaster.
type Bus struct {
	mu       sync.Mutex
	subs     []*Subscription // insertion order
	capacity int
	closed   bool

	metrics *infra.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics records published and dropped quotes.
func WithMetrics(m *infra.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New creates a bus whose subscriptions buffer up to capacity quotes.
func New(capacity int, opts ...Option) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	b := &Bus{capacity: capacity}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscription. With no tickers it receives every
// quote; otherwise only quotes for the given tickers.
// Quotes published before the call are never delivered to it.
func (b *Bus) Subscribe(tickers ...string) *Subscription {
	s := &Subscription{
		bus: b,
		ch:  make(chan domain.Quote, b.capacity),
	}
	if len(tickers) > 0 {
		s.filter = domain.NewTickerSet(tickers...)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs = append(b.subs, s)
	if b.metrics != nil {
		b.metrics.BusSubscribers.Set(float64(len(b.subs)))
	}
	return s
}

// Publish delivers a copy of q to every matching subscription.
func (b *Bus) Publish(q domain.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.metrics != nil {
		b.metrics.QuotesPublished.Inc()
	}

	for _, s := range b.subs {
		if s.filter != nil && !s.filter.Contains(q.Ticker) {
			continue
		}
		if s.offer(q) && b.metrics != nil {
			b.metrics.QuotesDropped.Inc()
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored and later
// subscriptions are returned already closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.closed = true
		close(s.ch)
	}
	b.subs = nil
	if b.metrics != nil {
		b.metrics.BusSubscribers.Set(0)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	if b.metrics != nil {
		b.metrics.BusSubscribers.Set(float64(len(b.subs)))
	}
}

// Subscription is one consumer's read handle on the bus.
type Subscription struct {
	bus    *Bus
	ch     chan domain.Quote
	filter domain.TickerSet // nil means every ticker

	closed  bool // guarded by bus.mu
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan domain.Quote {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Dropped returns how many quotes were discarded for this subscription.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// offer enqueues q, evicting the oldest queued quote while the queue is full.
// Must be called with bus.mu held, which makes it the only sender.
// Reports whether a quote was dropped.
func (s *Subscription) offer(q domain.Quote) (dropped bool) {
	for {
		select {
		case s.ch <- q:
			return dropped
		default:
		}

		// The consumer may drain concurrently, so eviction is non-blocking too.
		select {
		case <-s.ch:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}
