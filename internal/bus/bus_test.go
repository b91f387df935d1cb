package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote_stream/internal/domain"
	"quote_stream/internal/infra"
)

func recv(t *testing.T, s *Subscription) domain.Quote {
	t.Helper()
	select {
	case q, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return q
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for quote")
	}
	return domain.Quote{}
}

func assertEmpty(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case q := <-s.C():
		t.Fatalf("unexpected quote %v", q)
	default:
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New(DefaultCapacity)
	const n = 5

	subs := make([]*Subscription, n)
	for i := range subs {
		subs[i] = b.Subscribe()
	}
	require.Equal(t, n, b.Len())

	q := domain.NewQuote("AAPL", 190.5, 1000, 1)
	b.Publish(q)

	var wg sync.WaitGroup
	got := make([]domain.Quote, n)
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *Subscription) {
			defer wg.Done()
			got[i] = <-s.C()
		}(i, s)
	}
	wg.Wait()

	for i := range got {
		assert.Equal(t, q, got[i])
	}

	// Each reader holds its own copy.
	got[0].Price = -1
	assert.Equal(t, 190.5, got[1].Price)
}

func TestBus_NoReplay(t *testing.T) {
	b := New(DefaultCapacity)
	early := b.Subscribe()

	b.Publish(domain.NewQuote("AAPL", 1, 1, 1))
	late := b.Subscribe()
	b.Publish(domain.NewQuote("AAPL", 2, 1, 2))

	assert.Equal(t, uint64(1), recv(t, early).Timestamp)
	assert.Equal(t, uint64(2), recv(t, early).Timestamp)
	assert.Equal(t, uint64(2), recv(t, late).Timestamp)
	assertEmpty(t, late)
}

func TestBus_DropOldest(t *testing.T) {
	m := infra.NewMetrics()
	b := New(3, WithMetrics(m))
	s := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(domain.NewQuote("AAPL", float64(i), 1, uint64(i)))
	}

	assert.Equal(t, uint64(2), s.Dropped())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuotesDropped))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QuotesPublished))

	// Oldest two were evicted; order of the rest is preserved.
	assert.Equal(t, uint64(3), recv(t, s).Timestamp)
	assert.Equal(t, uint64(4), recv(t, s).Timestamp)
	assert.Equal(t, uint64(5), recv(t, s).Timestamp)
	assertEmpty(t, s)
}

func TestBus_BackpressureIsolation(t *testing.T) {
	b := New(DefaultCapacity)
	stalled := b.Subscribe() // never drained
	healthy := b.Subscribe()

	const total = 1000
	received := make(chan int, 1)
	go func() {
		count := 0
		for q := range healthy.C() {
			count++
			if q.Timestamp == total {
				break
			}
		}
		received <- count
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= total; i++ {
			b.Publish(domain.NewQuote("AAPL", 1, 1, uint64(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by a stalled subscriber")
	}

	select {
	case count := <-received:
		assert.Positive(t, count)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved")
	}

	assert.Equal(t, uint64(total-DefaultCapacity), stalled.Dropped())
	assert.Len(t, stalled.C(), DefaultCapacity)
}

func TestBus_TickerFilter(t *testing.T) {
	b := New(DefaultCapacity)
	aapl := b.Subscribe("aapl")
	all := b.Subscribe()

	b.Publish(domain.NewQuote("TSLA", 250, 1, 1))
	b.Publish(domain.NewQuote("AAPL", 190, 1, 2))

	assert.Equal(t, "AAPL", recv(t, aapl).Ticker)
	assertEmpty(t, aapl)

	assert.Equal(t, "TSLA", recv(t, all).Ticker)
	assert.Equal(t, "AAPL", recv(t, all).Ticker)
}

func TestSubscription_Close(t *testing.T) {
	m := infra.NewMetrics()
	b := New(DefaultCapacity, WithMetrics(m))
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BusSubscribers))

	s1.Close()
	s1.Close() // idempotent

	_, ok := <-s1.C()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusSubscribers))

	b.Publish(domain.NewQuote("AAPL", 1, 1, 1))
	assert.Equal(t, "AAPL", recv(t, s2).Ticker)
}

func TestBus_Close(t *testing.T) {
	b := New(DefaultCapacity)
	s := b.Subscribe()

	b.Close()
	b.Close()

	_, ok := <-s.C()
	assert.False(t, ok)

	// Publishing and subscribing after close are safe no-ops.
	b.Publish(domain.NewQuote("AAPL", 1, 1, 1))
	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
	late.Close()
	s.Close()
	assert.Equal(t, 0, b.Len())
}

func TestBus_ConcurrentSubscribeAndPublish(t *testing.T) {
	b := New(DefaultCapacity)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.Publish(domain.NewQuote("AAPL", 1, 1, uint64(i)))
		}
	}()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := b.Subscribe()
			for j := 0; j < 5; j++ {
				select {
				case <-s.C():
				case <-time.After(10 * time.Millisecond):
				}
			}
			s.Close()
		}()
	}

	wg.Wait()
	assert.Equal(t, 0, b.Len())
}
