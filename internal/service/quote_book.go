package service

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"quote_stream/internal/domain"
)

// QuoteEntry is the latest state of one ticker as seen by the client.
type QuoteEntry struct {
	Last     domain.Quote
	Open     float64          // price of the first quote received
	Change   *decimal.Decimal // percent change since Open, nil until computable
	Received uint64
}

// QuoteBook keeps the latest quote per ticker for the client.
type QuoteBook struct {
	mu      sync.RWMutex
	entries map[string]*QuoteEntry
	total   uint64
}

// NewQuoteBook creates an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		entries: make(map[string]*QuoteEntry),
	}
}

// HandleQuote records q directly. It satisfies domain.QuoteHandler.
func (b *QuoteBook) HandleQuote(q domain.Quote) {
	b.ProcessQuotes([]domain.Quote{q})
}

// ProcessQuotes applies a batch. A quote older than the stored one still
// counts as received but does not replace it.
func (b *QuoteBook) ProcessQuotes(quotes []domain.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range quotes {
		e, ok := b.entries[q.Ticker]
		if !ok {
			e = &QuoteEntry{Last: q, Open: q.Price}
			b.entries[q.Ticker] = e
		}
		e.Received++
		b.total++

		if q.Timestamp >= e.Last.Timestamp {
			e.Last = q
		}
		calculateChange(e)
	}
}

// calculateChange sets Change to 100 * (Last - Open) / Open.
// Must be called with lock held.
func calculateChange(e *QuoteEntry) {
	open := decimal.NewFromFloat(e.Open)
	if open.IsZero() {
		return
	}
	change := decimal.NewFromFloat(e.Last.Price).Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Round(2)
	e.Change = &change
}

// Get returns a copy of the entry for ticker.
func (b *QuoteBook) Get(ticker string) (QuoteEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[ticker]
	if !ok {
		return QuoteEntry{}, false
	}
	return *e, true
}

// All returns copies of every entry sorted by ticker.
func (b *QuoteBook) All() []QuoteEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]QuoteEntry, 0, len(b.entries))
	for _, e := range b.entries {
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Last.Ticker < result[j].Last.Ticker
	})
	return result
}

// Total returns how many quotes were recorded.
func (b *QuoteBook) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
