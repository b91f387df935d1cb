package domain

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Quote is a single market quote for one ticker.
// It is passed by value everywhere, so every holder owns its own copy.
type Quote struct {
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Volume    uint32  `json:"volume"`
	Timestamp uint64  `json:"timestamp"` // Unix milliseconds
}

// NewQuote creates a quote.
func NewQuote(ticker string, price float64, volume uint32, timestamp uint64) Quote {
	return Quote{
		Ticker:    ticker,
		Price:     price,
		Volume:    volume,
		Timestamp: timestamp,
	}
}

// NowMillis returns the current time in Unix milliseconds.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Time returns the quote timestamp as time.Time
func (q Quote) Time() time.Time {
	return time.UnixMilli(int64(q.Timestamp))
}

// Validate rejects quotes with an empty ticker or a non-positive price
func (q Quote) Validate() error {
	if q.Ticker == "" {
		return fmt.Errorf("%w: empty ticker", ErrInvalidQuote)
	}
	if math.IsNaN(q.Price) || math.IsInf(q.Price, 0) || q.Price <= 0 {
		return fmt.Errorf("%w: bad price %v for %s", ErrInvalidQuote, q.Price, q.Ticker)
	}
	return nil
}

// String renders the quote as TICKER|price|volume|timestamp.
func (q Quote) String() string {
	return q.Ticker + "|" +
		strconv.FormatFloat(q.Price, 'f', -1, 64) + "|" +
		strconv.FormatUint(uint64(q.Volume), 10) + "|" +
		strconv.FormatUint(q.Timestamp, 10)
}

// TickerSet is a set of upper-case ticker symbols.
type TickerSet map[string]struct{}

// NewTickerSet builds a set from the given symbols, ignoring blanks.
func NewTickerSet(tickers ...string) TickerSet {
	set := make(TickerSet, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

// Contains reports whether ticker is in the set.
func (s TickerSet) Contains(ticker string) bool {
	_, ok := s[ticker]
	return ok
}

// Slice returns the symbols in sorted order.
func (s TickerSet) Slice() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
