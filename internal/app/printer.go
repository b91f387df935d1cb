package app

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"quote_stream/internal/domain"
	"quote_stream/internal/service"
)

// Printer renders received quotes as text lines and records them in a book.
type Printer struct {
	out     io.Writer
	book    *service.QuoteBook
	started time.Time
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer, book *service.QuoteBook) *Printer {
	return &Printer{out: out, book: book, started: time.Now()}
}

// HandleQuote implements domain.QuoteHandler.
func (p *Printer) HandleQuote(q domain.Quote) {
	p.book.HandleQuote(q)
	fmt.Fprintf(p.out, "%-6s %12s  vol %10s  %s\n",
		q.Ticker,
		humanize.CommafWithDigits(q.Price, 2),
		humanize.Comma(int64(q.Volume)),
		q.Time().Format(time.TimeOnly))
}

// Summary prints one line per ticker and the totals.
func (p *Printer) Summary() {
	entries := p.book.All()
	fmt.Fprintf(p.out, "\nReceived %s quotes for %d tickers since %s\n",
		humanize.Comma(int64(p.book.Total())), len(entries), humanize.Time(p.started))

	for _, e := range entries {
		change := "n/a"
		if e.Change != nil {
			change = e.Change.StringFixed(2) + "%"
		}
		fmt.Fprintf(p.out, "%-6s last %12s  change %8s  quotes %s\n",
			e.Last.Ticker,
			humanize.CommafWithDigits(e.Last.Price, 2),
			change,
			humanize.Comma(int64(e.Received)))
	}
}
