package app

import (
	"context"
	"io"
	"log/slog"

	"quote_stream/internal/client"
	"quote_stream/internal/infra"
	"quote_stream/internal/receiver"
	"quote_stream/internal/service"
)

// LogToStderr moves console logging off stdout, which carries the printed
// quotes. A console of none is kept.
func LogToStderr(cfg *infra.Config) {
	if cfg.Logging.Console == "" || cfg.Logging.Console == "stdout" {
		cfg.Logging.Console = "stderr"
	}
}

// RunClient performs the control handshake, then receives quotes on
// streamAddr and prints them to out until the session ends or ctx is cancelled.
// A summary of the quote book is printed on the way out.
func (b *Bootstrap) RunClient(ctx context.Context, streamAddr string, tickers []string, out io.Writer) (receiver.StopReason, error) {
	c, err := client.Dial(ctx, b.Config.ServerAddr(), b.Config, b.Logger)
	if err != nil {
		return receiver.StopNone, err
	}
	defer c.Close()

	if _, err := c.Hello(); err != nil {
		return receiver.StopNone, err
	}

	reply, err := c.Stream(streamAddr, tickers)
	if err != nil {
		return receiver.StopNone, err
	}

	book := service.NewQuoteBook()
	printer := NewPrinter(out, book)
	rcv := receiver.New(b.Config.Client.HeartbeatInterval, printer, b.Logger, receiver.WithMetrics(b.Metrics))

	reason, err := rcv.Run(ctx, streamAddr, reply.Server)
	if err != nil {
		return reason, err
	}

	printer.Summary()
	b.Logger.Info("Client finished", slog.String("reason", reason.String()), slog.Uint64("quotes", book.Total()))
	return reason, nil
}
