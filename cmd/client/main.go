package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"quote_stream/internal/app"
	"quote_stream/internal/infra"
	"quote_stream/internal/protocol"
	"quote_stream/internal/receiver"
)

func main() {
	cliApp := &cli.App{
		Name:  "quote-client",
		Usage: "subscribe to a quote server and print the stream",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Value: "127.0.0.1", Usage: "control server `HOST`"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 12345, Usage: "control server `PORT`"},
			&cli.StringFlag{Name: "stream-addr", Aliases: []string{"A"}, Required: true, Usage: "local UDP `ADDR` to receive quotes on"},
			&cli.StringFlag{Name: "tickers", Aliases: []string{"T"}, Required: true, Usage: "comma-separated `LIST` of tickers"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: app.DefaultConfigPath, Usage: "YAML config `FILE`"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: runClient,
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClient(c *cli.Context) error {
	tickers := protocol.SplitTickers(c.String("tickers"))
	if len(tickers) == 0 {
		return errors.New("--tickers must name at least one ticker")
	}

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(c.String("config"), app.LogToStderr, func(cfg *infra.Config) {
		if c.IsSet("host") {
			cfg.Server.Host = c.String("host")
		}
		if c.IsSet("port") {
			cfg.Server.Port = c.Int("port")
		}
		if c.IsSet("log-level") {
			cfg.Logging.Level = c.String("log-level")
		}
	}); err != nil {
		return fmt.Errorf("bootstrapping failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reason, err := bootstrap.RunClient(ctx, c.String("stream-addr"), tickers, os.Stdout)
	if err != nil {
		return err
	}
	if reason == receiver.StopPeerLost {
		slog.Warn("Quote stream lost; the server session has ended")
	}
	return nil
}
