package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"quote_stream/internal/app"
	"quote_stream/internal/infra"
)

func main() {
	cliApp := &cli.App{
		Name:  "quote-server",
		Usage: "stream generated stock quotes to UDP subscribers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Value: "127.0.0.1", Usage: "control server bind `HOST`"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 12345, Usage: "control server `PORT`"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: app.DefaultConfigPath, Usage: "YAML config `FILE`"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "monitor-addr", Usage: "serve pprof, /metrics and /ws/quotes on `ADDR`"},
		},
		Action: runServer,
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(c *cli.Context) error {
	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(c.String("config"), func(cfg *infra.Config) {
		if c.IsSet("host") {
			cfg.Server.Host = c.String("host")
		}
		if c.IsSet("port") {
			cfg.Server.Port = c.Int("port")
		}
		if c.IsSet("log-level") {
			cfg.Logging.Level = c.String("log-level")
		}
		if c.IsSet("monitor-addr") {
			cfg.Monitor.Addr = c.String("monitor-addr")
		}
	}); err != nil {
		return fmt.Errorf("bootstrapping failed: %w", err)
	}

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Generator, bus, control server, monitor
	rt := bootstrap.NewServerRuntime()
	if err := rt.Start(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Quote streamer operational. Press Ctrl+C to exit.",
		slog.String("addr", rt.Control.Addr().String()),
		slog.Any("tickers", bootstrap.Config.Generator.Tickers))

	if err := rt.Run(ctx); err != nil {
		return err
	}
	slog.Info("Shut down gracefully")
	return nil
}
