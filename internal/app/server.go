package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"quote_stream/internal/bus"
	"quote_stream/internal/engine"
	"quote_stream/internal/monitor"
	"quote_stream/internal/server"
)

// ShutdownTimeout bounds the graceful stop of sessions and the monitor.
const ShutdownTimeout = 5 * time.Second

// ServerRuntime wires the generator, the bus, the control server and the
// optional monitor.
type ServerRuntime struct {
	Bus       *bus.Bus
	Generator *engine.Generator
	Control   *server.Server
	Monitor   *monitor.Server // nil when no monitor address is configured

	monitorAddr string
	logger      *slog.Logger
}

// NewServerRuntime builds the server side from the bootstrapped config.
func (b *Bootstrap) NewServerRuntime() *ServerRuntime {
	cfg := b.Config
	quotes := bus.New(cfg.Bus.Capacity, bus.WithMetrics(b.Metrics))

	gen := engine.NewGenerator(cfg.Generator.Tickers, cfg.Generator.Period, cfg.Generator.Stagger, quotes,
		engine.WithLogger(b.Logger))

	rt := &ServerRuntime{
		Bus:         quotes,
		Generator:   gen,
		Control:     server.New(cfg, quotes, b.Logger, b.Metrics),
		monitorAddr: cfg.Monitor.Addr,
		logger:      b.Logger,
	}
	if cfg.Monitor.Addr != "" {
		rt.Monitor = monitor.New(quotes, b.Metrics, b.Logger, monitor.WithSnapshotter(gen))
	}
	return rt
}

// Start binds the control listener and the monitor.
func (rt *ServerRuntime) Start() error {
	if err := rt.Control.Listen(); err != nil {
		return err
	}
	if rt.Monitor != nil {
		if err := rt.Monitor.Start(rt.monitorAddr); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			return errors.Join(err, rt.Control.Shutdown(ctx))
		}
	}
	return nil
}

// Run generates and serves until ctx is cancelled, then stops every session.
// A generator failure is logged and leaves running sessions alone.
func (rt *ServerRuntime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := rt.Generator.Run(gctx); err != nil {
			rt.logger.Error("Generator stopped", slog.Any("error", err))
		}
		return nil
	})
	g.Go(func() error {
		return rt.Control.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		err := rt.Control.Shutdown(sctx)
		if rt.Monitor != nil {
			err = errors.Join(err, rt.Monitor.Shutdown(sctx))
		}
		rt.Bus.Close()
		return err
	})

	return g.Wait()
}
