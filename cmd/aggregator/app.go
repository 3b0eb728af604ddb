package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raymondelooff/device-reading-aggregator/aggregator"
	"github.com/raymondelooff/device-reading-aggregator/api"
)

// App wires the registry to its transports and sinks
type App struct {
	config     aggregator.Config
	logger     *zap.SugaredLogger
	registry   *aggregator.Registry
	server     *http.Server
	subscriber *aggregator.Subscriber
	writer     *aggregator.Writer
	db         *sql.DB
}

// NewApp builds every component named in the config
func NewApp(ctx context.Context, config aggregator.Config, logger *zap.SugaredLogger) (*App, error) {
	app := &App{
		config: config,
		logger: logger,
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := aggregator.NewMetrics(promRegistry)

	var sinks []aggregator.Sink
	if config.MySQL.Enabled() {
		db, err := aggregator.NewDbConnection(ctx, config.MySQL)
		if err != nil {
			return nil, err
		}
		app.db = db
		app.writer = aggregator.NewWriter(config.Writer, db, logger.With("component", "writer"))
		sinks = append(sinks, app.writer)
	}

	var store aggregator.Store
	if config.PersistenceEnabled() {
		store = aggregator.NewFileStore(config.Storage.DataDir, logger.With("component", "store"))
	}

	app.registry = aggregator.NewRegistry(config.Storage, store, sinks, metrics, logger.With("component", "registry"))

	policy := config.Readings.CountPolicy()

	if config.AMQP.Enabled {
		app.subscriber = aggregator.NewSubscriber(config.AMQP, config.Topics, app.registry, policy, metrics, logger.With("component", "subscriber"))
	}

	server := api.NewServer(app.registry, policy, config.HTTP.MaxBodyBytes, metrics, promRegistry, logger.With("component", "api"))
	app.server = &http.Server{
		Addr:         config.HTTP.Listen,
		Handler:      server.Handler(),
		ReadTimeout:  config.HTTP.ReadTimeout,
		WriteTimeout: config.HTTP.WriteTimeout,
	}

	return app, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts down
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}

	g.Go(func() error {
		a.logger.Infow("serving HTTP", "addr", listener.Addr().String())

		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	if a.subscriber != nil {
		g.Go(func() error {
			return a.subscriber.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.HTTP.ShutdownTimeout)
		defer cancel()

		return a.server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	if err := a.Close(); err != nil {
		a.logger.Errorw("shutdown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

// Close releases the subscriber, flushes the registry and closes the database
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.subscriber != nil {
		if err := a.subscriber.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return multierr.Combine(errs...)
}
