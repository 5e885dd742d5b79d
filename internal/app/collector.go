// Package app wires the collector's components together and owns their
// startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/galavrah/machine-status-monitoring/internal/api"
	"github.com/galavrah/machine-status-monitoring/internal/clock"
	"github.com/galavrah/machine-status-monitoring/internal/config"
	"github.com/galavrah/machine-status-monitoring/internal/ingest"
	"github.com/galavrah/machine-status-monitoring/internal/liveness"
	"github.com/galavrah/machine-status-monitoring/internal/metrics"
	natsclient "github.com/galavrah/machine-status-monitoring/internal/nats"
	"github.com/galavrah/machine-status-monitoring/internal/persist"
	"github.com/galavrah/machine-status-monitoring/internal/query"
	"github.com/galavrah/machine-status-monitoring/internal/server"
	"github.com/galavrah/machine-status-monitoring/internal/storage"
	"github.com/galavrah/machine-status-monitoring/internal/sweeper"
)

// ErrStoreUnavailable is returned when the configured store cannot be opened
// or does not answer a ping at startup.
var ErrStoreUnavailable = errors.New("store unavailable")

// ShutdownTimeout bounds the graceful part of Run's shutdown.
const ShutdownTimeout = 10 * time.Second

// Collector is the assembled ingestion process.
type Collector struct {
	cfg     config.Config
	log     *zap.Logger
	clock   clock.Clock
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	store   storage.Store
	gateway *persist.Gateway
	table   *liveness.Table
	coord   *ingest.Coordinator
	sweeper *sweeper.Sweeper
	facade  *query.Facade
	sub     *natsclient.Subscriber

	grpcServer *grpc.Server
	httpServer *http.Server
	grpcLis    net.Listener
	httpLis    net.Listener

	cancel  context.CancelFunc
	subDone chan struct{}
	wg      sync.WaitGroup
}

// NewCollector opens the store and builds every component without starting
// anything.
func NewCollector(ctx context.Context, cfg config.Config, log *zap.Logger, clk clock.Clock) (*Collector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	c := &Collector{cfg: cfg, log: log, clock: clk, reg: prometheus.NewRegistry()}
	c.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.New(c.reg)

	store, err := storage.Open(ctx, storage.Options{Driver: cfg.Store.Driver, Path: cfg.Store.Path, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if store != nil {
		pctx, cancel := context.WithTimeout(ctx, cfg.Persist.QueryTimeout)
		err := store.Ping(pctx)
		cancel()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("%w: ping %s: %w", ErrStoreUnavailable, cfg.Store.Driver, err)
		}
		log.Info("store opened", zap.String("driver", cfg.Store.Driver))
	} else {
		log.Warn("running without a store; history and restore are disabled")
	}
	c.store = store

	c.gateway = persist.New(store, persist.Config{
		Lanes:          cfg.Persist.Lanes,
		QueueSize:      cfg.Persist.QueueSize,
		BatchSize:      cfg.Persist.BatchSize,
		EnqueueTimeout: cfg.Persist.EnqueueTimeout,
		QueryTimeout:   cfg.Persist.QueryTimeout,
		Retry: persist.RetryPolicy{
			MaxAttempts:    cfg.Persist.MaxAttempts,
			AttemptTimeout: cfg.Persist.AttemptTimeout,
			BaseDelay:      cfg.Persist.RetryBase,
			MaxDelay:       cfg.Persist.RetryMax,
		},
	}, log, c.metrics, clk)

	c.table = liveness.NewTable(liveness.DefaultShards)
	c.coord = ingest.New(c.table, c.gateway, ingest.Config{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	}, log, c.metrics, clk)

	c.sweeper, err = sweeper.New(c.table, c.gateway, sweeper.Config{
		Threshold: cfg.Liveness.OfflineThreshold,
		Interval:  cfg.Liveness.SweepInterval,
	}, log, c.metrics, clk)
	if err != nil {
		c.closeStore()
		return nil, err
	}

	c.facade = query.New(c.table, c.gateway, query.Config{
		HistoryWindow:    cfg.Query.HistoryWindow,
		HistoryLimit:     cfg.Query.HistoryLimit,
		OfflineThreshold: cfg.Liveness.OfflineThreshold,
	}, log, clk)

	c.sub = natsclient.NewSubscriber(natsclient.SubscriberConfig{
		URL:            cfg.NATS.URL,
		Subject:        cfg.NATS.Subject,
		Name:           cfg.NATS.Name,
		LastWillEvents: cfg.NATS.LastWillEvents,
	}, c.coord.Submit, log, c.metrics)

	c.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor(log)))
	server.New(c.facade, log).RegisterGRPC(c.grpcServer)

	c.httpServer = &http.Server{
		Handler:           api.NewHTTPHandler(c.reg, c.readinessChecks(), log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return c, nil
}

func (c *Collector) readinessChecks() []api.Check {
	checks := []api.Check{{Name: "transport", Fn: func(context.Context) error {
		if !c.sub.Ready() {
			return fmt.Errorf("transport %s", c.sub.State())
		}
		return nil
	}}}
	if c.gateway.Enabled() {
		checks = append(checks, api.Check{Name: "store", Fn: c.gateway.Ping})
	}
	return checks
}

// Start restores the roster, binds the listeners and starts every
// background task. It returns once everything is running.
func (c *Collector) Start(ctx context.Context) error {
	var err error
	if c.grpcLis, err = net.Listen("tcp", c.cfg.GRPC.Addr); err != nil {
		return fmt.Errorf("listen grpc %s: %w", c.cfg.GRPC.Addr, err)
	}
	if c.httpLis, err = net.Listen("tcp", c.cfg.HTTP.Addr); err != nil {
		c.grpcLis.Close()
		return fmt.Errorf("listen http %s: %w", c.cfg.HTTP.Addr, err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.coord.Start(context.WithoutCancel(ctx))

	if _, err := c.coord.Restore(ctx); err != nil {
		c.log.Warn("roster restore failed, starting empty", zap.Error(err))
	}

	c.sweeper.Start(ctx)

	c.goLogged("grpc", func() error {
		c.log.Info("gRPC server listening", zap.String("addr", c.grpcLis.Addr().String()))
		return c.grpcServer.Serve(c.grpcLis)
	})
	c.goLogged("http", func() error {
		c.log.Info("HTTP server listening", zap.String("addr", c.httpLis.Addr().String()))
		if err := c.httpServer.Serve(c.httpLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	c.subDone = make(chan struct{})
	c.goLogged("nats", func() error {
		defer close(c.subDone)
		if err := c.sub.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	return nil
}

func (c *Collector) goLogged(name string, fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.log.Error("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// Shutdown stops intake first, then lets queued work reach the store before
// closing it. ctx bounds the wait for the persistence queues.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.log.Info("shutdown initiated")
	if c.cancel != nil {
		c.cancel()
	}
	// Messages flushed by the subscriber's drain still need the coordinator.
	if c.subDone != nil {
		<-c.subDone
	}
	c.sweeper.Stop()
	c.coord.Close()

	c.grpcServer.GracefulStop()
	if err := c.httpServer.Shutdown(ctx); err != nil {
		c.log.Warn("http server shutdown error", zap.Error(err))
	}
	c.wg.Wait()

	var errs []error
	if err := c.gateway.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeStore(); err != nil {
		errs = append(errs, err)
	}
	c.log.Info("shutdown complete")
	return errors.Join(errs...)
}

func (c *Collector) closeStore() error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// Run starts the collector and blocks until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.closeStore()
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return c.Shutdown(sctx)
}

// Submit feeds one message through the same path as the transport.
func (c *Collector) Submit(ctx context.Context, topic string, payload []byte) error {
	return c.coord.Submit(ctx, topic, payload)
}

// GRPCAddr and HTTPAddr return the bound addresses once started.
func (c *Collector) GRPCAddr() string { return c.grpcLis.Addr().String() }

func (c *Collector) HTTPAddr() string { return c.httpLis.Addr().String() }
