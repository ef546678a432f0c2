// Copyright 2024 The eventworker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventworker wires the RabbitMQ consumer, the dispatcher and the
// marketing router into a single long-running worker.
package eventworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/glimte/eventworker/health"
	"github.com/glimte/eventworker/internal/config"
	"github.com/glimte/eventworker/internal/metrics"
	"github.com/glimte/eventworker/internal/rabbitmq"
	"github.com/glimte/eventworker/internal/router"
	"github.com/glimte/eventworker/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

// Worker consumes the configured queue until stopped.
type Worker struct {
	cfg        config.Config
	logger     *slog.Logger
	manager    *rabbitmq.Manager
	dispatcher *worker.Dispatcher
	publisher  *rabbitmq.Publisher
	health     *health.Registry
	closers    []func() error

	// closingAt is when the consumer began shutting down, in Unix nanoseconds.
	closingAt atomic.Int64
}

// workerConfig holds optional collaborators
type workerConfig struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dialer   rabbitmq.Dialer
	router   worker.Router
	registry router.Registry
	listener rabbitmq.StateListener
}

// Option configures the worker
type Option func(*workerConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *workerConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics recorder for all components
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *workerConfig) {
		cfg.metrics = m
	}
}

// WithDialer replaces the broker dialer for the consumer and the publisher
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(cfg *workerConfig) {
		cfg.dialer = dialer
	}
}

// WithRouter replaces the marketing router
func WithRouter(r worker.Router) Option {
	return func(cfg *workerConfig) {
		cfg.router = r
	}
}

// WithRegistry sets the route registry used by the marketing router instead
// of connecting to DATABASE_URL
func WithRegistry(registry router.Registry) Option {
	return func(cfg *workerConfig) {
		cfg.registry = registry
	}
}

// WithStateListener observes connection state transitions
func WithStateListener(listener rabbitmq.StateListener) Option {
	return func(cfg *workerConfig) {
		cfg.listener = listener
	}
}

// New builds a worker from cfg. It connects to the route registry but not to
// the broker; Run does that.
func New(ctx context.Context, cfg config.Config, options ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	wc := &workerConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(wc)
	}
	if wc.metrics == nil {
		m, err := metrics.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		wc.metrics = m
	}

	w := &Worker{
		cfg:    cfg,
		logger: wc.logger,
		health: health.NewRegistry(),
	}
	w.health.SetMetadata("version", Version)

	r := wc.router
	if r == nil {
		mr, err := w.marketingRouter(ctx, wc)
		if err != nil {
			return nil, err
		}
		r = mr
	}

	bridge := rabbitmq.NewAckBridge(rabbitmq.DefaultAckQueueSize)
	w.dispatcher = worker.NewDispatcher(r, bridge,
		worker.WithLogger(wc.logger),
		worker.WithMetrics(wc.metrics),
		worker.WithMaxInFlight(cfg.MaxInFlight),
		worker.WithRouteTimeout(cfg.RouteTimeout))

	managerOpts := []rabbitmq.ManagerOption{
		rabbitmq.WithLogger(wc.logger),
		rabbitmq.WithAckBridge(bridge),
		rabbitmq.WithMetrics(wc.metrics),
		rabbitmq.WithSocketTimeout(cfg.SocketTimeout),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
		rabbitmq.WithReconnectDelay(cfg.ReconnectMinDelay, cfg.ReconnectMaxDelay),
		rabbitmq.WithDrainTimeout(cfg.ShutdownGrace),
		rabbitmq.WithStateListener(func(_, to rabbitmq.State) {
			if to == rabbitmq.Closing {
				w.closingAt.CompareAndSwap(0, time.Now().UnixNano())
			}
		}),
	}
	publisherOpts := []rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(wc.logger),
		rabbitmq.WithPublisherMetrics(wc.metrics),
		rabbitmq.WithAppID(cfg.PublishAppID),
		rabbitmq.WithContentType(cfg.PublishContentType),
		rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		rabbitmq.WithPublisherTimeouts(cfg.SocketTimeout, cfg.Heartbeat),
	}
	if wc.dialer != nil {
		managerOpts = append(managerOpts, rabbitmq.WithDialer(wc.dialer))
		publisherOpts = append(publisherOpts, rabbitmq.WithPublisherDialer(wc.dialer))
	}
	if wc.listener != nil {
		managerOpts = append(managerOpts, rabbitmq.WithStateListener(wc.listener))
	}

	w.manager = rabbitmq.NewManager(cfg.RabbitMQURI, BindingSpec(cfg), w.dispatcher, managerOpts...)
	w.publisher = rabbitmq.NewPublisher(cfg.RabbitMQURI, cfg.ExchangeName, publisherOpts...)

	w.health.Register(health.NewConsumerChecker(w.manager))
	w.health.Register(health.NewRuntimeChecker(500, 1000))

	return w, nil
}

// BindingSpec derives the consumer topology from cfg.
func BindingSpec(cfg config.Config) rabbitmq.BindingSpec {
	return rabbitmq.BindingSpec{
		Exchange:        cfg.ExchangeName,
		ExchangeType:    cfg.ExchangeType,
		ExchangeDurable: true,
		Queue:           cfg.Queue,
		Durable:         cfg.QueueDurable,
		Exclusive:       cfg.QueueExclusive,
		BindingKeys:     cfg.BindingKeys,
		PrefetchCount:   cfg.PrefetchCount,
		AutoAck:         cfg.AutoAck,
		ConsumerTag:     cfg.ConsumerTag,
	}
}

func (w *Worker) marketingRouter(ctx context.Context, wc *workerConfig) (*router.MarketingRouter, error) {
	cfg := w.cfg
	registry := wc.registry
	if registry == nil {
		if cfg.DatabaseURL == "" {
			w.logger.Warn("DATABASE_URL not set, no routes are registered")
			registry = router.NewMemoryRegistry()
		} else {
			pg, err := router.OpenPostgresRegistry(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			w.closers = append(w.closers, pg.Close)
			w.health.Register(health.NewPingChecker("route_registry", pg.Ping))
			registry = pg
		}
	}

	opts := []router.Option{
		router.WithLogger(wc.logger),
		router.WithEnvironmentClaim(cfg.JWTEnvClaim, cfg.JWTProductionValue),
	}
	if cfg.CRMRefreshToken != "" {
		opts = append(opts, router.WithCRM(router.NewCRMClient(router.CRMConfig{
			AccountsURL:   cfg.CRMAccountsURL,
			APIURL:        cfg.CRMAPIURL,
			ClientID:      cfg.CRMClientID,
			ClientSecret:  cfg.CRMClientSecret,
			RefreshToken:  cfg.CRMRefreshToken,
			DefaultModule: cfg.CRMModule,
			Limits:        router.ClientLimits{RatePerSecond: cfg.CRMRateLimit, Burst: 1},
		}, router.WithCRMLogger(wc.logger))))
	}
	if cfg.AnalyticsAPIKey != "" {
		opts = append(opts, router.WithAnalytics(router.NewAnalyticsClient(router.AnalyticsConfig{
			BaseURL: cfg.AnalyticsURL,
			Production: router.AnalyticsCredentials{
				APIKey:    cfg.AnalyticsAPIKey,
				AppID:     cfg.AnalyticsAppID,
				AccountID: cfg.AnalyticsAccountID,
			},
			Testing: router.AnalyticsCredentials{
				APIKey:    cfg.AnalyticsTestAPIKey,
				AppID:     cfg.AnalyticsTestAppID,
				AccountID: cfg.AnalyticsTestAccountID,
			},
			Limits: router.ClientLimits{RatePerSecond: cfg.AnalyticsRateLimit, Burst: 1},
		}, router.WithAnalyticsLogger(wc.logger))))
	}

	return router.NewMarketingRouter(registry, opts...), nil
}

// Run consumes until ctx is cancelled or Stop is called. In-flight messages get
// SHUTDOWN_GRACE to finish, counted from the consumer cancel, and are acked
// while the channel is still open.
func (w *Worker) Run(ctx context.Context) error {
	var srv *http.Server
	if w.cfg.HealthAddr != "" {
		ln, err := net.Listen("tcp", w.cfg.HealthAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", w.cfg.HealthAddr, err)
		}
		srv = &http.Server{
			Handler:           health.NewMux(w.health, 5*time.Second),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error("health server stopped", "error", err)
			}
		}()
		w.logger.Info("health server listening", "addr", ln.Addr().String())
	}

	w.logger.Info("worker starting",
		"url", rabbitmq.SanitizeURL(w.cfg.RabbitMQURI),
		"exchange", w.cfg.ExchangeName,
		"queue", w.cfg.Queue,
		"bindingKeys", w.cfg.BindingKeys)

	runErr := w.manager.Run(ctx)

	w.drain()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("health server shutdown: %w", err))
		}
		cancel()
	}
	for _, closeFn := range w.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}

	w.logger.Info("worker stopped")
	return errors.Join(errs...)
}

// drain spends what is left of the grace period on in-flight messages. The
// manager has already waited for pending acks, so anything still running here
// is auto-acked or will be redelivered.
func (w *Worker) drain() {
	grace := w.cfg.ShutdownGrace
	deadline := time.Now().Add(grace)
	if at := w.closingAt.Load(); at != 0 {
		deadline = time.Unix(0, at).Add(grace)
	}
	if grace <= 0 || !time.Now().Before(deadline) {
		w.dispatcher.Abort()
		return
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := w.dispatcher.Wait(ctx); err != nil {
		w.logger.Warn("in-flight messages did not finish in time, abandoning them", "grace", grace)
		w.dispatcher.Abort()
	}
}

// Stop begins a graceful shutdown. Run returns once it completes.
func (w *Worker) Stop() {
	w.manager.Stop()
}

// State reports the consumer's connection state.
func (w *Worker) State() rabbitmq.State {
	return w.manager.State()
}

// Publisher returns the publisher for the configured exchange.
func (w *Worker) Publisher() *rabbitmq.Publisher {
	return w.publisher
}

// Health returns the registry behind the health endpoints.
func (w *Worker) Health() *health.Registry {
	return w.health
}
