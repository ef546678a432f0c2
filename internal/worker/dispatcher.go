// Package worker runs routed message processing off the broker control loop.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/glimte/eventworker/internal/envelope"
	"github.com/glimte/eventworker/internal/metrics"
	"github.com/glimte/eventworker/internal/rabbitmq"
)

// Router decides what happens to a decoded payload. Returning true with a nil
// error marks the message complete and gets it acknowledged; anything else
// leaves it unacknowledged for the broker to redeliver.
type Router interface {
	Route(ctx context.Context, payload any) (bool, error)
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(ctx context.Context, payload any) (bool, error)

// Route calls f(ctx, payload).
func (f RouterFunc) Route(ctx context.Context, payload any) (bool, error) {
	return f(ctx, payload)
}

// Acker requests acknowledgments on the goroutine that owns the channel.
type Acker interface {
	RequestAck(tag rabbitmq.DeliveryTag) bool
}

// Dispatcher hands every delivery to its own goroutine, decodes it, routes it
// and requests an ack when routing succeeds.
type Dispatcher struct {
	router  Router
	acker   Acker
	logger  *slog.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics records processing metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithMaxInFlight bounds how many messages are routed concurrently.
// Zero or less leaves it unbounded.
func WithMaxInFlight(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		} else {
			d.sem = nil
		}
	}
}

// WithRouteTimeout bounds each Route call.
func WithRouteTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// NewDispatcher creates a dispatcher routing through router and acking through acker.
func NewDispatcher(router Router, acker Acker, options ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		router: router,
		acker:  acker,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// HandleDelivery implements rabbitmq.DeliveryHandler. It never blocks.
func (d *Dispatcher) HandleDelivery(del rabbitmq.Delivery) {
	d.wg.Add(1)
	go d.process(del)
}

// Wait blocks until every dispatched message has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels the context passed to in-flight Route calls.
func (d *Dispatcher) Abort() {
	d.cancel()
}

func (d *Dispatcher) process(del rabbitmq.Delivery) {
	defer d.wg.Done()

	logger := d.logger.With(
		"deliveryTag", del.Tag.Value,
		"generation", del.Tag.Generation,
		"routingKey", del.RoutingKey)

	if d.sem != nil {
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			logger.Warn("dispatcher aborted before processing", "error", err)
			return
		}
		defer d.sem.Release(1)
	}

	d.metrics.RecordWorkerStarted()
	defer d.metrics.RecordWorkerFinished()
	start := time.Now()

	payload, err := envelope.Decode(del.Body)
	if err != nil {
		d.metrics.RecordDecodeFailure()
		// TODO: publish undecodable bodies to a dead-letter exchange instead of leaving them unacked.
		logger.Error("dropping undecodable message", "error", err, "bytes", len(del.Body))
		return
	}

	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	ok, err := d.route(ctx, payload)
	elapsed := time.Since(start)
	switch {
	case err != nil:
		d.metrics.RecordRouteOutcome("failed", elapsed)
		logger.Error("routing failed, leaving message unacknowledged", "error", err, "duration", elapsed)
		return
	case !ok:
		d.metrics.RecordRouteOutcome("declined", elapsed)
		logger.Warn("router declined message, leaving it unacknowledged", "duration", elapsed)
		return
	}
	d.metrics.RecordRouteOutcome("completed", elapsed)

	if del.AutoAcked {
		logger.Debug("message processed", "duration", elapsed)
		return
	}
	if !d.acker.RequestAck(del.Tag) {
		logger.Warn("ack request discarded, consumer already stopped")
		return
	}
	logger.Debug("message processed, ack requested", "duration", elapsed)
}

func (d *Dispatcher) route(ctx context.Context, payload any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("router panic: %v", r)
		}
	}()
	return d.router.Route(ctx, payload)
}
