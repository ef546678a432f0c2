package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/eventworker/internal/envelope"
	"github.com/glimte/eventworker/internal/metrics"
)

// Consumers of the event exchange filter on these exact values, including
// the app id spelling. The body is msgpack whatever the content type says.
const (
	DefaultAppID       = "marketpalce_process_manager"
	DefaultContentType = "application/json"
)

// Publisher sends single messages to an exchange. Every call opens its own
// connection and channel and closes them before returning, so a Publisher
// may be shared by any number of goroutines.
type Publisher struct {
	url            string
	exchange       string
	dialer         Dialer
	appID          string
	contentType    string
	confirmTimeout time.Duration
	socketTimeout  time.Duration
	heartbeat      time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout. Non-positive values keep the default.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherDialer replaces the broker dialer
func WithPublisherDialer(dialer Dialer) PublisherOption {
	return func(p *Publisher) {
		p.dialer = dialer
	}
}

// WithPublisherMetrics records publish outcomes
func WithPublisherMetrics(mt *metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = mt
	}
}

// WithAppID overrides the app_id property stamped on every message
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		if appID != "" {
			p.appID = appID
		}
	}
}

// WithContentType overrides the content_type property stamped on every message
func WithContentType(contentType string) PublisherOption {
	return func(p *Publisher) {
		if contentType != "" {
			p.contentType = contentType
		}
	}
}

// WithPublisherTimeouts sets the dial timeout and heartbeat of publish connections.
// Non-positive values keep the defaults.
func WithPublisherTimeouts(socketTimeout, heartbeat time.Duration) PublisherOption {
	return func(p *Publisher) {
		if socketTimeout > 0 {
			p.socketTimeout = socketTimeout
		}
		if heartbeat > 0 {
			p.heartbeat = heartbeat
		}
	}
}

// NewPublisher creates a publisher for exchange. An empty exchange publishes
// through the default exchange, where the routing key names the queue.
func NewPublisher(url, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		url:            url,
		exchange:       exchange,
		dialer:         AMQPDialer,
		appID:          DefaultAppID,
		contentType:    DefaultContentType,
		confirmTimeout: 5 * time.Second,
		socketTimeout:  defaultSocketTimeout,
		heartbeat:      defaultHeartbeat,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the exchange messages are published to.
func (p *Publisher) Exchange() string {
	return p.exchange
}

// Publish encodes payload and publishes it persistently with routingKey,
// waiting for the broker to confirm it. There is no retry; callers decide.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) (err error) {
	defer func() { p.metrics.RecordPublish(err == nil) }()

	body, err := envelope.Encode(payload)
	if err != nil {
		return p.publishErr(routingKey, "encode", err)
	}

	conn, err := p.dialer.Dial(p.url, amqp.Config{
		Heartbeat: p.heartbeat,
		Dial:      amqp.DefaultDial(p.socketTimeout),
	})
	if err != nil {
		return p.publishErr(routingKey, "dial", &ConnectionError{Op: "dial", URL: SanitizeURL(p.url), Err: err, Timestamp: time.Now()})
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			p.logger.Debug("closing publish connection", "error", cerr)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return p.publishErr(routingKey, "open channel", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return p.publishErr(routingKey, "enable confirms", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	msg := amqp.Publishing{
		AppId:        p.appID,
		ContentType:  p.contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return p.publishErr(routingKey, "publish", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-confirms:
		if !ok {
			return p.publishErr(routingKey, "confirm", ErrChannelClosed)
		}
		if !confirm.Ack {
			return p.publishErr(routingKey, "confirm", fmt.Errorf("%w: nacked delivery tag %d", ErrPublishNotConfirmed, confirm.DeliveryTag))
		}
	case <-timer.C:
		return p.publishErr(routingKey, "confirm", ErrPublishTimeout)
	case <-ctx.Done():
		return p.publishErr(routingKey, "confirm", ctx.Err())
	}

	p.logger.Debug("published message",
		"exchange", p.exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"bytes", len(body))
	return nil
}

// Send is Publish for callers that only need to know whether the message
// was confirmed. Failures are logged.
func (p *Publisher) Send(ctx context.Context, routingKey string, payload any) bool {
	if err := p.Publish(ctx, routingKey, payload); err != nil {
		p.logger.Error("failed to publish message",
			"exchange", p.exchange,
			"routingKey", routingKey,
			"error", err)
		return false
	}
	return true
}

func (p *Publisher) publishErr(routingKey, op string, err error) error {
	return &PublishError{
		Exchange:   p.exchange,
		RoutingKey: routingKey,
		Op:         op,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
