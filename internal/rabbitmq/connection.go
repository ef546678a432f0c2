package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/eventworker/internal/metrics"
)

const (
	defaultSocketTimeout     = 120 * time.Second
	defaultHeartbeat         = 60 * time.Second
	defaultReconnectMinDelay = time.Second
	defaultReconnectMaxDelay = 30 * time.Second
)

type eventKind int

const (
	evConnect eventKind = iota
	evConnected
	evChannelOpened
	evExchangeReady
	evQueueDeclared
	evBound
	evQosSet
	evCancelled
	evStop
)

// event is a broker completion queued for the control loop. gen pins
// channel-scoped completions to the channel that produced them.
type event struct {
	kind  eventKind
	gen   uint64
	queue string
	key   string
}

// Manager owns one broker connection and one channel and drives them through
// the consumer lifecycle. All broker operations run on the goroutine calling
// Run; other goroutines interact through State, Stop and the AckBridge.
type Manager struct {
	url           string
	spec          BindingSpec
	handler       DeliveryHandler
	dialer        Dialer
	bridge        *AckBridge
	logger        *slog.Logger
	metrics       *metrics.Metrics
	socketTimeout time.Duration
	heartbeat     time.Duration
	backoff       *backoff.ExponentialBackOff
	drainTimeout  time.Duration
	listeners     []StateListener

	state   atomic.Int32
	queue   atomic.Pointer[string]
	started atomic.Bool
	stop    chan struct{}
	stopped sync.Once
	done    chan struct{}

	// Fields below are owned by the control goroutine.
	events      []event
	closing     bool
	established bool
	conn        Connection
	ch          Channel
	generation  uint64
	queueName   string
	consumerTag string
	bindKeys    []string
	bound       int
	pending     map[uint64]struct{}
	connClosed  chan *amqp.Error
	chanClosed  chan *amqp.Error
	cancelled   chan string
	deliveries  <-chan amqp.Delivery
	retryTimer  *time.Timer
	retryC      <-chan time.Time
	draining    bool
	drainTimer  *time.Timer
	drainC      <-chan time.Time
	shutdownErr error
}

// ManagerOption configures the Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dialer Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialer = dialer
	}
}

// WithAckBridge shares an existing bridge with the manager
func WithAckBridge(bridge *AckBridge) ManagerOption {
	return func(m *Manager) {
		m.bridge = bridge
	}
}

// WithMetrics records lifecycle metrics
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithSocketTimeout bounds how long a dial may take
func WithSocketTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.socketTimeout = timeout
		}
	}
}

// WithHeartbeat sets the negotiated heartbeat interval
func WithHeartbeat(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.heartbeat = interval
		}
	}
}

// WithReconnectDelay sets the bounds of the reconnect backoff
func WithReconnectDelay(minDelay, maxDelay time.Duration) ManagerOption {
	return func(m *Manager) {
		if minDelay > 0 {
			m.backoff.InitialInterval = minDelay
		}
		if maxDelay > 0 {
			m.backoff.MaxInterval = maxDelay
		}
	}
}

// WithDrainTimeout keeps the channel open after the consumer is cancelled
// until every pending delivery is acked or the timeout passes.
func WithDrainTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.drainTimeout = timeout
		}
	}
}

// WithStateListener registers a listener for lifecycle transitions
func WithStateListener(listener StateListener) ManagerOption {
	return func(m *Manager) {
		m.listeners = append(m.listeners, listener)
	}
}

// NewManager creates a manager that consumes according to spec and hands
// every delivery to handler.
func NewManager(url string, spec BindingSpec, handler DeliveryHandler, options ...ManagerOption) *Manager {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultReconnectMinDelay
	b.MaxInterval = defaultReconnectMaxDelay

	m := &Manager{
		url:           url,
		spec:          spec,
		handler:       handler,
		dialer:        AMQPDialer,
		logger:        slog.Default(),
		socketTimeout: defaultSocketTimeout,
		heartbeat:     defaultHeartbeat,
		backoff:       b,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(m)
	}

	if m.bridge == nil {
		m.bridge = NewAckBridge(DefaultAckQueueSize)
	}
	if m.spec.ConsumerTag == "" {
		m.spec.ConsumerTag = "eventworker-" + uuid.NewString()
	}
	m.consumerTag = m.spec.ConsumerTag

	return m
}

// Bridge returns the ack bridge drained by this manager.
func (m *Manager) Bridge() *AckBridge {
	return m.bridge
}

// State returns the current lifecycle state. Safe from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// QueueName returns the queue the manager consumes from. For server-named
// queues it is empty until the first declaration completes.
func (m *Manager) QueueName() string {
	if q := m.queue.Load(); q != nil {
		return *q
	}
	return ""
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stop requests a graceful shutdown. Safe from any goroutine and idempotent.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stop) })
}

// Run connects and consumes until Stop is called or ctx is done, reconnecting
// on every loss of the session. It returns the errors hit while closing.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := m.spec.Validate(); err != nil {
		m.setState(Closed)
		close(m.done)
		m.bridge.Close()
		return err
	}
	defer close(m.done)
	defer m.bridge.Close()

	ctxDone := ctx.Done()
	stopC := (<-chan struct{})(m.stop)
	m.post(event{kind: evConnect})

	for {
		for len(m.events) > 0 {
			ev := m.events[0]
			m.events = m.events[1:]
			m.handle(ev)
		}
		if m.State() == Closed {
			m.stopRetryTimer()
			return m.shutdownErr
		}

		select {
		case <-ctxDone:
			ctxDone = nil
			m.post(event{kind: evStop})

		case <-stopC:
			stopC = nil
			m.post(event{kind: evStop})

		case d, ok := <-m.deliveries:
			if !ok {
				m.deliveries = nil
				continue
			}
			m.onDelivery(d)

		case tag := <-m.bridge.Requests():
			m.onAckRequest(tag)

		case err, ok := <-m.chanClosed:
			m.onChannelClosed(closeReason(err, ok))

		case err, ok := <-m.connClosed:
			m.onConnectionClosed(closeReason(err, ok))

		case tag, ok := <-m.cancelled:
			if !ok {
				m.cancelled = nil
				continue
			}
			m.onConsumerCancelled(tag)

		case <-m.retryC:
			m.retryC = nil
			m.retryTimer = nil
			m.post(event{kind: evConnect})

		case <-m.drainC:
			m.drainC = nil
			m.drainTimer = nil
			m.logger.Warn("pending deliveries not acked before drain timeout", "pending", len(m.pending))
			m.finishClose()
		}
	}
}

func closeReason(err *amqp.Error, ok bool) error {
	if !ok || err == nil {
		return nil
	}
	return err
}

func (m *Manager) post(ev event) {
	m.events = append(m.events, ev)
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evConnect:
		m.connect()
	case evConnected:
		m.openChannel()
	case evStop:
		m.beginClose()
	case evCancelled:
		m.finishClose()
	default:
		// Channel-scoped completion; drop it if the channel it belongs to is gone.
		if ev.gen != m.generation || m.ch == nil || m.closing {
			m.logger.Debug("dropping stale completion", "kind", ev.kind, "generation", ev.gen)
			return
		}
		switch ev.kind {
		case evChannelOpened:
			m.declareExchange()
		case evExchangeReady:
			m.declareQueue()
		case evQueueDeclared:
			m.bindQueue(ev.queue)
		case evBound:
			m.onBound(ev.key)
		case evQosSet:
			m.consume()
		}
	}
}

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.logger.Debug("consumer state changed", "from", from, "to", to)
	m.metrics.RecordStateTransition(to.String())
	for _, listener := range m.listeners {
		listener(from, to)
	}
}

func (m *Manager) connect() {
	if m.closing {
		m.finishClose()
		return
	}
	m.setState(Connecting)
	m.logger.Info("connecting to broker",
		"url", SanitizeURL(m.url),
		"queue", m.spec.Queue,
		"exchange", m.spec.Exchange)

	conn, err := m.dialer.Dial(m.url, amqp.Config{
		Heartbeat: m.heartbeat,
		Dial:      amqp.DefaultDial(m.socketTimeout),
	})
	m.metrics.RecordConnectAttempt(err == nil)
	if err != nil {
		delay := m.backoff.NextBackOff()
		m.logger.Warn("connection failed, retrying",
			"error", &ConnectionError{Op: "dial", URL: SanitizeURL(m.url), Err: err, Timestamp: time.Now()},
			"retryIn", delay)
		m.scheduleConnect(delay)
		return
	}

	m.conn = conn
	m.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	m.logger.Info("connected to broker", "url", SanitizeURL(m.url))
	m.post(event{kind: evConnected})
}

func (m *Manager) openChannel() {
	if m.conn == nil {
		return
	}
	m.setState(ChannelOpening)
	ch, err := m.conn.Channel()
	if err != nil {
		m.fail(&ChannelError{Op: "open channel", Generation: m.generation + 1, Err: err, Timestamp: time.Now()})
		return
	}

	m.generation++
	m.ch = ch
	m.pending = make(map[uint64]struct{})
	m.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	m.cancelled = ch.NotifyCancel(make(chan string, 1))
	m.logger.Debug("channel opened", "generation", m.generation)
	m.post(event{kind: evChannelOpened, gen: m.generation})
}

func (m *Manager) declareExchange() {
	if m.spec.ExchangeType == "" {
		m.post(event{kind: evExchangeReady, gen: m.generation})
		return
	}
	m.setState(ExchangeDeclaring)
	d := m.spec.exchangeDeclaration()
	if err := m.ch.ExchangeDeclare(d.Name, d.Type, d.Durable, d.AutoDelete, false, false, d.Arguments); err != nil {
		m.fail(&TopologyError{Component: "exchange", Name: d.Name, Op: "declare", Err: err, Timestamp: time.Now()})
		return
	}
	m.logger.Debug("exchange declared", "exchange", d.Name, "type", d.Type)
	m.post(event{kind: evExchangeReady, gen: m.generation})
}

func (m *Manager) declareQueue() {
	m.setState(QueueDeclaring)
	d := m.spec.queueDeclaration()
	q, err := m.ch.QueueDeclare(d.Name, d.Durable, d.AutoDelete, d.Exclusive, false, d.Arguments)
	if err != nil {
		m.fail(&TopologyError{Component: "queue", Name: d.Name, Op: "declare", Err: err, Timestamp: time.Now()})
		return
	}
	name := q.Name
	if name == "" {
		name = d.Name
	}
	m.logger.Debug("queue declared", "queue", name, "exclusive", d.Exclusive)
	m.post(event{kind: evQueueDeclared, gen: m.generation, queue: name})
}

func (m *Manager) bindQueue(queue string) {
	m.queueName = queue
	m.queue.Store(&queue)
	m.bindKeys = m.spec.keysFor(queue)
	m.bound = 0
	if len(m.bindKeys) == 0 {
		m.setQos()
		return
	}

	m.setState(Binding)
	for _, key := range m.bindKeys {
		if err := m.ch.QueueBind(queue, key, m.spec.Exchange, false, nil); err != nil {
			m.fail(&TopologyError{Component: "binding", Name: queue + "/" + key, Op: "bind", Err: err, Timestamp: time.Now()})
			return
		}
		m.post(event{kind: evBound, gen: m.generation, key: key})
	}
}

// onBound counts binding completions; QoS is set once every key is bound,
// whatever order the completions arrive in.
func (m *Manager) onBound(key string) {
	if m.State() != Binding {
		return
	}
	m.bound++
	m.logger.Debug("queue bound", "queue", m.queueName, "exchange", m.spec.Exchange, "key", key,
		"bound", m.bound, "expected", len(m.bindKeys))
	if m.bound == len(m.bindKeys) {
		m.setQos()
	}
}

func (m *Manager) setQos() {
	m.setState(SettingQoS)
	if err := m.ch.Qos(m.spec.PrefetchCount, 0, false); err != nil {
		m.fail(&ChannelError{Op: "qos", Generation: m.generation, Err: err, Timestamp: time.Now()})
		return
	}
	m.post(event{kind: evQosSet, gen: m.generation})
}

func (m *Manager) consume() {
	// Acks always go through the control loop, so the broker is never asked
	// for no-ack delivery even when AutoAck is set.
	deliveries, err := m.ch.Consume(m.queueName, m.consumerTag, false, false, false, false, nil)
	if err != nil {
		m.fail(&ChannelError{Op: "consume", Generation: m.generation, Err: err, Timestamp: time.Now()})
		return
	}
	m.deliveries = deliveries
	m.established = true
	m.backoff.Reset()
	m.setState(Consuming)
	m.logger.Info("consuming",
		"queue", m.queueName,
		"consumerTag", m.consumerTag,
		"prefetch", m.spec.PrefetchCount,
		"autoAck", m.spec.AutoAck)
}

func (m *Manager) onDelivery(d amqp.Delivery) {
	m.metrics.RecordDelivery()
	delivery := newDelivery(d, m.generation)
	m.logger.Debug("received message",
		"deliveryTag", d.DeliveryTag,
		"generation", m.generation,
		"appId", d.AppId,
		"routingKey", d.RoutingKey)

	if !m.spec.AutoAck {
		m.pending[d.DeliveryTag] = struct{}{}
		m.handler.HandleDelivery(delivery)
		return
	}

	// The broker redelivers a message whose ack failed, so it is not handled here.
	if err := m.ch.Ack(d.DeliveryTag, false); err != nil {
		m.logger.Warn("auto-ack failed, leaving message for redelivery", "deliveryTag", d.DeliveryTag, "error", err)
		return
	}
	m.metrics.RecordAck()
	delivery.AutoAcked = true
	m.handler.HandleDelivery(delivery)
}

func (m *Manager) onAckRequest(tag DeliveryTag) {
	if m.ch == nil || (m.closing && !m.draining) || tag.Generation != m.generation {
		m.logger.Debug("dropping ack for replaced channel",
			"deliveryTag", tag.Value,
			"tagGeneration", tag.Generation,
			"generation", m.generation)
		m.metrics.RecordDroppedAck("stale_generation")
		return
	}
	if _, ok := m.pending[tag.Value]; !ok {
		m.logger.Debug("dropping ack for unknown delivery", "deliveryTag", tag.Value)
		m.metrics.RecordDroppedAck("unknown_tag")
		return
	}
	delete(m.pending, tag.Value)
	if m.draining && len(m.pending) == 0 {
		m.post(event{kind: evCancelled})
	}

	if err := m.ch.Ack(tag.Value, false); err != nil {
		m.logger.Warn("ack failed", "deliveryTag", tag.Value, "error", err)
		return
	}
	m.metrics.RecordAck()
	m.logger.Debug("acknowledged message", "deliveryTag", tag.Value)
}

func (m *Manager) onChannelClosed(reason error) {
	m.dropChannel()
	if m.closing {
		m.finishClose()
		return
	}
	m.logger.Warn("channel closed", "error", reason, "generation", m.generation)

	if m.conn != nil && !m.conn.IsClosed() {
		if err := m.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.logger.Debug("closing connection after channel loss", "error", err)
		}
	}
	m.dropConnection()
	m.reconnect()
}

func (m *Manager) onConnectionClosed(reason error) {
	m.dropChannel()
	m.dropConnection()
	if m.closing {
		m.finishClose()
		return
	}
	m.logger.Warn("connection closed", "error", reason)
	m.reconnect()
}

func (m *Manager) onConsumerCancelled(tag string) {
	m.logger.Warn("consumer cancelled by broker", "consumerTag", tag, "queue", m.queueName)
	if m.ch != nil {
		if err := m.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.logger.Debug("closing cancelled channel", "error", err)
		}
	}
	m.onChannelClosed(ErrConsumerCancelled)
}

// fail tears the session down after a broker operation error.
func (m *Manager) fail(err error) {
	m.logger.Error("broker operation failed", "state", m.State(), "error", err)
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil && !m.conn.IsClosed() {
		_ = m.conn.Close()
	}
	m.dropChannel()
	m.dropConnection()
	if m.closing {
		m.finishClose()
		return
	}
	if !IsRetryable(err) {
		m.shutdownErr = errors.Join(m.shutdownErr, err)
		m.closing = true
		m.finishClose()
		return
	}
	m.reconnect()
}

// reconnect retries at once after losing an established session and backs
// off while the session has not been established.
func (m *Manager) reconnect() {
	m.setState(Connecting)
	m.metrics.RecordReconnect()
	if m.established {
		m.established = false
		m.backoff.Reset()
		m.post(event{kind: evConnect})
		return
	}
	delay := m.backoff.NextBackOff()
	m.logger.Info("reconnecting", "retryIn", delay)
	m.scheduleConnect(delay)
}

func (m *Manager) scheduleConnect(delay time.Duration) {
	if delay <= 0 {
		m.post(event{kind: evConnect})
		return
	}
	m.stopRetryTimer()
	m.retryTimer = time.NewTimer(delay)
	m.retryC = m.retryTimer.C
}

func (m *Manager) stopRetryTimer() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = nil
	m.retryC = nil
}

func (m *Manager) dropChannel() {
	m.ch = nil
	m.chanClosed = nil
	m.cancelled = nil
	m.deliveries = nil
	m.pending = nil
}

func (m *Manager) dropConnection() {
	m.conn = nil
	m.connClosed = nil
}

func (m *Manager) beginClose() {
	if m.closing {
		return
	}
	m.closing = true
	m.stopRetryTimer()
	m.logger.Info("stopping consumer", "state", m.State())

	if m.State() != Consuming || m.ch == nil {
		m.setState(Closing)
		m.finishClose()
		return
	}

	m.setState(Closing)
	m.deliveries = nil
	if err := m.ch.Cancel(m.consumerTag, false); err != nil {
		m.shutdownErr = errors.Join(m.shutdownErr, &ChannelError{Op: "cancel", Generation: m.generation, Err: err, Timestamp: time.Now()})
		m.post(event{kind: evCancelled})
		return
	}
	if m.drainTimeout <= 0 || len(m.pending) == 0 {
		m.post(event{kind: evCancelled})
		return
	}

	m.draining = true
	m.drainTimer = time.NewTimer(m.drainTimeout)
	m.drainC = m.drainTimer.C
	m.logger.Info("waiting for pending deliveries", "pending", len(m.pending), "timeout", m.drainTimeout)
}

func (m *Manager) finishClose() {
	if m.State() == Closed {
		return
	}
	if m.State() != Closing {
		m.setState(Closing)
	}
	m.draining = false
	if m.drainTimer != nil {
		m.drainTimer.Stop()
	}
	m.drainTimer = nil
	m.drainC = nil
	if m.ch != nil {
		if err := m.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.shutdownErr = errors.Join(m.shutdownErr, fmt.Errorf("close channel: %w", err))
		}
	}
	if m.conn != nil && !m.conn.IsClosed() {
		if err := m.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.shutdownErr = errors.Join(m.shutdownErr, fmt.Errorf("close connection: %w", err))
		}
	}
	m.dropChannel()
	m.dropConnection()
	m.setState(Closed)
	m.logger.Info("consumer stopped")
}
