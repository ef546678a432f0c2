// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq.Dialer seam for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/eventworker/internal/rabbitmq"
)

// QueueDecl records a QueueDeclare call.
type QueueDecl struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Bind records a QueueBind call.
type Bind struct {
	Queue    string
	Key      string
	Exchange string
}

// Ack records a broker-side acknowledgment.
type Ack struct {
	Channel int
	Tag     uint64
}

// Published records a message accepted by the broker.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type queue struct {
	name     string
	messages []amqp.Publishing
	exchange []string
	keys     []string
	consumer *consumer
}

type consumer struct {
	ch         *Channel
	tag        string
	deliveries chan amqp.Delivery
}

// Broker is a goroutine-safe fake of a single RabbitMQ node.
type Broker struct {
	mu sync.Mutex

	dialErrs  []error
	failOps   map[string]error
	exchanges map[string]string
	queues    map[string]*queue
	conns     []*Conn
	nextChan  int

	Dials        int
	QueueDecls   []QueueDecl
	Binds        []Bind
	Acks         []Ack
	Cancels      []string
	QosCalls     []int
	ConsumeCalls int
	Published    []Published
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		failOps:   make(map[string]error),
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
	}
}

// FailDials makes the next len(errs) dials fail with errs in order.
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// FailNext makes the next call of op (for example "QueueBind") fail with err.
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOps[op] = err
}

// Dial implements rabbitmq.Dialer.
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Snapshot runs fn with the broker locked so recorded calls can be read safely.
func (b *Broker) Snapshot(fn func(b *Broker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// ConsumerCount reports how many consumers are attached to queue.
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok && q.consumer != nil {
		return 1
	}
	return 0
}

// OpenConnections reports how many connections have not been closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Ready reports how many messages wait in queue without a consumer.
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// DropConnections closes every open connection as if the server went away.
func (b *Broker) DropConnections(reason string) {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

// CloseChannels closes every open channel with a server error.
func (b *Broker) CloseChannels(code int, reason string) {
	b.mu.Lock()
	var chans []*Channel
	for _, c := range b.conns {
		chans = append(chans, c.channels...)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		ch.shutdown(&amqp.Error{Code: code, Reason: reason, Server: true})
	}
}

// CancelConsumers cancels every consumer as if its queue was deleted.
func (b *Broker) CancelConsumers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if c := q.consumer; c != nil {
			q.consumer = nil
			close(c.deliveries)
			delete(c.ch.consumers, c.tag)
			for _, n := range c.ch.notifyCancel {
				select {
				case n <- c.tag:
				default:
				}
			}
		}
	}
}

func (b *Broker) takeFailure(op string) error {
	if err, ok := b.failOps[op]; ok {
		delete(b.failOps, op)
		return err
	}
	return nil
}

// route must be called with the lock held.
func (b *Broker) route(exchange, key string, msg amqp.Publishing) {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueue(q, exchange, key, msg)
		}
		return
	}
	for _, q := range b.queues {
		for i := range q.exchange {
			if q.exchange[i] == exchange && q.keys[i] == key {
				b.enqueue(q, exchange, key, msg)
				break
			}
		}
	}
}

func (b *Broker) enqueue(q *queue, exchange, key string, msg amqp.Publishing) {
	if q.consumer == nil {
		q.messages = append(q.messages, msg)
		return
	}
	q.consumer.ch.deliver(q.consumer, exchange, key, msg)
}

// Conn is a fake connection.
type Conn struct {
	broker      *Broker
	closed      bool
	channels    []*Channel
	notifyClose []chan *amqp.Error
}

// Channel implements rabbitmq.Connection.
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.takeFailure("Channel"); err != nil {
		return nil, err
	}
	b.nextChan++
	ch := &Channel{conn: c, id: b.nextChan, consumers: make(map[string]*consumer)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection.
func (c *Conn) NotifyClose(n chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(n)
		return n
	}
	c.notifyClose = append(c.notifyClose, n)
	return n
}

// IsClosed implements rabbitmq.Connection.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	c.broker.mu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(reason *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	chans := append([]*Channel(nil), c.channels...)
	notify := c.notifyClose
	c.notifyClose = nil
	for i, conn := range b.conns {
		if conn == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	for _, ch := range chans {
		ch.shutdown(reason)
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

// Channel is a fake channel.
type Channel struct {
	conn          *Conn
	id            int
	closed        bool
	confirm       bool
	nextTag       uint64
	publishSeq    uint64
	consumers     map[string]*consumer
	notifyClose   []chan *amqp.Error
	notifyCancel  []chan string
	notifyPublish []chan amqp.Confirmation
}

// ID returns the broker-assigned channel number.
func (ch *Channel) ID() int {
	return ch.id
}

func (ch *Channel) lockOpen(op string) (*Broker, error) {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if err := b.takeFailure(op); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	return b, nil
}

// ExchangeDeclare implements rabbitmq.Channel.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b, err := ch.lockOpen("ExchangeDeclare")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("inequivalent arg 'type' for exchange '%s'", name)}
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements rabbitmq.Channel.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b, err := ch.lockOpen("QueueDeclare")
	if err != nil {
		return amqp.Queue{}, err
	}
	defer b.mu.Unlock()
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	b.QueueDecls = append(b.QueueDecls, QueueDecl{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.messages)}, nil
}

// QueueBind implements rabbitmq.Channel.
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b, err := ch.lockOpen("QueueBind")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no queue '%s'", name)}
	}
	b.Binds = append(b.Binds, Bind{Queue: name, Key: key, Exchange: exchange})
	for i := range q.keys {
		if q.keys[i] == key && q.exchange[i] == exchange {
			return nil
		}
	}
	q.exchange = append(q.exchange, exchange)
	q.keys = append(q.keys, key)
	return nil
}

// Qos implements rabbitmq.Channel.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b, err := ch.lockOpen("Qos")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	b.QosCalls = append(b.QosCalls, prefetchCount)
	return nil
}

// Consume implements rabbitmq.Channel.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b, err := ch.lockOpen("Consume")
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no queue '%s'", queueName)}
	}
	b.ConsumeCalls++
	c := &consumer{ch: ch, tag: tag, deliveries: make(chan amqp.Delivery, 128)}
	ch.consumers[tag] = c
	q.consumer = c
	for _, msg := range q.messages {
		ch.deliver(c, "", queueName, msg)
	}
	q.messages = nil
	return c.deliveries, nil
}

// deliver must be called with the broker lock held.
func (ch *Channel) deliver(c *consumer, exchange, key string, msg amqp.Publishing) {
	ch.nextTag++
	c.deliveries <- amqp.Delivery{
		ConsumerTag:  c.tag,
		DeliveryTag:  ch.nextTag,
		Exchange:     exchange,
		RoutingKey:   key,
		Body:         msg.Body,
		ContentType:  msg.ContentType,
		AppId:        msg.AppId,
		MessageId:    msg.MessageId,
		DeliveryMode: msg.DeliveryMode,
		Timestamp:    msg.Timestamp,
		Headers:      msg.Headers,
	}
}

// Cancel implements rabbitmq.Channel.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b, err := ch.lockOpen("Cancel")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	b.Cancels = append(b.Cancels, tag)
	ch.detach(tag)
	return nil
}

// detach must be called with the broker lock held.
func (ch *Channel) detach(tag string) {
	c, ok := ch.consumers[tag]
	if !ok {
		return
	}
	delete(ch.consumers, tag)
	close(c.deliveries)
	for _, q := range ch.conn.broker.queues {
		if q.consumer == c {
			q.consumer = nil
		}
	}
}

// Ack implements rabbitmq.Channel.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b, err := ch.lockOpen("Ack")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if tag == 0 || tag > ch.nextTag {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	b.Acks = append(b.Acks, Ack{Channel: ch.id, Tag: tag})
	return nil
}

// Confirm implements rabbitmq.Channel.
func (ch *Channel) Confirm(noWait bool) error {
	b, err := ch.lockOpen("Confirm")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	ch.confirm = true
	return nil
}

// NotifyPublish implements rabbitmq.Channel.
func (ch *Channel) NotifyPublish(n chan amqp.Confirmation) chan amqp.Confirmation {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	ch.notifyPublish = append(ch.notifyPublish, n)
	return n
}

// PublishWithContext implements rabbitmq.Channel.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := ch.lockOpen("Publish")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; exchange != "" && !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no exchange '%s'", exchange)}
	}
	b.Published = append(b.Published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	b.route(exchange, key, msg)
	if ch.confirm {
		ch.publishSeq++
		for _, n := range ch.notifyPublish {
			select {
			case n <- amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: true}:
			default:
			}
		}
	}
	return nil
}

// NotifyClose implements rabbitmq.Channel.
func (ch *Channel) NotifyClose(n chan *amqp.Error) chan *amqp.Error {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	if ch.closed {
		close(n)
		return n
	}
	ch.notifyClose = append(ch.notifyClose, n)
	return n
}

// NotifyCancel implements rabbitmq.Channel.
func (ch *Channel) NotifyCancel(n chan string) chan string {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	if ch.closed {
		close(n)
		return n
	}
	ch.notifyCancel = append(ch.notifyCancel, n)
	return n
}

// Close implements rabbitmq.Channel.
func (ch *Channel) Close() error {
	ch.conn.broker.mu.Lock()
	closed := ch.closed
	ch.conn.broker.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

func (ch *Channel) shutdown(reason *amqp.Error) {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return
	}
	ch.closed = true
	for tag := range ch.consumers {
		ch.detach(tag)
	}
	notifyClose := ch.notifyClose
	notifyCancel := ch.notifyCancel
	notifyPublish := ch.notifyPublish
	ch.notifyClose, ch.notifyCancel, ch.notifyPublish = nil, nil, nil
	b.mu.Unlock()

	for _, n := range notifyClose {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	for _, n := range notifyCancel {
		close(n)
	}
	for _, n := range notifyPublish {
		close(n)
	}
}

// ErrRefused is a convenience dial error.
var ErrRefused = errors.New("dial tcp: connection refused")
