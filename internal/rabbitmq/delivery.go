package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryTag identifies a delivery on a specific channel. Tags are only
// meaningful on the channel generation that issued them.
type DeliveryTag struct {
	Generation uint64
	Value      uint64
}

// Delivery is an inbound message handed to a DeliveryHandler.
type Delivery struct {
	Tag         DeliveryTag
	Body        []byte
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Properties  Properties
	// AutoAcked is set when the control loop already acknowledged the delivery.
	AutoAcked bool
}

// Properties carries the AMQP basic properties the worker cares about.
type Properties struct {
	ContentType  string
	AppID        string
	MessageID    string
	DeliveryMode uint8
	Timestamp    time.Time
	Headers      amqp.Table
}

// DeliveryHandler receives deliveries on the control goroutine. Implementations
// must return quickly and hand the work to another goroutine.
type DeliveryHandler interface {
	HandleDelivery(d Delivery)
}

// DeliveryHandlerFunc adapts a function to the DeliveryHandler interface.
type DeliveryHandlerFunc func(d Delivery)

// HandleDelivery calls f(d).
func (f DeliveryHandlerFunc) HandleDelivery(d Delivery) {
	f(d)
}

func newDelivery(d amqp.Delivery, generation uint64) Delivery {
	return Delivery{
		Tag:         DeliveryTag{Generation: generation, Value: d.DeliveryTag},
		Body:        d.Body,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Properties: Properties{
			ContentType:  d.ContentType,
			AppID:        d.AppId,
			MessageID:    d.MessageId,
			DeliveryMode: d.DeliveryMode,
			Timestamp:    d.Timestamp,
			Headers:      d.Headers,
		},
	}
}
