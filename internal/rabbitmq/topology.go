package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// BindingSpec is the consumer topology a Manager establishes on every new channel.
type BindingSpec struct {
	// Exchange to bind to. Empty means the default exchange; no bindings are issued.
	Exchange string
	// ExchangeType is declared when non-empty. Empty skips the exchange declaration.
	ExchangeType string
	// ExchangeDurable controls the durable flag of the exchange declaration.
	ExchangeDurable bool

	// Queue name. Empty asks the broker for a server-named exclusive queue.
	Queue      string
	Durable    bool
	Exclusive  bool
	AutoDelete bool

	// BindingKeys bound from Exchange to Queue. Empty binds the queue name.
	BindingKeys []string

	PrefetchCount int
	AutoAck       bool
	ConsumerTag   string
}

// Validate checks the spec for combinations the broker would reject.
func (s BindingSpec) Validate() error {
	if s.PrefetchCount < 0 {
		return fmt.Errorf("%w: prefetch count %d is negative", ErrInvalidConfiguration, s.PrefetchCount)
	}
	if s.ExchangeType != "" && s.Exchange == "" {
		return fmt.Errorf("%w: exchange type %q set without exchange name", ErrInvalidConfiguration, s.ExchangeType)
	}
	for _, key := range s.BindingKeys {
		if key == "" {
			return fmt.Errorf("%w: empty binding key", ErrInvalidConfiguration)
		}
	}
	return nil
}

func (s BindingSpec) exchangeDeclaration() ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    s.Exchange,
		Type:    s.ExchangeType,
		Durable: s.ExchangeDurable,
	}
}

// queueDeclaration forces an exclusive auto-delete queue when the name is left to the broker.
func (s BindingSpec) queueDeclaration() QueueDeclaration {
	d := QueueDeclaration{
		Name:       s.Queue,
		Durable:    s.Durable,
		Exclusive:  s.Exclusive,
		AutoDelete: s.AutoDelete,
	}
	if d.Name == "" {
		d.Exclusive = true
		d.AutoDelete = true
	}
	return d
}

// keysFor returns the routing keys to bind queue with, or nil when there is nothing to bind.
func (s BindingSpec) keysFor(queue string) []string {
	if s.Exchange == "" {
		return nil
	}
	if len(s.BindingKeys) == 0 {
		return []string{queue}
	}
	return s.BindingKeys
}
