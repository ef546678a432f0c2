package rabbitmq

import "sync"

// DefaultAckQueueSize is the buffer of pending ack requests per bridge.
const DefaultAckQueueSize = 256

// AckBridge carries acknowledgment requests from worker goroutines to the
// control goroutine, which is the only place a channel is touched.
type AckBridge struct {
	requests chan DeliveryTag
	done     chan struct{}
	once     sync.Once
}

// NewAckBridge creates a bridge buffering up to size requests.
func NewAckBridge(size int) *AckBridge {
	if size <= 0 {
		size = DefaultAckQueueSize
	}
	return &AckBridge{
		requests: make(chan DeliveryTag, size),
		done:     make(chan struct{}),
	}
}

// RequestAck schedules an ack for tag on the control goroutine. It is safe to
// call from any goroutine. It reports false when the control loop has exited
// and the request was discarded.
func (b *AckBridge) RequestAck(tag DeliveryTag) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.requests <- tag:
		return true
	case <-b.done:
		return false
	}
}

// Requests exposes the queue drained by the control loop.
func (b *AckBridge) Requests() <-chan DeliveryTag {
	return b.requests
}

// Close discards future requests. Pending ones are left for the garbage collector.
func (b *AckBridge) Close() {
	b.once.Do(func() { close(b.done) })
}

// Closed reports whether Close has been called.
func (b *AckBridge) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
