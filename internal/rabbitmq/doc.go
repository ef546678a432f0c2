// Package rabbitmq provides the broker side of the event worker.
//
// This package includes:
//   - Manager: Drives one connection and one channel through the consumer
//     lifecycle (connect, open channel, declare, bind, QoS, consume) and
//     reconnects whenever the session is lost
//   - AckBridge: Carries acknowledgment requests from worker goroutines to
//     the Manager's control goroutine
//   - Publisher: Publishes single persistent messages with confirmation,
//     using a fresh connection per call
//   - BindingSpec: The consumer topology re-established on every channel
//
// Every channel operation of a Manager happens on the goroutine running
// Manager.Run. Delivery tags are scoped to the channel generation that issued
// them, and acks for a replaced channel are dropped.
package rabbitmq
