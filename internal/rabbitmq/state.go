package rabbitmq

import "fmt"

// State is a position in the consumer lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	ChannelOpening
	ExchangeDeclaring
	QueueDeclaring
	Binding
	SettingQoS
	Consuming
	Closing
	Closed
)

var stateNames = [...]string{
	Disconnected:      "disconnected",
	Connecting:        "connecting",
	ChannelOpening:    "channel_opening",
	ExchangeDeclaring: "exchange_declaring",
	QueueDeclaring:    "queue_declaring",
	Binding:           "binding",
	SettingQoS:        "setting_qos",
	Consuming:         "consuming",
	Closing:           "closing",
	Closed:            "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// StateListener is called on the control goroutine after every transition.
// It must not block.
type StateListener func(from, to State)
