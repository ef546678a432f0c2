package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ErrInvalidEvent is returned for payloads that are not event-log records.
var ErrInvalidEvent = errors.New("router: invalid event")

// Event is an event-log record as published by the API services.
type Event struct {
	Type     string         `mapstructure:"type"`
	Request  Request        `mapstructure:"request"`
	Response map[string]any `mapstructure:"response"`
	Error    map[string]any `mapstructure:"error"`

	// Raw is the payload the event was parsed from. Enrichment is written
	// back into it so projections see the same document.
	Raw map[string]any `mapstructure:"-"`
}

// Request describes the API call the event was logged for.
type Request struct {
	URL     string         `mapstructure:"url"`
	Method  string         `mapstructure:"method"`
	Headers map[string]any `mapstructure:"headers"`
}

// ParseEvent converts a decoded payload into an Event.
func ParseEvent(payload any) (Event, error) {
	raw, ok := payload.(map[string]any)
	if !ok {
		return Event{}, fmt.Errorf("%w: payload is %T, not a map", ErrInvalidEvent, payload)
	}

	var ev Event
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ev,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Event{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Type == "" && ev.Request.URL == "" {
		return Event{}, fmt.Errorf("%w: neither type nor request.url is set", ErrInvalidEvent)
	}

	ev.Raw = raw
	return ev, nil
}

// BearerToken returns the caller's token from the request headers, falling
// back to a token issued in the response body.
func (e Event) BearerToken() string {
	for _, name := range []string{"authorization", "Authorization"} {
		if v, ok := e.Request.Headers[name].(string); ok && v != "" {
			return strings.TrimPrefix(v, "Bearer ")
		}
	}
	if data, ok := e.Response["data"].(map[string]any); ok {
		if token, ok := data["token"].(string); ok {
			return token
		}
	}
	return ""
}
