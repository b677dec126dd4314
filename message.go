package pulse

import (
	"encoding/json"
	"fmt"
	"regexp"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one delivery, decoded for the user handler. The handler does
// not own the message and must not ack or nack it; the consumer does that
// based on the handler's return value.
type Message struct {
	// Payload is the message body, decoded from UTF-8 JSON.
	Payload any

	// Exchange the message was published to.
	Exchange string

	// RoutingKey the message was published with.
	RoutingKey string

	// Redelivered is the broker's flag that this delivery was already
	// attempted once.
	Redelivered bool

	// Routes lists the supplementary route names from the delivery's CC
	// header, stripped of their "route." prefix.
	Routes []string

	// Routing maps routing key part names to their values. Present only
	// when the consumer has a RoutingKeyReference for the delivery's
	// exchange.
	Routing map[string]string
}

var routePrefix = regexp.MustCompile(`^route\.(.*)$`)

// newMessage decodes a raw delivery using the consumer's bindings. A
// decode failure here means the channel contents cannot be trusted, so
// callers escalate it rather than nacking the single delivery.
func newMessage(delivery amqp.Delivery, bindings []Binding) (*Message, error) {
	var payload any
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	msg := &Message{
		Payload:     payload,
		Exchange:    delivery.Exchange,
		RoutingKey:  delivery.RoutingKey,
		Redelivered: delivery.Redelivered,
		Routes:      routesFromHeaders(delivery.Headers),
	}

	for _, binding := range bindings {
		if binding.Exchange == delivery.Exchange && binding.RoutingKeyReference != nil {
			routing, err := ParseRoutingKey(delivery.RoutingKey, binding.RoutingKeyReference)
			if err != nil {
				return nil, err
			}
			msg.Routing = routing
			break
		}
	}
	return msg, nil
}

// routesFromHeaders collects "route.*" entries from the CC header.
func routesFromHeaders(headers amqp.Table) []string {
	routes := []string{}
	cc, ok := headers["CC"].([]interface{})
	if !ok {
		return routes
	}
	for _, entry := range cc {
		s, ok := entry.(string)
		if !ok {
			continue
		}
		if m := routePrefix.FindStringSubmatch(s); m != nil {
			routes = append(routes, m[1])
		}
	}
	return routes
}
