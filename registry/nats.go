package registry

import (
	"github.com/nats-io/nats.go"
)

// NATSSink publishes registry events onto the platform bus under
// registry.event.<type> subjects.
type NATSSink struct {
	nc *nats.Conn
}

// NewNATSSink wraps a NATS connection as an EventSink.
func NewNATSSink(nc *nats.Conn) *NATSSink {
	return &NATSSink{nc: nc}
}

// Publish sends one event to the bus.
func (s *NATSSink) Publish(subject string, data []byte) error {
	return s.nc.Publish(subject, data)
}
