package observability

import (
	"github.com/nats-io/nats.go"
)

// NATSPublisher forwards events to a NATS server.
type NATSPublisher struct {
	conn *nats.Conn
}

func DialNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("matseg"))
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Close flushes pending events before disconnecting.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
