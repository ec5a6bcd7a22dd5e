package mqtt

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/eddielth/sensor-bridge/broker"
	"github.com/eddielth/sensor-bridge/model"
)

// Message is one inbound MQTT message
type Message interface {
	Topic() string
	Payload() []byte
	// Ack acknowledges the message to the broker
	Ack()
}

// Session is one live broker connection
type Session interface {
	// Subscribe subscribes to every topic filter
	Subscribe(ctx context.Context, topics []string, qos byte) error
	// Messages delivers inbound messages in arrival order
	Messages() <-chan Message
	// Lost receives at most one error when the connection drops
	Lost() <-chan error
	IsConnected() bool
	// Close disconnects; it is safe to call more than once
	Close()
}

// DialOptions carries everything needed to open a session
type DialOptions struct {
	Endpoint  model.DeviceEndpoint
	Profile   broker.Profile
	Variant   broker.ClientVariant
	Keepalive time.Duration
	TLS       *tls.Config // nil for plain TCP
}

// Dialer opens sessions. Dial must honor ctx for the connect timeout.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Session, error)
}
