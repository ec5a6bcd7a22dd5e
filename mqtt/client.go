package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/sensor-bridge/broker"
	"github.com/eddielth/sensor-bridge/logger"
)

// PahoDialer opens sessions with the Eclipse Paho client
type PahoDialer struct {
	// Buffer is the inbound message buffer per session
	Buffer int
}

// NewPahoDialer creates a dialer
func NewPahoDialer() *PahoDialer {
	return &PahoDialer{Buffer: 256}
}

// Dial connects to the endpoint's broker. paho's own reconnect logic is
// disabled; the endpoint worker owns reconnects.
func (d *PahoDialer) Dial(ctx context.Context, o DialOptions) (Session, error) {
	ep := o.Endpoint
	if ep.Host == "" {
		return nil, configErrorf("MQTT broker address cannot be empty")
	}

	buffer := d.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	s := &pahoSession{
		messages: make(chan Message, buffer),
		lost:     make(chan error, 1),
		done:     make(chan struct{}),
		deviceID: ep.ID,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(ep.BrokerURL())

	clientID := ep.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("sensor-bridge-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)

	if ep.Username != "" {
		opts.SetUsername(ep.Username)
		opts.SetPassword(ep.Password)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(ep.CleanSession)
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(o.Profile.ConnectTimeout)
	if o.Keepalive > 0 {
		opts.SetKeepAlive(o.Keepalive)
		opts.SetPingTimeout(o.Keepalive / 2)
	}

	switch o.Variant {
	case broker.VariantLegacy:
		opts.SetProtocolVersion(3)
		opts.SetWriteTimeout(o.Profile.ConnectTimeout)
	default:
		opts.SetProtocolVersion(4)
	}
	if o.TLS != nil {
		opts.SetTLSConfig(o.TLS)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.closed.Store(true)
		s.signalLost(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	})
	opts.SetDefaultPublishHandler(s.deliver)

	s.client = paho.NewClient(opts)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		s.client.Disconnect(0)
		return nil, fmt.Errorf("connection to %s timed out: %w", ep.BrokerURL(), ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep.BrokerURL(), err)
	}

	logger.WithDevice(ep.ID).Infof("connected to MQTT broker %s (%s)", ep.BrokerURL(), o.Variant)
	return s, nil
}

type pahoSession struct {
	client   paho.Client
	messages chan Message
	lost     chan error
	done     chan struct{}
	once     sync.Once
	closed   atomic.Bool // set on Close or connection loss
	deviceID string
}

// sessionMessage routes acks through the session that received it
type sessionMessage struct {
	paho.Message
	session *pahoSession
}

func (m sessionMessage) Ack() {
	m.session.ack(m.Message)
}

func (s *pahoSession) deliver(_ paho.Client, msg paho.Message) {
	select {
	case s.messages <- sessionMessage{Message: msg, session: s}:
	case <-s.done:
	}
}

// ack acknowledges msg on a live session only. paho tears down its ack
// channel with the connection; a message left unacknowledged there is
// redelivered by the broker on the next session.
func (s *pahoSession) ack(msg paho.Message) {
	log := logger.WithDevice(s.deviceID)
	if s.closed.Load() || !s.client.IsConnectionOpen() {
		log.Debugf("session closed, message %d on %s left for redelivery", msg.MessageID(), msg.Topic())
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("session closed during ack of message %d on %s: %v", msg.MessageID(), msg.Topic(), r)
		}
	}()
	msg.Ack()
}

func (s *pahoSession) signalLost(err error) {
	select {
	case s.lost <- err:
	default:
	}
}

// Subscribe subscribes to the specified topics
func (s *pahoSession) Subscribe(ctx context.Context, topics []string, qos byte) error {
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = qos
	}

	token := s.client.SubscribeMultiple(filters, s.deliver)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("subscription to %v timed out: %w", topics, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %v: %w", topics, err)
	}

	if st, ok := token.(*paho.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("broker rejected subscription to %s", topic)
			}
		}
	}

	logger.WithDevice(s.deviceID).Infof("subscribed to %v", topics)
	return nil
}

func (s *pahoSession) Messages() <-chan Message {
	return s.messages
}

func (s *pahoSession) Lost() <-chan error {
	return s.lost
}

func (s *pahoSession) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

// Close disconnects from the broker
func (s *pahoSession) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.client.Disconnect(250)
		logger.WithDevice(s.deviceID).Info("disconnected from MQTT broker")
	})
}
