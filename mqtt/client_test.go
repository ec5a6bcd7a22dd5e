package mqtt

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensor-bridge/broker"
	"github.com/eddielth/sensor-bridge/model"
)

// localBroker speaks just enough MQTT 3.1.1 to accept one client,
// grant its subscription and publish one QoS 1 message to it
type localBroker struct {
	ln      net.Listener
	conn    chan net.Conn
	pubacks chan uint16
}

func startLocalBroker(t *testing.T, topic string, payload []byte) *localBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &localBroker{ln: ln, conn: make(chan net.Conn, 1), pubacks: make(chan uint16, 4)}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		b.conn <- conn
		b.serve(conn, topic, payload)
	}()
	return b
}

func (b *localBroker) serve(conn net.Conn, topic string, payload []byte) {
	defer conn.Close()
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := cp.(type) {
		case *packets.ConnectPacket:
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			if ack.Write(conn) != nil {
				return
			}
		case *packets.SubscribePacket:
			suback := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			suback.MessageID = p.MessageID
			suback.ReturnCodes = p.Qoss
			if suback.Write(conn) != nil {
				return
			}
			pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
			pub.Qos = 1
			pub.MessageID = 7
			pub.TopicName = topic
			pub.Payload = payload
			if pub.Write(conn) != nil {
				return
			}
		case *packets.PubackPacket:
			b.pubacks <- p.MessageID
		case *packets.PingreqPacket:
			if packets.NewControlPacket(packets.Pingresp).Write(conn) != nil {
				return
			}
		case *packets.DisconnectPacket:
			return
		}
	}
}

// drop closes the client connection without a DISCONNECT
func (b *localBroker) drop(t *testing.T) {
	t.Helper()
	select {
	case conn := <-b.conn:
		_ = conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
}

func dialLocal(t *testing.T, b *localBroker, topic string) (Session, Message) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(b.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ep := model.DeviceEndpoint{
		ID:           "local-1",
		Transport:    model.TransportMQTT,
		Host:         host,
		Port:         port,
		Topics:       []string{topic},
		ClientID:     "sensor-bridge-local-1",
		CleanSession: true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewPahoDialer().Dial(ctx, DialOptions{
		Endpoint: ep,
		Profile:  broker.Profile{Name: "generic", ConnectTimeout: 5 * time.Second},
		Variant:  broker.VariantStandard,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Subscribe(ctx, ep.Topics, 1))

	select {
	case msg := <-s.Messages():
		assert.Equal(t, topic, msg.Topic())
		return s, msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil, nil
	}
}

func TestPahoSessionAckReachesBroker(t *testing.T) {
	b := startLocalBroker(t, "sensors/local-1", []byte(`{"temp": 21}`))
	_, msg := dialLocal(t, b, "sensors/local-1")

	assert.Equal(t, []byte(`{"temp": 21}`), msg.Payload())
	msg.Ack()

	select {
	case id := <-b.pubacks:
		assert.EqualValues(t, 7, id)
	case <-time.After(5 * time.Second):
		t.Fatal("broker never received PUBACK")
	}
}

func TestPahoSessionAckAfterClose(t *testing.T) {
	b := startLocalBroker(t, "sensors/local-1", []byte(`{"temp": 21}`))
	s, msg := dialLocal(t, b, "sensors/local-1")

	s.Close()
	assert.NotPanics(t, msg.Ack)
	assert.False(t, s.IsConnected())
}

func TestPahoSessionAckAfterConnectionLost(t *testing.T) {
	b := startLocalBroker(t, "sensors/local-1", []byte(`{"temp": 21}`))
	s, msg := dialLocal(t, b, "sensors/local-1")

	b.drop(t)
	select {
	case err := <-s.Lost():
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.NotPanics(t, msg.Ack)
}
