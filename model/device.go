package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// TransportKind names the inbound integration a device uses
type TransportKind string

const (
	TransportMQTT    TransportKind = "mqtt"
	TransportWebhook TransportKind = "lorawan-webhook"
)

// Valid reports whether k is one of the known transports
func (k TransportKind) Valid() bool {
	return k == TransportMQTT || k == TransportWebhook
}

// DeviceEndpoint is one device's subscription target
type DeviceEndpoint struct {
	ID        string        `mapstructure:"id" json:"id"`
	Name      string        `mapstructure:"name" json:"name"`
	Transport TransportKind `mapstructure:"transport" json:"transport"`

	Host     string   `mapstructure:"host" json:"host,omitempty"`
	Port     int      `mapstructure:"port" json:"port,omitempty"`
	UseTLS   bool     `mapstructure:"use_tls" json:"use_tls,omitempty"`
	Topics   []string `mapstructure:"topics" json:"topics,omitempty"`
	ClientID string   `mapstructure:"client_id" json:"client_id,omitempty"`
	QoS      *byte    `mapstructure:"qos" json:"qos,omitempty"` // nil uses the global default

	// Credentials are resolved from configuration, never logged.
	Username string `mapstructure:"username" json:"-"`
	Password string `mapstructure:"password" json:"-"`

	CACert     string `mapstructure:"ca_cert" json:"ca_cert,omitempty"`
	ClientCert string `mapstructure:"client_cert" json:"client_cert,omitempty"`
	ClientKey  string `mapstructure:"client_key" json:"client_key,omitempty"`

	Keepalive            time.Duration `mapstructure:"keepalive" json:"keepalive,omitempty"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts,omitempty"`
	CleanSession         bool          `mapstructure:"clean_session" json:"clean_session,omitempty"`

	Broker  string `mapstructure:"broker" json:"broker,omitempty"`   // pinned broker profile name
	Decoder string `mapstructure:"decoder" json:"decoder,omitempty"` // uplink formatter script name
}

// HasClientCertificate reports whether a client key pair is configured
func (d DeviceEndpoint) HasClientCertificate() bool {
	return d.ClientCert != "" && d.ClientKey != ""
}

// SubscriptionQoS returns the QoS used for every topic filter
func (d DeviceEndpoint) SubscriptionQoS() byte {
	if d.QoS == nil {
		return 0
	}
	return *d.QoS
}

// BrokerPort returns the configured port or the protocol default
func (d DeviceEndpoint) BrokerPort() int {
	if d.Port > 0 {
		return d.Port
	}
	if d.UseTLS {
		return 8883
	}
	return 1883
}

// BrokerURL returns the paho style server URL
func (d DeviceEndpoint) BrokerURL() string {
	scheme := "tcp"
	if d.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(d.Host, strconv.Itoa(d.BrokerPort())))
}

// Fingerprint identifies the connection-relevant configuration.
// Two endpoints with the same fingerprint can share a running worker.
func (d DeviceEndpoint) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%d|%t|%v|%s|%d|%s|%s|%s|%s|%s|%s|%d|%t|%s|%s",
		d.ID, d.Name, d.Transport, d.BrokerPort(), d.UseTLS, d.Topics, d.ClientID, d.SubscriptionQoS(),
		d.Host, d.Username, d.Password, d.CACert, d.ClientCert, d.ClientKey,
		d.MaxReconnectAttempts, d.CleanSession, d.Keepalive, d.Broker)
}
