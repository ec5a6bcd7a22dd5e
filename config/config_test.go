package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensor-bridge/model"
)

const sampleConfig = `
mqtt:
  keepalive: 45s
  tls:
    verify_peer_name: false
backoff:
  delays: [1s, 2s, 4s]
  jitter_percentage: 20
queue:
  connection: redis
  mirrors: [file]
  connections:
    redis:
      driver: redis
      url: redis://localhost:6379/0
brokers:
  - name: company
    hosts: [mqtt.company.local]
    connect_timeout: 3s
    backoff_multiplier: 2
sensors:
  mappings:
    tmp: temperature
  ranges:
    temperature: {min: -20, max: 60}
decoders:
  dragino:
    script_path: scripts/dragino.js
devices:
  - id: esp32-1
    host: mqtt.company.local
    topics: [sensors/esp32-1/#]
    keepalive: 20s
  - id: lora-1
    transport: lorawan-webhook
    decoder: dragino
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.MQTT.ConnectTimeout)
	assert.Equal(t, 60*time.Second, cfg.MQTT.Keepalive)
	assert.Equal(t, 100*time.Millisecond, cfg.MQTT.MessageProcessingSleep)
	assert.Equal(t, 60*time.Second, cfg.MQTT.DeviceReloadInterval)
	assert.True(t, cfg.MQTT.TLS.VerifyPeer)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second}, cfg.Backoff.Delays)
	assert.Equal(t, 3, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 10.0, cfg.Backoff.JitterPercentage)

	dc := cfg.DispatcherConfig()
	assert.Equal(t, "mqtt", dc.DefaultQueue)
	assert.Equal(t, "tts", dc.ReservedQueue)
	assert.Equal(t, 3, dc.MaxTries)
	assert.Equal(t, 30*time.Second, dc.Timeout)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}, dc.Backoff)

	assert.Equal(t, "file", cfg.Queue.Connection)
	assert.Equal(t, "file", cfg.Queue.Connections["file"].Driver)
	assert.Equal(t, []string{"eu1.cloud.thethings.industries"}, cfg.ProblematicBrokers)
	assert.Len(t, cfg.BrokerConfig().Profiles, 4)
	assert.InDelta(t, 0.1, cfg.BackoffPolicy().Jitter(), 1e-9)
}

func TestLoadFile(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, sampleConfig)).Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.MQTT.Keepalive)
	assert.True(t, cfg.MQTT.TLS.VerifyPeer)
	assert.False(t, cfg.MQTT.TLS.VerifyPeerName)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, cfg.Backoff.Delays)

	assert.Equal(t, "redis://localhost:6379/0", cfg.Queue.Connections["redis"].URL)
	assert.Contains(t, cfg.Queue.Connections, "file")

	require.Len(t, cfg.Brokers, 1)
	assert.Equal(t, 3*time.Second, cfg.Brokers[0].ConnectTimeout)
	assert.Equal(t, 2.0, cfg.Brokers[0].BackoffMultiplier)

	tables := cfg.Tables()
	assert.Equal(t, "temperature", tables.Mappings["tmp"])
	assert.Equal(t, "temperature", tables.Mappings["thermal"])
	assert.Equal(t, 60.0, cfg.Ranges()["temperature"].Max)
	assert.Equal(t, 100.0, cfg.Ranges()["humidity"].Max)

	assert.Equal(t, "scripts/dragino.js", cfg.Decoders["dragino"].ScriptPath)

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, 20*time.Second, cfg.Devices[0].Keepalive)
	assert.Equal(t, model.TransportWebhook, cfg.Devices[1].Transport)
	assert.Equal(t, "dragino", cfg.Devices[1].Decoder)

	defaults := cfg.DeviceDefaults()
	assert.Equal(t, 45*time.Second, defaults.Keepalive)
	assert.Equal(t, 3, defaults.MaxReconnectAttempts)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SENSOR_BRIDGE_MQTT_KEEPALIVE", "15s")
	t.Setenv("SENSOR_BRIDGE_WEBHOOK_SECRET", "from-env")

	cfg, err := NewLoader(writeConfig(t, sampleConfig)).Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.MQTT.Keepalive)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
}

func TestLoadErrors(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)

	_, err = NewLoader(writeConfig(t, "queue:\n  connection: nowhere\n")).Load()
	assert.ErrorContains(t, err, `queue.connection "nowhere"`)

	_, err = NewLoader(writeConfig(t, "backoff:\n  jitter_percentage: 150\nmqtt:\n  qos: 3\n")).Load()
	assert.ErrorContains(t, err, "jitter_percentage")
	assert.ErrorContains(t, err, "mqtt.qos")
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	var keepalive atomic.Int64
	require.NoError(t, l.Watch(func(cfg *Config) error {
		keepalive.Store(int64(cfg.MQTT.Keepalive))
		return nil
	}))

	updated := []byte("mqtt:\n  keepalive: 90s\n")
	require.NoError(t, os.WriteFile(path, updated, 0o600))

	assert.Eventually(t, func() bool {
		return time.Duration(keepalive.Load()) == 90*time.Second
	}, 5*time.Second, 20*time.Millisecond)
}
