package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcessingJobBackoffFor(t *testing.T) {
	job := ProcessingJob{Backoff: []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}}

	assert.Equal(t, 5*time.Second, job.BackoffFor(0))
	assert.Equal(t, 5*time.Second, job.BackoffFor(1))
	assert.Equal(t, 10*time.Second, job.BackoffFor(2))
	assert.Equal(t, 30*time.Second, job.BackoffFor(3))
	assert.Equal(t, 30*time.Second, job.BackoffFor(9))
	assert.Zero(t, ProcessingJob{}.BackoffFor(1))
}

func TestProcessingJobExhausted(t *testing.T) {
	job := ProcessingJob{MaxTries: 3}
	assert.False(t, job.Exhausted())
	job.Attempts = 3
	assert.True(t, job.Exhausted())
}

func TestDeviceEndpointBrokerURL(t *testing.T) {
	plain := DeviceEndpoint{Host: "broker.emqx.io"}
	assert.Equal(t, "tcp://broker.emqx.io:1883", plain.BrokerURL())

	secure := DeviceEndpoint{Host: "eu1.cloud.thethings.network", UseTLS: true}
	assert.Equal(t, "ssl://eu1.cloud.thethings.network:8883", secure.BrokerURL())

	custom := DeviceEndpoint{Host: "localhost", Port: 11883}
	assert.Equal(t, "tcp://localhost:11883", custom.BrokerURL())
}

func TestDeviceEndpointFingerprint(t *testing.T) {
	a := DeviceEndpoint{ID: "d1", Host: "h", Topics: []string{"a/#"}}
	b := a
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Topics = []string{"b/#"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
