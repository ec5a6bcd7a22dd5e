package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensor-bridge/device"
	"github.com/eddielth/sensor-bridge/dispatcher"
	"github.com/eddielth/sensor-bridge/ingest"
	"github.com/eddielth/sensor-bridge/model"
)

type enqueueCall struct {
	deviceID string
	readings []model.CanonicalReading
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, deviceID string, readings []model.CanonicalReading) (model.JobHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return model.JobHandle{}, fmt.Errorf("%w: %v", dispatcher.ErrEnqueueFailed, e.err)
	}
	e.calls = append(e.calls, enqueueCall{deviceID: deviceID, readings: readings})
	return model.JobHandle{ID: fmt.Sprintf("job-%d", len(e.calls)), Queue: "mqtt", DeviceID: deviceID}, nil
}

func (e *fakeEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

var receivedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testIngestor(t *testing.T, enq dispatcher.Enqueuer, opts ...Option) *Ingestor {
	t.Helper()
	registry := device.NewRegistry(device.StaticSource{
		{ID: "lora-1", Transport: model.TransportWebhook},
		{ID: "esp32-lora", Transport: model.TransportWebhook},
		{ID: "esp32-mqtt", Transport: model.TransportMQTT, Host: "broker.local", Topics: []string{"sensors/#"}},
	}, device.Defaults{})
	require.NoError(t, registry.Refresh(context.Background()))

	opts = append([]Option{WithClock(func() time.Time { return receivedAt })}, opts...)
	return New(registry, ingest.NewPipeline(nil, nil, nil, nil), enq, opts...)
}

func TestIngestFlatPayload(t *testing.T) {
	enq := &fakeEnqueuer{}
	i := testIngestor(t, enq)

	res, err := i.Ingest(context.Background(), "lora-1", []byte(`{"temperature": 25.5, "humidity": "60 %"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, 2, res.Readings)
	assert.Equal(t, "job-1", res.JobID)

	require.Equal(t, 1, enq.count())
	readings := enq.calls[0].readings
	require.Len(t, readings, 2)
	assert.Equal(t, "humidity", readings[0].Type)
	assert.Equal(t, 60.0, readings[0].Value)
	assert.Equal(t, "%", readings[0].Unit)
	assert.Equal(t, "temperature", readings[1].Type)
	assert.Equal(t, "°C", readings[1].Unit)
	for _, r := range readings {
		assert.Equal(t, model.TransportWebhook, r.Transport)
		assert.Equal(t, "lora-1", r.DeviceID)
		assert.Equal(t, receivedAt, r.Timestamp)
	}
}

func TestIngestUnknownDevice(t *testing.T) {
	enq := &fakeEnqueuer{}
	i := testIngestor(t, enq)

	_, err := i.Ingest(context.Background(), "ghost", []byte(`{"temperature": 25.5}`))
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// MQTT devices are not accepted over the webhook
	_, err = i.Ingest(context.Background(), "esp32-mqtt", []byte(`{"temperature": 25.5}`))
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	assert.Zero(t, enq.count())
}

func TestIngestMalformed(t *testing.T) {
	enq := &fakeEnqueuer{}
	i := testIngestor(t, enq)

	for name, body := range map[string]string{
		"not json":     `temperature=25`,
		"array":        `[1, 2]`,
		"empty object": `{}`,
		"only meta":    `{"timestamp": 1700000000, "device_id": "lora-1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := i.Ingest(context.Background(), "lora-1", []byte(body))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
	assert.Zero(t, enq.count())
}

func TestIngestConcurrentDuplicatesAreAccepted(t *testing.T) {
	enq := &fakeEnqueuer{}
	i := testIngestor(t, enq)
	payload := []byte(`{"sensors": [{"type": "temperature", "value": 21.0}]}`)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = i.Ingest(context.Background(), "lora-1", payload)
		}(n)
	}
	wg.Wait()

	for n := 0; n < 2; n++ {
		require.NoError(t, errs[n])
		assert.Equal(t, StatusAccepted, results[n].Status)
	}
	assert.Equal(t, 2, enq.count())
}

func TestIngestEnqueueFailure(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("redis: connection refused")}
	i := testIngestor(t, enq)

	_, err := i.Ingest(context.Background(), "lora-1", []byte(`{"temperature": 25.5}`))
	assert.ErrorIs(t, err, dispatcher.ErrEnqueueFailed)
}

func TestIngestLoRaWAN(t *testing.T) {
	enq := &fakeEnqueuer{}
	i := testIngestor(t, enq)

	tts := `{
	  "end_device_ids": {"device_id": "lora-1", "application_ids": {"application_id": "farm"}},
	  "received_at": "2024-05-01T10:00:00Z",
	  "uplink_message": {"f_port": 1, "decoded_payload": {"temperature": 21.3, "humidity": 55}}
	}`
	res, err := i.IngestLoRaWAN(context.Background(), []byte(tts))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, "lora-1", res.DeviceID)
	assert.Equal(t, 2, res.Readings)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), enq.calls[0].readings[0].Timestamp.UTC())

	wrapped := `{"data": {"end_device_ids": {"device_id": "lora-1"}, "uplink_message": {"decoded_payload": {"data": {"battery": 87}}}}}`
	res, err = i.IngestLoRaWAN(context.Background(), []byte(wrapped))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Readings)

	esp32 := `{"device_id": "esp32-lora", "timestamp": 1700000000, "sensors": [
	  {"type": "temperature", "value": "23.5 celsius"},
	  {"type": "geolocation", "subtype": "latitude", "value": 48.85}
	]}`
	res, err = i.IngestLoRaWAN(context.Background(), []byte(esp32))
	require.NoError(t, err)
	assert.Equal(t, "esp32-lora", res.DeviceID)
	assert.Equal(t, 2, res.Readings)

	assert.Equal(t, 3, enq.count())
}

func TestIngestLoRaWANIgnoresEventsWithoutUplink(t *testing.T) {
	enq := &fakeEnqueuer{}
	i := testIngestor(t, enq)

	res, err := i.IngestLoRaWAN(context.Background(), []byte(`{"end_device_ids": {"device_id": "lora-1"}, "join_accept": {}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Zero(t, enq.count())
}

func TestIngestLoRaWANRejects(t *testing.T) {
	enq := &fakeEnqueuer{}
	i := testIngestor(t, enq)

	_, err := i.IngestLoRaWAN(context.Background(), []byte(`{"temperature": 25}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = i.IngestLoRaWAN(context.Background(), []byte(`{"end_device_ids": {"device_id": "ghost"}, "uplink_message": {"decoded_payload": {"t": 1}}}`))
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// raw uplink without a formatter script
	_, err = i.IngestLoRaWAN(context.Background(), []byte(`{"end_device_ids": {"device_id": "lora-1"}, "uplink_message": {"frm_payload": "AQI="}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	assert.Zero(t, enq.count())
}

func TestToken(t *testing.T) {
	i := testIngestor(t, &fakeEnqueuer{}, WithSecret("s3cret"))

	token := i.Token("lora-1")
	assert.Len(t, token, 64)
	assert.NotEqual(t, token, i.Token("esp32-lora"))
	assert.NoError(t, i.VerifyToken("lora-1", token))
	assert.ErrorIs(t, i.VerifyToken("lora-1", "deadbeef"), ErrInvalidToken)
	assert.ErrorIs(t, i.VerifyToken("esp32-lora", token), ErrInvalidToken)

	open := testIngestor(t, &fakeEnqueuer{})
	assert.Empty(t, open.Token("lora-1"))
	assert.NoError(t, open.VerifyToken("lora-1", ""))
}

func TestInstructions(t *testing.T) {
	i := testIngestor(t, &fakeEnqueuer{}, WithSecret("s3cret"))

	ins, err := i.Instructions("https://bridge.example.com", "lora-1")
	require.NoError(t, err)
	assert.Equal(t, "https://bridge.example.com/webhook/mqtt/lora-1?token="+i.Token("lora-1"), ins.WebhookURL)
	assert.Equal(t, "POST", ins.Method)
	assert.Contains(t, ins.ExampleCurl, ins.WebhookURL)
	assert.Len(t, ins.Formats, 3)

	_, err = i.Instructions("https://bridge.example.com", "ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
