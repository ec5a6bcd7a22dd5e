package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/eddielth/sensor-bridge/device"
	"github.com/eddielth/sensor-bridge/dispatcher"
	"github.com/eddielth/sensor-bridge/ingest"
	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/model"
)

var (
	// ErrDeviceNotFound is returned for ids that are not configured webhook devices
	ErrDeviceNotFound = errors.New("device not found")
	// ErrMalformedPayload is returned for bodies without usable sensor data
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrInvalidToken is returned when the webhook token does not match
	ErrInvalidToken = errors.New("invalid webhook token")
)

// Result statuses
const (
	StatusAccepted = "accepted"
	StatusIgnored  = "ignored"
)

// Result is the acknowledgment returned to the webhook sender
type Result struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Readings int    `json:"readings,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Option configures an Ingestor
type Option func(*Ingestor)

// WithSecret enables webhook tokens derived from secret
func WithSecret(secret string) Option {
	return func(i *Ingestor) { i.secret = []byte(secret) }
}

// WithClock replaces the receipt clock
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// Ingestor accepts pushed payloads for webhook devices. It keeps no
// state between calls, so retried deliveries are accepted again.
type Ingestor struct {
	registry   *device.Registry
	pipeline   *ingest.Pipeline
	dispatcher dispatcher.Enqueuer
	secret     []byte
	now        func() time.Time
}

// New creates an ingestor
func New(registry *device.Registry, pipeline *ingest.Pipeline, d dispatcher.Enqueuer, opts ...Option) *Ingestor {
	i := &Ingestor{
		registry:   registry,
		pipeline:   pipeline,
		dispatcher: d,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest normalizes payload for deviceID and enqueues the readings
func (i *Ingestor) Ingest(ctx context.Context, deviceID string, payload []byte) (Result, error) {
	d, err := i.lookup(deviceID)
	if err != nil {
		return Result{}, err
	}
	if err := validate(deviceValidator, payload); err != nil {
		return Result{}, err
	}
	return i.accept(ctx, d, payload)
}

// IngestLoRaWAN handles the unified LoRaWAN endpoint, where the device
// id travels inside the payload. Events without an uplink are ignored.
func (i *Ingestor) IngestLoRaWAN(ctx context.Context, payload []byte) (Result, error) {
	if err := validate(lorawanValidator, payload); err != nil {
		return Result{}, err
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	deviceID, hasUplink := env.identify()
	if !hasUplink {
		logger.WithDevice(deviceID).Debug("ignoring LoRaWAN event without uplink message")
		return Result{Status: StatusIgnored, DeviceID: deviceID, Reason: "no_uplink"}, nil
	}

	d, err := i.lookup(deviceID)
	if err != nil {
		return Result{}, err
	}
	return i.accept(ctx, d, payload)
}

func (i *Ingestor) lookup(deviceID string) (model.DeviceEndpoint, error) {
	d, ok := i.registry.Get(deviceID)
	if !ok || d.Transport != model.TransportWebhook {
		return model.DeviceEndpoint{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return d, nil
}

func (i *Ingestor) accept(ctx context.Context, d model.DeviceEndpoint, payload []byte) (Result, error) {
	log := logger.WithDevice(d.ID)

	res, err := i.pipeline.Process(d, model.RawMessage{
		DeviceID:   d.ID,
		Topic:      "webhook/" + d.ID,
		Payload:    payload,
		ReceivedAt: i.now().UTC(),
		Transport:  model.TransportWebhook,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(res.Readings) == 0 {
		return Result{}, fmt.Errorf("%w: no sensor fields in %s payload", ErrMalformedPayload, res.Kind)
	}

	handle, err := i.dispatcher.Enqueue(ctx, d.ID, res.Readings)
	if err != nil {
		log.Errorf("failed to enqueue webhook readings: %v", err)
		return Result{}, err
	}

	log.Infof("accepted %d readings from %s payload", len(res.Readings), res.Kind)
	return Result{
		Status:   StatusAccepted,
		DeviceID: d.ID,
		JobID:    handle.ID,
		Queue:    handle.Queue,
		Readings: len(res.Readings),
	}, nil
}

// Token returns the webhook token for deviceID, or "" without a secret
func (i *Ingestor) Token(deviceID string) string {
	if len(i.secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(deviceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks token in constant time. Without a secret every
// token is accepted.
func (i *Ingestor) VerifyToken(deviceID, token string) error {
	if len(i.secret) == 0 {
		return nil
	}
	if !hmac.Equal([]byte(i.Token(deviceID)), []byte(token)) {
		return ErrInvalidToken
	}
	return nil
}

// Instructions describes how to configure a sender for one device
type Instructions struct {
	WebhookURL  string   `json:"webhook_url"`
	Method      string   `json:"method"`
	ContentType string   `json:"content_type"`
	Formats     []string `json:"formats"`
	ExampleCurl string   `json:"example_curl"`
}

// Instructions returns the setup text for deviceID under baseURL
func (i *Ingestor) Instructions(baseURL, deviceID string) (Instructions, error) {
	if _, err := i.lookup(deviceID); err != nil {
		return Instructions{}, err
	}

	url := fmt.Sprintf("%s/webhook/mqtt/%s", baseURL, deviceID)
	if token := i.Token(deviceID); token != "" {
		url += "?token=" + token
	}

	return Instructions{
		WebhookURL:  url,
		Method:      "POST",
		ContentType: "application/json",
		Formats: []string{
			`structured: {"sensors": [{"type": "temperature", "value": 25.5}, {"type": "humidity", "value": 60}]}`,
			`flat: {"temperature": 25.5, "humidity": 60, "battery": 85}`,
			`explicit: {"sensor_type": "temperature", "value": 25.5, "unit": "celsius"}`,
		},
		ExampleCurl: fmt.Sprintf(`curl -X POST '%s' -H 'Content-Type: application/json' -d '{"temperature": 25.5, "humidity": 60}'`, url),
	}, nil
}

type deviceIDs struct {
	DeviceID string `json:"device_id"`
}

type ttsEvent struct {
	EndDeviceIDs  *deviceIDs      `json:"end_device_ids"`
	UplinkMessage json.RawMessage `json:"uplink_message"`
}

type envelope struct {
	ttsEvent
	Data     *ttsEvent `json:"data"`
	DeviceID string    `json:"device_id"`
}

// identify returns the device id and whether the payload carries readings
func (e envelope) identify() (string, bool) {
	for _, ev := range []*ttsEvent{&e.ttsEvent, e.Data} {
		if ev != nil && ev.EndDeviceIDs != nil && ev.EndDeviceIDs.DeviceID != "" {
			return ev.EndDeviceIDs.DeviceID, len(ev.UplinkMessage) > 0 && string(ev.UplinkMessage) != "null"
		}
	}
	return e.DeviceID, true
}
