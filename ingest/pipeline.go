package ingest

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eddielth/sensor-bridge/decoder"
	"github.com/eddielth/sensor-bridge/metrics"
	"github.com/eddielth/sensor-bridge/model"
	"github.com/eddielth/sensor-bridge/normalizer"
	"github.com/eddielth/sensor-bridge/validator"
)

// ErrUndecodable is returned for raw uplinks without a usable decoder
var ErrUndecodable = errors.New("uplink has no decoded payload and no decoder")

// Result is the outcome of running one raw message through the pipeline
type Result struct {
	Kind     normalizer.Kind
	Readings []model.CanonicalReading
}

// Pipeline turns raw messages into canonical readings. MQTT and webhook
// ingestion share it so both produce identical readings.
type Pipeline struct {
	normalizer atomic.Pointer[normalizer.Normalizer]
	validators atomic.Pointer[validator.Set]
	decoders   *decoder.Manager
	metrics    *metrics.Metrics
}

// NewPipeline creates a pipeline. decoders and m may be nil.
func NewPipeline(n *normalizer.Normalizer, v *validator.Set, decoders *decoder.Manager, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{decoders: decoders, metrics: m}
	p.SetTables(n, v)
	return p
}

// SetTables swaps in new mapping tables and validators. Messages already
// being processed finish with the previous tables.
func (p *Pipeline) SetTables(n *normalizer.Normalizer, v *validator.Set) {
	if n == nil {
		n = normalizer.New(normalizer.DefaultTables())
	}
	if v == nil {
		v = validator.NewSet(validator.DefaultRanges())
	}
	p.normalizer.Store(n)
	p.validators.Store(v)
}

// Process parses msg and normalizes every sensor field it carries
func (p *Pipeline) Process(device model.DeviceEndpoint, msg model.RawMessage) (Result, error) {
	p.metrics.MessageReceived(string(msg.Transport))

	parsed, err := normalizer.ParsePayload(msg.Topic, msg.Payload)
	if err != nil {
		return Result{}, err
	}

	fields := parsed.Fields
	if parsed.NeedsDecoding() {
		fields, err = p.decode(device, parsed)
		if err != nil {
			return Result{Kind: parsed.Kind}, err
		}
	}

	ts := parsed.Timestamp
	if ts.IsZero() {
		ts = msg.ReceivedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	n := p.normalizer.Load()
	readings := make([]model.CanonicalReading, 0, len(fields))
	for _, f := range fields {
		r := n.Normalize(f.Key, f.Value, f.UnitHint)
		r.DeviceID = device.ID
		r.Timestamp = ts
		r.Transport = msg.Transport
		readings = append(readings, r)
		p.metrics.ReadingProduced(!r.Unrecognized)
	}
	p.validators.Load().Apply(readings)

	return Result{Kind: parsed.Kind, Readings: readings}, nil
}

func (p *Pipeline) decode(device model.DeviceEndpoint, parsed normalizer.Parsed) ([]normalizer.Field, error) {
	if p.decoders == nil || device.Decoder == "" {
		return nil, ErrUndecodable
	}
	result, err := p.decoders.Decode(device.Decoder, parsed.FRMPayload, parsed.FPort)
	if err != nil {
		return nil, fmt.Errorf("decode uplink for %s: %w", device.ID, err)
	}
	return normalizer.FieldsFromObject(result.Data), nil
}
