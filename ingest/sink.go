package ingest

import (
	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/metrics"
	"github.com/eddielth/sensor-bridge/model"
)

// Submitter accepts readings for asynchronous enqueue
type Submitter interface {
	Submit(deviceID string, readings []model.CanonicalReading, ack func()) bool
}

// MQTTSink connects MQTT receive loops to the pipeline. Handle never
// blocks on the queue backend.
type MQTTSink struct {
	pipeline  *Pipeline
	submitter Submitter
	metrics   *metrics.Metrics
}

// NewMQTTSink creates a sink
func NewMQTTSink(p *Pipeline, s Submitter, m *metrics.Metrics) *MQTTSink {
	return &MQTTSink{pipeline: p, submitter: s, metrics: m}
}

// Handle normalizes one message and hands it off. ack is called once the
// job is enqueued. Messages that can never produce readings are acked
// right away so the broker does not redeliver them.
func (s *MQTTSink) Handle(device model.DeviceEndpoint, msg model.RawMessage, ack func()) {
	log := logger.WithDevice(device.ID)

	result, err := s.pipeline.Process(device, msg)
	if err != nil {
		s.metrics.MessageDropped("unparseable")
		log.Warnf("discarding message on %s: %v", msg.Topic, err)
		ack()
		return
	}
	if len(result.Readings) == 0 {
		log.Debugf("no sensor fields in %s message on %s", result.Kind, msg.Topic)
		ack()
		return
	}

	log.Debugf("received %d readings on %s", len(result.Readings), msg.Topic)
	s.submitter.Submit(device.ID, result.Readings, ack)
}
