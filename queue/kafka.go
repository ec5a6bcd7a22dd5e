package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/model"
)

// KafkaQueue publishes jobs to one topic per queue, keyed by device id
// so one device's jobs stay on one partition.
type KafkaQueue struct {
	writer      *kafka.Writer
	topicPrefix string
}

// NewKafkaQueue creates a writer for brokers
func NewKafkaQueue(brokers []string, topicPrefix string) (*KafkaQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka queue needs at least one broker")
	}
	if topicPrefix == "" {
		topicPrefix = "ingest."
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}

	logger.Info("kafka queue ready (%v)", brokers)
	return &KafkaQueue{writer: w, topicPrefix: topicPrefix}, nil
}

// Push implements Backend
func (q *KafkaQueue) Push(ctx context.Context, job model.ProcessingJob) error {
	data, err := Encode(job)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: q.topicPrefix + job.Queue,
		Key:   []byte(job.DeviceID),
		Value: data,
		Time:  job.CreatedAt,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish job %s to kafka failed: %w", job.ID, err)
	}
	return nil
}

// Close implements Backend
func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
