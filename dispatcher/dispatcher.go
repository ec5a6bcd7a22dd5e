package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/metrics"
	"github.com/eddielth/sensor-bridge/model"
	"github.com/eddielth/sensor-bridge/queue"
)

var (
	// ErrEnqueueFailed wraps queue backend errors
	ErrEnqueueFailed = errors.New("enqueue failed")
	// ErrNoReadings is returned for an empty reading batch
	ErrNoReadings = errors.New("no readings to enqueue")
)

// Config holds the job parameters
type Config struct {
	DefaultQueue  string
	ReservedQueue string
	MaxTries      int
	Timeout       time.Duration
	Backoff       []time.Duration
}

// DefaultConfig returns the default job parameters
func DefaultConfig() Config {
	return Config{
		DefaultQueue:  "mqtt",
		ReservedQueue: "tts",
		MaxTries:      3,
		Timeout:       30 * time.Second,
		Backoff:       []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second},
	}
}

// LaneSelector reports whether a device's jobs go to the reserved lane
type LaneSelector func(deviceID string) bool

// Enqueuer is the contract shared by Dispatcher and its test doubles
type Enqueuer interface {
	Enqueue(ctx context.Context, deviceID string, readings []model.CanonicalReading) (model.JobHandle, error)
}

// Dispatcher wraps readings into processing jobs and pushes them to the
// queue backend. It does not run jobs.
type Dispatcher struct {
	backend  queue.Backend
	cfg      Config
	reserved LaneSelector
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLaneSelector sets the reserved lane selector
func WithLaneSelector(f LaneSelector) Option {
	return func(d *Dispatcher) { d.reserved = f }
}

// WithMetrics records enqueue outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher. Zero config fields take their defaults.
func New(backend queue.Backend, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = def.DefaultQueue
	}
	if cfg.ReservedQueue == "" {
		cfg.ReservedQueue = def.ReservedQueue
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}

	d := &Dispatcher{
		backend:  backend,
		cfg:      cfg,
		reserved: func(string) bool { return false },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// QueueFor returns the queue a device's jobs are routed to
func (d *Dispatcher) QueueFor(deviceID string) string {
	if d.reserved(deviceID) {
		return d.cfg.ReservedQueue
	}
	return d.cfg.DefaultQueue
}

// Enqueue wraps readings into one job and pushes it. It is safe for
// concurrent use; the backend owns its own concurrency control.
func (d *Dispatcher) Enqueue(ctx context.Context, deviceID string, readings []model.CanonicalReading) (model.JobHandle, error) {
	if len(readings) == 0 {
		return model.JobHandle{}, ErrNoReadings
	}

	job := model.ProcessingJob{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Queue:     d.QueueFor(deviceID),
		Readings:  readings,
		MaxTries:  d.cfg.MaxTries,
		Timeout:   d.cfg.Timeout,
		Backoff:   append([]time.Duration(nil), d.cfg.Backoff...),
		CreatedAt: d.now(),
	}

	if err := d.backend.Push(ctx, job); err != nil {
		d.metrics.EnqueueFailed()
		return model.JobHandle{}, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	d.metrics.JobEnqueued(job.Queue)
	logger.WithDevice(deviceID).Debugf("enqueued job %s on %s with %d readings", job.ID, job.Queue, len(readings))

	return model.JobHandle{
		ID:         job.ID,
		Queue:      job.Queue,
		DeviceID:   deviceID,
		EnqueuedAt: job.CreatedAt,
	}, nil
}
