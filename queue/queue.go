package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/model"
)

// Backend is a queue the external runner consumes from.
// Push must be safe for concurrent use.
type Backend interface {
	// Push appends the job to the lane named by job.Queue
	Push(ctx context.Context, job model.ProcessingJob) error
	// Close releases the backend's connections
	Close() error
}

// Encode serializes a job the way every backend stores it
func Encode(job model.ProcessingJob) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return data, nil
}

// Decode parses a job produced by Encode
func Decode(data []byte) (model.ProcessingJob, error) {
	var job model.ProcessingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return model.ProcessingJob{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// Mirrored pushes every job to a primary backend and copies it to mirror
// backends. Only the primary decides success; mirror failures are logged.
type Mirrored struct {
	primary Backend
	mirrors []Backend
	mutex   sync.RWMutex
}

// NewMirrored creates a mirrored backend
func NewMirrored(primary Backend, mirrors ...Backend) *Mirrored {
	return &Mirrored{primary: primary, mirrors: mirrors}
}

// Push implements Backend
func (m *Mirrored) Push(ctx context.Context, job model.ProcessingJob) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := m.primary.Push(ctx, job); err != nil {
		return err
	}
	for _, mirror := range m.mirrors {
		if err := mirror.Push(ctx, job); err != nil {
			logger.Error("failed to mirror job %s: %v", job.ID, err)
		}
	}
	return nil
}

// AddMirror adds another mirror backend
func (m *Mirrored) AddMirror(b Backend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.mirrors = append(m.mirrors, b)
}

// Close closes all backends
func (m *Mirrored) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	errs := []error{m.primary.Close()}
	for _, mirror := range m.mirrors {
		errs = append(errs, mirror.Close())
	}
	return errors.Join(errs...)
}
