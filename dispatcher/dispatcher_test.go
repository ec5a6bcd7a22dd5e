package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensor-bridge/model"
)

type fakeBackend struct {
	mu   sync.Mutex
	jobs []model.ProcessingJob
	err  error
}

func (b *fakeBackend) Push(_ context.Context, job model.ProcessingJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) pushed() []model.ProcessingJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ProcessingJob(nil), b.jobs...)
}

var reading = model.CanonicalReading{DeviceID: "d1", Type: "temperature", Value: 23.5, Unit: "°C", Quality: 100}

func TestEnqueueBuildsJobWithDefaults(t *testing.T) {
	backend := &fakeBackend{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	d := New(backend, Config{}, WithClock(func() time.Time { return now }))

	handle, err := d.Enqueue(context.Background(), "d1", []model.CanonicalReading{reading})
	require.NoError(t, err)

	jobs := backend.pushed()
	require.Len(t, jobs, 1)
	job := jobs[0]

	assert.Equal(t, handle.ID, job.ID)
	assert.Equal(t, "mqtt", job.Queue)
	assert.Equal(t, "mqtt", handle.Queue)
	assert.Equal(t, "d1", job.DeviceID)
	assert.Equal(t, 3, job.MaxTries)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 30*time.Second, job.Timeout)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}, job.Backoff)
	assert.Equal(t, now, job.CreatedAt)
	assert.Equal(t, []model.CanonicalReading{reading}, job.Readings)
}

func TestEnqueueReservedLane(t *testing.T) {
	backend := &fakeBackend{}
	d := New(backend, DefaultConfig(), WithLaneSelector(func(id string) bool { return id == "ttn-node" }))

	_, err := d.Enqueue(context.Background(), "ttn-node", []model.CanonicalReading{reading})
	require.NoError(t, err)
	_, err = d.Enqueue(context.Background(), "esp32", []model.CanonicalReading{reading})
	require.NoError(t, err)

	jobs := backend.pushed()
	assert.Equal(t, "tts", jobs[0].Queue)
	assert.Equal(t, "mqtt", jobs[1].Queue)
}

func TestEnqueueBackendFailure(t *testing.T) {
	d := New(&fakeBackend{err: errors.New("connection refused")}, DefaultConfig())

	_, err := d.Enqueue(context.Background(), "d1", []model.CanonicalReading{reading})
	assert.ErrorIs(t, err, ErrEnqueueFailed)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEnqueueRejectsEmptyBatch(t *testing.T) {
	backend := &fakeBackend{}
	d := New(backend, DefaultConfig())

	_, err := d.Enqueue(context.Background(), "d1", nil)
	assert.ErrorIs(t, err, ErrNoReadings)
	assert.Empty(t, backend.pushed())
}

func TestEnqueueConcurrent(t *testing.T) {
	backend := &fakeBackend{}
	d := New(backend, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Enqueue(context.Background(), "d1", []model.CanonicalReading{reading})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	jobs := backend.pushed()
	require.Len(t, jobs, 50)
	ids := map[string]struct{}{}
	for _, j := range jobs {
		ids[j.ID] = struct{}{}
	}
	assert.Len(t, ids, 50)
}
