package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensor-bridge/model"
)

func testJob(queue string) model.ProcessingJob {
	return model.ProcessingJob{
		ID:       "6f1c2b1e-8f7b-4f7e-9d7c-0a6b7d3c2e11",
		DeviceID: "esp32-01",
		Queue:    queue,
		Readings: []model.CanonicalReading{
			{DeviceID: "esp32-01", Type: "temperature", Value: 23.5, Unit: "°C", RawKey: "temp", Quality: 100},
		},
		MaxTries:  3,
		Timeout:   30 * time.Second,
		Backoff:   []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second},
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEncodeDecode(t *testing.T) {
	job := testJob("mqtt")
	data, err := Encode(job)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Backoff, got.Backoff)
	assert.Equal(t, "temperature", got.Readings[0].Type)
}

func TestFileQueuePush(t *testing.T) {
	dir := t.TempDir()
	fq, err := NewFileQueue(dir)
	require.NoError(t, err)

	require.NoError(t, fq.Push(context.Background(), testJob("tts")))

	files, err := filepath.Glob(filepath.Join(dir, "tts", "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, filepath.Base(files[0]), "6f1c2b1e")

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	job, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "esp32-01", job.DeviceID)

	temps, _ := filepath.Glob(filepath.Join(dir, "tts", ".job-*"))
	assert.Empty(t, temps)
}

func TestFileQueueCancelledContext(t *testing.T) {
	fq, err := NewFileQueue(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, fq.Push(ctx, testJob("mqtt")), context.Canceled)
}

type recordingBackend struct {
	mu     sync.Mutex
	jobs   []model.ProcessingJob
	err    error
	closed bool
}

func (b *recordingBackend) Push(_ context.Context, job model.ProcessingJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *recordingBackend) Close() error {
	b.closed = true
	return nil
}

func TestMirrored(t *testing.T) {
	primary := &recordingBackend{}
	broken := &recordingBackend{err: errors.New("disk full")}
	audit := &recordingBackend{}

	m := NewMirrored(primary, broken)
	m.AddMirror(audit)

	require.NoError(t, m.Push(context.Background(), testJob("mqtt")))
	assert.Len(t, primary.jobs, 1)
	assert.Len(t, audit.jobs, 1)

	primary.err = errors.New("unreachable")
	assert.Error(t, m.Push(context.Background(), testJob("mqtt")))
	assert.Len(t, audit.jobs, 1, "mirrors are skipped when the primary fails")

	require.NoError(t, m.Close())
	assert.True(t, primary.closed)
	assert.True(t, audit.closed)
}

func TestOpenNamed(t *testing.T) {
	dir := t.TempDir()
	conns := map[string]ConnectionConfig{
		"spool": {Driver: "file", Path: filepath.Join(dir, "a")},
		"audit": {Driver: "file", Path: filepath.Join(dir, "b")},
	}

	b, err := OpenNamed(context.Background(), conns, "spool", []string{"audit"})
	require.NoError(t, err)
	require.NoError(t, b.Push(context.Background(), testJob("mqtt")))

	for _, sub := range []string{"a", "b"} {
		files, _ := filepath.Glob(filepath.Join(dir, sub, "mqtt", "*.json"))
		assert.Len(t, files, 1, sub)
	}

	_, err = OpenNamed(context.Background(), conns, "missing", nil)
	assert.Error(t, err)

	_, err = Open(context.Background(), ConnectionConfig{Driver: "sqs"})
	assert.Error(t, err)
}

func TestParsePostgreSQLDSN(t *testing.T) {
	db, server, err := parsePostgreSQLDSN("postgres://u:p@localhost:5432/telemetry?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "telemetry", db)
	assert.Equal(t, "postgres://u:p@localhost:5432/postgres?sslmode=disable", server)

	db, server, err = parsePostgreSQLDSN("host=localhost user=u dbname=telemetry sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "telemetry", db)
	assert.Equal(t, "host=localhost user=u sslmode=disable dbname=postgres", server)

	_, _, err = parsePostgreSQLDSN("host=localhost")
	assert.Error(t, err)
	_, _, err = parsePostgreSQLDSN("postgres://localhost")
	assert.Error(t, err)
	_, _, err = parsePostgreSQLDSN("postgresql://localhost")
	assert.Error(t, err)
}
