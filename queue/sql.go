package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/model"
)

// sqlQueue stores jobs in an ingest_jobs table shared by the MySQL and
// PostgreSQL backends. The runner claims rows by available_at and
// decrements attempts_left; rows reaching zero are dead-lettered.
type sqlQueue struct {
	db     *sql.DB
	name   string
	insert string
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)
}

// Push implements Backend
func (q *sqlQueue) Push(ctx context.Context, job model.ProcessingJob) error {
	readings, err := json.Marshal(job.Readings)
	if err != nil {
		return fmt.Errorf("serialize readings failed: %w", err)
	}

	backoff := make([]int64, len(job.Backoff))
	for i, d := range job.Backoff {
		backoff[i] = d.Milliseconds()
	}
	backoffJSON, err := json.Marshal(backoff)
	if err != nil {
		return fmt.Errorf("serialize backoff failed: %w", err)
	}

	_, err = q.db.ExecContext(ctx, q.insert,
		job.ID,
		job.Queue,
		job.DeviceID,
		string(readings),
		job.MaxTries-job.Attempts,
		job.MaxTries,
		job.Timeout.Milliseconds(),
		string(backoffJSON),
		job.CreatedAt.UTC(),
		job.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job into %s failed: %w", q.name, err)
	}

	logger.Debug("stored job %s in %s queue table", job.ID, q.name)
	return nil
}

// Close implements Backend
func (q *sqlQueue) Close() error {
	if q.db == nil {
		return nil
	}
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("close %s connection failed: %w", q.name, err)
	}
	logger.Info("%s queue connection closed", q.name)
	return nil
}
