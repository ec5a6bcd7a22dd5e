package model

import "time"

// ProcessingJob is the unit of work handed to the external queue runner
type ProcessingJob struct {
	ID        string             `json:"id"`
	DeviceID  string             `json:"device_id"`
	Queue     string             `json:"queue"`
	Readings  []CanonicalReading `json:"readings"`
	Attempts  int                `json:"attempts"`
	MaxTries  int                `json:"max_tries"`
	Timeout   time.Duration      `json:"timeout"`
	Backoff   []time.Duration    `json:"backoff"`
	CreatedAt time.Time          `json:"created_at"`
}

// BackoffFor returns the delay before retry number attempt (1-based),
// clamped to the last configured entry.
func (j ProcessingJob) BackoffFor(attempt int) time.Duration {
	if len(j.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(j.Backoff) {
		attempt = len(j.Backoff)
	}
	return j.Backoff[attempt-1]
}

// Exhausted reports whether the runner must dead-letter the job
func (j ProcessingJob) Exhausted() bool {
	return j.Attempts >= j.MaxTries
}

// JobHandle identifies an enqueued job
type JobHandle struct {
	ID         string
	Queue      string
	DeviceID   string
	EnqueuedAt time.Time
}
