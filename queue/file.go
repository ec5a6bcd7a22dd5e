package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/model"
)

// FileQueue spools jobs as JSON files, one directory per queue
type FileQueue struct {
	basePath string
}

// NewFileQueue creates the spool directory
func NewFileQueue(basePath string) (*FileQueue, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file queue: %s", basePath)
	return &FileQueue{basePath: basePath}, nil
}

// Push writes the job atomically to <base>/<queue>/<created>-<id>.json
func (fq *FileQueue) Push(ctx context.Context, job model.ProcessingJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(fq.basePath, filepath.Base(job.Queue))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", dir, err)
	}

	data, err := Encode(job)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s-%s.json", job.CreatedAt.UTC().Format("20060102-150405.000000"), job.ID)
	tmp, err := os.CreateTemp(dir, ".job-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s failed: %w", dir, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write job %s failed: %w", job.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close job file failed: %w", err)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename job file failed: %w", err)
	}

	logger.Debug("spooled job %s to %s", job.ID, target)
	return nil
}

// Close implements Backend
func (fq *FileQueue) Close() error {
	return nil
}
