//go:build integration

package queue

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgreSQLQueueIntegration(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "bridge",
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=bridge password=secret dbname=telemetry sslmode=disable", host, port.Port())
	backend, err := NewPostgreSQLQueue(dsn)
	require.NoError(t, err)
	defer backend.Close()

	job := testJob("tts")
	require.NoError(t, backend.Push(ctx, job))

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	var queue string
	var attemptsLeft int
	err = db.QueryRow("SELECT queue, attempts_left FROM ingest_jobs WHERE id = $1", job.ID).Scan(&queue, &attemptsLeft)
	require.NoError(t, err)
	assert.Equal(t, "tts", queue)
	assert.Equal(t, 3, attemptsLeft)
}
