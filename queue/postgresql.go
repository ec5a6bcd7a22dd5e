package queue

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/eddielth/sensor-bridge/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ingest_jobs (
	id UUID PRIMARY KEY,
	queue VARCHAR(64) NOT NULL,
	device_id VARCHAR(255) NOT NULL,
	payload JSONB NOT NULL,
	attempts_left INTEGER NOT NULL,
	max_tries INTEGER NOT NULL,
	timeout_ms BIGINT NOT NULL,
	backoff_ms JSONB NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'pending',
	available_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_jobs_queue ON ingest_jobs(queue, status, available_at);
CREATE INDEX IF NOT EXISTS idx_ingest_jobs_device ON ingest_jobs(device_id);
`

const postgresInsert = `INSERT INTO ingest_jobs
	(id, queue, device_id, payload, attempts_left, max_tries, timeout_ms, backoff_ms, available_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// NewPostgreSQLQueue connects to PostgreSQL, creating the database and
// the jobs table when they do not exist yet
func NewPostgreSQLQueue(dsn string) (Backend, error) {
	database, serverDSN, err := parsePostgreSQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse PostgreSQL DSN failed: %w", err)
	}

	serverDB, err := sql.Open("postgres", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect PostgreSQL server failed: %w", err)
	}
	defer serverDB.Close()

	var exists bool
	err = serverDB.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", database).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check database failed: %w", err)
	}
	if !exists {
		// CREATE DATABASE cannot run inside a transaction or take parameters
		if _, err := serverDB.Exec("CREATE DATABASE " + pq.QuoteIdentifier(database)); err != nil {
			return nil, fmt.Errorf("create database failed: %w", err)
		}
		logger.Info("created PostgreSQL database %s", database)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect PostgreSQL database failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("PostgreSQL ping failed: %w", err)
	}
	configurePool(db)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ingest_jobs table failed: %w", err)
	}

	logger.Info("PostgreSQL queue ready (database %s)", database)
	return &sqlQueue{db: db, name: "postgresql", insert: postgresInsert}, nil
}

// parsePostgreSQLDSN extracts the database name and returns a DSN
// pointing at the maintenance database on the same server.
// Both URL and key=value forms are accepted.
func parsePostgreSQLDSN(dsn string) (database string, serverDSN string, err error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		rest, query, _ := strings.Cut(dsn, "?")
		slash := strings.LastIndex(rest, "/")
		if slash < strings.Index(rest, "://")+3 {
			return "", "", fmt.Errorf("no database name in DSN")
		}
		database = rest[slash+1:]
		if database == "" {
			return "", "", fmt.Errorf("no database name in DSN")
		}
		serverDSN = rest[:slash] + "/postgres"
		if query != "" {
			serverDSN += "?" + query
		}
		return database, serverDSN, nil
	}

	var others []string
	for _, kv := range strings.Fields(dsn) {
		if name, ok := strings.CutPrefix(kv, "dbname="); ok {
			database = name
			continue
		}
		others = append(others, kv)
	}
	if database == "" {
		return "", "", fmt.Errorf("no database name in DSN")
	}
	return database, strings.Join(append(others, "dbname=postgres"), " "), nil
}
