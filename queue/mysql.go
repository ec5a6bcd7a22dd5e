package queue

import (
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/sensor-bridge/logger"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS ingest_jobs (
	id CHAR(36) PRIMARY KEY,
	queue VARCHAR(64) NOT NULL,
	device_id VARCHAR(255) NOT NULL,
	payload JSON NOT NULL,
	attempts_left INT NOT NULL,
	max_tries INT NOT NULL,
	timeout_ms BIGINT NOT NULL,
	backoff_ms JSON NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'pending',
	available_at DATETIME(6) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	INDEX idx_queue_available (queue, status, available_at),
	INDEX idx_device_id (device_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

const mysqlInsert = `INSERT INTO ingest_jobs
	(id, queue, device_id, payload, attempts_left, max_tries, timeout_ms, backoff_ms, available_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// NewMySQLQueue connects to MySQL, creating the database and the jobs
// table when they do not exist yet
func NewMySQLQueue(dsn string) (Backend, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN failed: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("MySQL DSN has no database name")
	}
	cfg.ParseTime = true

	database := cfg.DBName
	server := cfg.Clone()
	server.DBName = ""

	serverDB, err := sql.Open("mysql", server.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("connect MySQL server failed: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("create database failed: %w", err)
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("connect MySQL database failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL ping failed: %w", err)
	}
	configurePool(db)

	if _, err := db.Exec(mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ingest_jobs table failed: %w", err)
	}

	logger.Info("MySQL queue ready (database %s)", database)
	return &sqlQueue{db: db, name: "mysql", insert: mysqlInsert}, nil
}
