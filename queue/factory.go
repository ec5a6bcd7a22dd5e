package queue

import (
	"context"
	"fmt"
)

// Driver names a queue backend implementation
type Driver string

const (
	File       Driver = "file"
	MySQL      Driver = "mysql"
	PostgreSQL Driver = "postgresql"
	Redis      Driver = "redis"
	Kafka      Driver = "kafka"
)

// ConnectionConfig describes one named queue connection
type ConnectionConfig struct {
	Driver  string   `mapstructure:"driver"`
	DSN     string   `mapstructure:"dsn"`     // mysql, postgresql
	URL     string   `mapstructure:"url"`     // redis
	Path    string   `mapstructure:"path"`    // file
	Brokers []string `mapstructure:"brokers"` // kafka
	Prefix  string   `mapstructure:"prefix"`  // redis key / kafka topic prefix
}

// Open creates the backend described by cfg
func Open(ctx context.Context, cfg ConnectionConfig) (Backend, error) {
	switch Driver(cfg.Driver) {
	case File:
		path := cfg.Path
		if path == "" {
			path = "./spool"
		}
		return NewFileQueue(path)
	case MySQL:
		return NewMySQLQueue(cfg.DSN)
	case PostgreSQL, "postgres":
		return NewPostgreSQLQueue(cfg.DSN)
	case Redis:
		return NewRedisQueue(ctx, cfg.URL, cfg.Prefix)
	case Kafka:
		return NewKafkaQueue(cfg.Brokers, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %q", cfg.Driver)
	}
}

// OpenNamed opens the primary connection and any mirrors by name
func OpenNamed(ctx context.Context, connections map[string]ConnectionConfig, primary string, mirrors []string) (Backend, error) {
	cfg, ok := connections[primary]
	if !ok {
		return nil, fmt.Errorf("queue connection %q is not configured", primary)
	}
	backend, err := Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue connection %q: %w", primary, err)
	}
	if len(mirrors) == 0 {
		return backend, nil
	}

	m := NewMirrored(backend)
	for _, name := range mirrors {
		mcfg, ok := connections[name]
		if !ok {
			m.Close()
			return nil, fmt.Errorf("queue connection %q is not configured", name)
		}
		b, err := Open(ctx, mcfg)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open queue connection %q: %w", name, err)
		}
		m.AddMirror(b)
	}
	return m, nil
}
