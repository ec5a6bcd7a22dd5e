package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks errors that retrying cannot fix
	ErrConfiguration = errors.New("configuration error")
	// ErrUnknownDevice is returned for ids that are not configured MQTT devices
	ErrUnknownDevice = errors.New("unknown mqtt device")
	// ErrConnectionLost is reported when the broker session drops
	ErrConnectionLost = errors.New("connection lost")
)

// ConfigError wraps a configuration error for one endpoint
type ConfigError struct {
	Err error
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConfiguration) match
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}
