package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/sensor-bridge/backoff"
	"github.com/eddielth/sensor-bridge/broker"
	"github.com/eddielth/sensor-bridge/decoder"
	"github.com/eddielth/sensor-bridge/device"
	"github.com/eddielth/sensor-bridge/dispatcher"
	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/model"
	"github.com/eddielth/sensor-bridge/mqtt"
	"github.com/eddielth/sensor-bridge/normalizer"
	"github.com/eddielth/sensor-bridge/queue"
	"github.com/eddielth/sensor-bridge/validator"
)

// EnvPrefix prefixes environment overrides, e.g. SENSOR_BRIDGE_MQTT_KEEPALIVE
const EnvPrefix = "SENSOR_BRIDGE"

// Config is the application configuration
type Config struct {
	MQTT                MQTTConfig                `mapstructure:"mqtt"`
	Backoff             BackoffConfig             `mapstructure:"backoff"`
	Queue               QueueConfig               `mapstructure:"queue"`
	Brokers             []broker.Profile          `mapstructure:"brokers"`
	ProblematicBrokers  []string                  `mapstructure:"problematic_brokers"`
	ConservativeProfile broker.Profile            `mapstructure:"conservative_profile"`
	Sensors             SensorsConfig             `mapstructure:"sensors"`
	Decoders            map[string]decoder.Script `mapstructure:"decoders"`
	Webhook             WebhookConfig             `mapstructure:"webhook"`
	HTTP                HTTPConfig                `mapstructure:"http"`
	Logger              LoggerConfig              `mapstructure:"logger"`
	Devices             []model.DeviceEndpoint    `mapstructure:"devices"`
}

// MQTTConfig holds the connection defaults
type MQTTConfig struct {
	ConnectTimeout         time.Duration    `mapstructure:"connect_timeout"`
	Keepalive              time.Duration    `mapstructure:"keepalive"`
	QoS                    byte             `mapstructure:"qos"`
	MessageProcessingSleep time.Duration    `mapstructure:"message_processing_sleep"`
	DeviceReloadInterval   time.Duration    `mapstructure:"device_reload_interval"`
	Workers                int              `mapstructure:"workers"` // async dispatch shards
	Buffer                 int              `mapstructure:"buffer"`  // pending messages per shard
	TLS                    mqtt.TLSSettings `mapstructure:"tls"`
}

// BackoffConfig is the reconnect backoff
type BackoffConfig struct {
	Delays           []time.Duration `mapstructure:"delays"`
	MaxAttempts      int             `mapstructure:"max_attempts"`
	JitterPercentage float64         `mapstructure:"jitter_percentage"`
}

// QueueConfig selects the queue backend and the job parameters
type QueueConfig struct {
	Connection    string                            `mapstructure:"connection"`
	Mirrors       []string                          `mapstructure:"mirrors"`
	DefaultQueue  string                            `mapstructure:"default_queue"`
	ReservedQueue string                            `mapstructure:"reserved_queue"`
	JobTimeout    time.Duration                     `mapstructure:"job_timeout"`
	JobTries      int                               `mapstructure:"job_tries"`
	JobBackoff    []time.Duration                   `mapstructure:"job_backoff"`
	Connections   map[string]queue.ConnectionConfig `mapstructure:"connections"`
}

// SensorsConfig extends the built-in sensor vocabulary
type SensorsConfig struct {
	Mappings    map[string]string          `mapstructure:"mappings"`
	Units       map[string]string          `mapstructure:"units"`
	UnitAliases map[string]string          `mapstructure:"unit_aliases"`
	Ranges      map[string]validator.Range `mapstructure:"ranges"`
}

// WebhookConfig configures webhook tokens and instruction URLs
type WebhookConfig struct {
	Secret  string `mapstructure:"secret"`
	BaseURL string `mapstructure:"base_url"`
}

// HTTPConfig configures the HTTP listener
type HTTPConfig struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggerConfig configures logging
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.connect_timeout", "5s")
	v.SetDefault("mqtt.keepalive", "60s")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.message_processing_sleep", "100ms")
	v.SetDefault("mqtt.device_reload_interval", "60s")
	v.SetDefault("mqtt.workers", 8)
	v.SetDefault("mqtt.buffer", 256)
	v.SetDefault("mqtt.tls.verify_peer", true)
	v.SetDefault("mqtt.tls.verify_peer_name", true)
	v.SetDefault("mqtt.tls.certificates_path", "certificates")

	v.SetDefault("backoff.delays", []string{"5s", "10s", "30s", "60s", "120s"})
	v.SetDefault("backoff.max_attempts", 3)
	v.SetDefault("backoff.jitter_percentage", 10)

	v.SetDefault("queue.connection", "file")
	v.SetDefault("queue.default_queue", "mqtt")
	v.SetDefault("queue.reserved_queue", "tts")
	v.SetDefault("queue.job_timeout", "30s")
	v.SetDefault("queue.job_tries", 3)
	v.SetDefault("queue.job_backoff", []string{"5s", "10s", "30s"})
	v.SetDefault("queue.connections.file.driver", string(queue.File))
	v.SetDefault("queue.connections.file.path", "./data/queue")

	v.SetDefault("problematic_brokers", broker.DefaultProblematic())

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.base_url", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
}

// Loader reads the configuration file with environment overrides
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for the YAML file at path. An empty path
// loads defaults and environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return &Loader{v: v, path: path}
}

// Load reads the file and returns the configuration
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at runtime
func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("mqtt.connect_timeout must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS))
	}
	if c.Backoff.JitterPercentage < 0 || c.Backoff.JitterPercentage > 100 {
		errs = append(errs, fmt.Errorf("backoff.jitter_percentage %v is not within 0..100", c.Backoff.JitterPercentage))
	}
	if c.Backoff.MaxAttempts < 0 {
		errs = append(errs, errors.New("backoff.max_attempts must not be negative"))
	}
	if _, ok := c.Queue.Connections[c.Queue.Connection]; !ok {
		errs = append(errs, fmt.Errorf("queue.connection %q is not defined under queue.connections", c.Queue.Connection))
	}
	for _, name := range c.Queue.Mirrors {
		if _, ok := c.Queue.Connections[name]; !ok {
			errs = append(errs, fmt.Errorf("queue mirror %q is not defined under queue.connections", name))
		}
	}
	return errors.Join(errs...)
}

// Watch calls cb with the new configuration whenever the file is
// written. Bursts of writes within two seconds are collapsed.
func (l *Loader) Watch(cb func(*Config) error) error {
	if l.path == "" {
		return errors.New("no config file to watch")
	}
	var (
		mu   sync.Mutex
		last time.Time
	)
	const debounceInterval = 2 * time.Second

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		now := time.Now()
		if now.Sub(last) < debounceInterval {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		cfg, err := l.decode()
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}
		if err := cb(cfg); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}
		logger.Info("config reloaded")
	})
	l.v.WatchConfig()
	return nil
}

// LoggerConfig converts the section for the logger package
func (c *Config) LoggerConfig() logger.LoggerConfig {
	return logger.LoggerConfig{
		Level:      c.Logger.Level,
		FilePath:   c.Logger.FilePath,
		MaxSize:    c.Logger.MaxSize,
		MaxBackups: c.Logger.MaxBackups,
		Console:    c.Logger.Console,
	}
}

// Tables returns the built-in sensor tables overlaid with configured entries
func (c *Config) Tables() normalizer.Tables {
	return normalizer.DefaultTables().Merge(normalizer.Tables{
		Mappings:    c.Sensors.Mappings,
		Units:       c.Sensors.Units,
		UnitAliases: c.Sensors.UnitAliases,
	})
}

// Ranges returns the built-in plausibility ranges overlaid with configured ones
func (c *Config) Ranges() map[string]validator.Range {
	ranges := validator.DefaultRanges()
	for k, r := range c.Sensors.Ranges {
		ranges[strings.ToLower(k)] = r
	}
	return ranges
}

// BrokerConfig returns the resolver configuration. Without a configured
// table the built-in profiles are used.
func (c *Config) BrokerConfig() broker.Config {
	profiles := c.Brokers
	if len(profiles) == 0 {
		profiles = broker.DefaultProfiles()
	}
	return broker.Config{
		Profiles:       profiles,
		Problematic:    c.ProblematicBrokers,
		Conservative:   c.ConservativeProfile,
		ConnectTimeout: c.MQTT.ConnectTimeout,
	}
}

// BackoffPolicy builds the reconnect backoff policy
func (c *Config) BackoffPolicy() *backoff.Policy {
	return backoff.New(c.Backoff.Delays, c.Backoff.JitterPercentage/100)
}

// DispatcherConfig returns the job parameters
func (c *Config) DispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		DefaultQueue:  c.Queue.DefaultQueue,
		ReservedQueue: c.Queue.ReservedQueue,
		MaxTries:      c.Queue.JobTries,
		Timeout:       c.Queue.JobTimeout,
		Backoff:       c.Queue.JobBackoff,
	}
}

// DeviceDefaults returns the values applied to devices that leave them empty
func (c *Config) DeviceDefaults() device.Defaults {
	return device.Defaults{
		Keepalive:            c.MQTT.Keepalive,
		MaxReconnectAttempts: c.Backoff.MaxAttempts,
		QoS:                  c.MQTT.QoS,
	}
}
