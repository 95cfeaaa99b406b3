// Package config loads the TOML configuration of the logger.
//
// Absent keys keep their defaults, so an empty file (or no file at all) runs
// one topic against a local broker:
//
//	log_dir             = "logs"
//	max_file_size_mb    = 100
//	topics              = ["subscribe001"]
//	timeout_secs        = 1
//	log_retention_hours = 0        # <= 0 disables retention
//	host                = "localhost"
//	port                = 1883
//
// The configuration is a plain value threaded into the orchestrator; there is
// no process-wide config state.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-co-op/gocron/v2"

	"mqttlog/internal/logging"
	"mqttlog/internal/rotate"
)

var (
	// ErrNotFound is returned by Load, together with the defaults, when the
	// file does not exist.
	ErrNotFound = errors.New("config file not found")

	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid config")
)

// Broker types.
const (
	BrokerMQTT  = "mqtt"
	BrokerKafka = "kafka"
)

// Config is the full configuration.
type Config struct {
	LogDir            string   `toml:"log_dir"`
	MaxFileSizeMB     uint64   `toml:"max_file_size_mb"`
	Topics            []string `toml:"topics"`
	TimeoutSecs       uint64   `toml:"timeout_secs"`
	LogRetentionHours int64    `toml:"log_retention_hours"`
	Host              string   `toml:"host"`
	Port              uint16   `toml:"port"`

	// Broker selects the broker type: "mqtt" or "kafka".
	Broker         string `toml:"broker"`
	QoS            uint8  `toml:"qos"`
	KeepAliveSecs  uint64 `toml:"keep_alive_secs"`
	ClientIDPrefix string `toml:"client_id_prefix"`
	KafkaGroup     string `toml:"kafka_group"`

	NormalizeWorkers int      `toml:"normalize_workers"`
	CompressRotated  bool     `toml:"compress_rotated"`
	MaxOpenAttempts  int      `toml:"max_open_attempts"`
	SweepInterval    Duration `toml:"sweep_interval"`
	// SweepCron, if set, schedules retention sweeps by cron expression
	// (5-field, or 6-field with seconds) instead of SweepInterval.
	SweepCron string `toml:"sweep_cron"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	// LogLevels overrides the level per component, e.g. rotate = "debug".
	LogLevels map[string]string `toml:"log_levels"`
}

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		LogDir:            "logs",
		MaxFileSizeMB:     100,
		Topics:            []string{"subscribe001"},
		TimeoutSecs:       1,
		LogRetentionHours: 0,
		Host:              "localhost",
		Port:              1883,

		Broker:         BrokerMQTT,
		QoS:            1,
		KeepAliveSecs:  5,
		ClientIDPrefix: "mqtt_subscriber_",

		NormalizeWorkers: 1,
		MaxOpenAttempts:  5,
		SweepInterval:    Duration(time.Hour),

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads path on top of the defaults and validates the result. If the
// file does not exist it returns Default() and ErrNotFound.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML on top of the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys: %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.LogDir) == "" {
		add("log_dir is required")
	}
	if c.MaxFileSizeMB == 0 {
		add("max_file_size_mb must be at least 1")
	}
	if len(c.Topics) == 0 {
		add("topics must not be empty")
	}
	seen := make(map[string]string, len(c.Topics))
	for _, t := range c.Topics {
		if strings.TrimSpace(t) == "" {
			add("topics must not contain empty names")
			continue
		}
		// Topics that sanitize to the same name would share files.
		s := rotate.SanitizeTopic(t)
		if prev, ok := seen[s]; ok {
			add("topics %q and %q map to the same file name", prev, t)
		}
		seen[s] = t
	}
	if strings.TrimSpace(c.Host) == "" {
		add("host is required")
	}
	if c.Port == 0 {
		add("port is required")
	}
	if c.Broker != BrokerMQTT && c.Broker != BrokerKafka {
		add("broker must be %q or %q, got %q", BrokerMQTT, BrokerKafka, c.Broker)
	}
	if c.QoS > 2 {
		add("qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.NormalizeWorkers < 1 {
		add("normalize_workers must be at least 1")
	}
	if c.MaxOpenAttempts < 1 {
		add("max_open_attempts must be at least 1")
	}
	if c.SweepInterval <= 0 {
		add("sweep_interval must be positive")
	}
	if err := ValidateCron(c.SweepCron); err != nil {
		add("sweep_cron: %w", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format must be text or json, got %q", c.LogFormat)
	}
	for _, component := range slices.Sorted(maps.Keys(c.LogLevels)) {
		if _, err := logging.ParseLevel(c.LogLevels[component]); err != nil {
			add("log_levels.%s: %w", component, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ValidateCron checks a cron expression. Supports both 5-field
// (minute-level) and 6-field (second-level) syntax. Empty is valid.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// MaxFileSizeBytes returns the size limit in bytes.
func (c Config) MaxFileSizeBytes() uint64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

// IdleTimeout returns the idle rotation timeout. Zero disables it.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetentionWindow returns the retention window. Zero or negative disables
// the sweeper.
func (c Config) RetentionWindow() time.Duration {
	if c.LogRetentionHours <= 0 {
		return 0
	}
	return time.Duration(c.LogRetentionHours) * time.Hour
}

// KeepAlive returns the MQTT keepalive interval.
func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSecs) * time.Second
}

// ClientID returns the broker client id for topic.
func (c Config) ClientID(topic string) string {
	return c.ClientIDPrefix + rotate.SanitizeTopic(topic)
}

// RotationPolicy returns the rotation limits for every engine.
func (c Config) RotationPolicy() rotate.Policy {
	return rotate.Policy{
		MaxBytes:    c.MaxFileSizeBytes(),
		IdleTimeout: c.IdleTimeout(),
	}
}

// ApplyLogLevels configures per-component levels on the filter handler.
// Components no longer listed revert to the default level.
func (c Config) ApplyLogLevels(filter *logging.ComponentFilterHandler, previous Config) {
	for component := range previous.LogLevels {
		if _, ok := c.LogLevels[component]; !ok {
			filter.ClearLevel(component)
		}
	}
	for component, s := range c.LogLevels {
		level, err := logging.ParseLevel(s)
		if err != nil {
			continue
		}
		filter.SetLevel(component, level)
	}
}

// Level returns the parsed default log level, falling back to info.
func (c Config) Level() slog.Level {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// Save writes cfg as TOML atomically: temp file, round-trip check, rename.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(buf.String()), 0o640); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation: the written file must load back.
	check, err := os.ReadFile(filepath.Clean(tmpPath))
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	if _, err := Parse(check); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
