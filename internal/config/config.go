package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all wispr-broadcast environment variables.
const EnvPrefix = "WISPR_BROADCAST_"

const (
	defaultQueueSize      = 64
	defaultCommandBuffer  = 256
	defaultWriteTimeout   = 5 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultSocketMode     = fs.FileMode(0o600)
)

// Config holds the daemon and subscriber configuration. Empty paths disable
// the feature they configure, except SocketPath which falls back to the
// per-user runtime directory.
type Config struct {
	SocketPath     string `yaml:"socket_path"`
	SocketMode     string `yaml:"socket_mode"`
	QueueSize      int    `yaml:"queue_size"`
	CommandBuffer  int    `yaml:"command_buffer"`
	WriteTimeout   string `yaml:"write_timeout"`
	SilenceTimeout string `yaml:"silence_timeout"`
	HistoryDBPath  string `yaml:"history_db_path"`
	TranscriptDir  string `yaml:"transcript_dir"`
	LogLevel       string `yaml:"log_level"`
	LogDir         string `yaml:"log_dir"`
	ReconnectDelay string `yaml:"reconnect_delay"`
}

func defaults() Config {
	return Config{
		SocketMode:     "0600",
		QueueSize:      defaultQueueSize,
		CommandBuffer:  defaultCommandBuffer,
		WriteTimeout:   defaultWriteTimeout.String(),
		LogLevel:       "info",
		ReconnectDelay: defaultReconnectDelay.String(),
	}
}

// PathFromEnv returns the config file path named by WISPR_BROADCAST_CONFIG,
// or fallback when unset.
func PathFromEnv(fallback string) string {
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return fallback
}

// LoadEnvFile exports the variables in a dotenv file into the process
// environment so Load sees them. Variables already set win. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, and validates the result. It returns the
// config, any validation warnings, and an error if the file exists but cannot
// be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedWriteTimeout returns WriteTimeout as a time.Duration, falling back
// to 5s if the value is invalid.
func (c *Config) ParsedWriteTimeout() time.Duration {
	return parsePositiveDuration(c.WriteTimeout, defaultWriteTimeout)
}

// ParsedReconnectDelay returns ReconnectDelay as a time.Duration, falling
// back to 5s if the value is invalid.
func (c *Config) ParsedReconnectDelay() time.Duration {
	return parsePositiveDuration(c.ReconnectDelay, defaultReconnectDelay)
}

// ParsedSilenceTimeout returns SilenceTimeout as a time.Duration. Zero means
// idle sessions are never ended automatically.
func (c *Config) ParsedSilenceTimeout() time.Duration {
	return parsePositiveDuration(c.SilenceTimeout, 0)
}

// ParsedSocketMode returns SocketMode as permission bits, falling back to 0600.
func (c *Config) ParsedSocketMode() fs.FileMode {
	mode, err := parseMode(c.SocketMode)
	if err != nil {
		return defaultSocketMode
	}
	return mode
}

func (c *Config) EffectiveQueueSize() int {
	if c.QueueSize <= 0 {
		return defaultQueueSize
	}
	return c.QueueSize
}

func (c *Config) EffectiveCommandBuffer() int {
	if c.CommandBuffer <= 0 {
		return defaultCommandBuffer
	}
	return c.CommandBuffer
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv(EnvPrefix + "SOCKET_MODE"); v != "" {
		cfg.SocketMode = v
	}
	if v := os.Getenv(EnvPrefix + "QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.QueueSize = n
		}
	}
	if v := os.Getenv(EnvPrefix + "COMMAND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.CommandBuffer = n
		}
	}
	if v := os.Getenv(EnvPrefix + "WRITE_TIMEOUT"); v != "" {
		cfg.WriteTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "SILENCE_TIMEOUT"); v != "" {
		cfg.SilenceTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "HISTORY_DB_PATH"); v != "" {
		cfg.HistoryDBPath = v
	}
	if v := os.Getenv(EnvPrefix + "TRANSCRIPT_DIR"); v != "" {
		cfg.TranscriptDir = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv(EnvPrefix + "RECONNECT_DELAY"); v != "" {
		cfg.ReconnectDelay = v
	}
}

func validate(cfg *Config) []string {
	var warnings []string

	if _, err := parseMode(cfg.SocketMode); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid socket_mode %q, using 0600.", cfg.SocketMode))
	}
	if cfg.QueueSize <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid queue_size %d, using %d.", cfg.QueueSize, defaultQueueSize))
	}
	if cfg.CommandBuffer <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid command_buffer %d, using %d.", cfg.CommandBuffer, defaultCommandBuffer))
	}
	if !validDuration(cfg.WriteTimeout) {
		warnings = append(warnings, fmt.Sprintf("Invalid write_timeout %q, using default 5s.", cfg.WriteTimeout))
	}
	if !validDuration(cfg.ReconnectDelay) {
		warnings = append(warnings, fmt.Sprintf("Invalid reconnect_delay %q, using default 5s.", cfg.ReconnectDelay))
	}
	if cfg.SilenceTimeout != "" && !validDuration(cfg.SilenceTimeout) {
		warnings = append(warnings, fmt.Sprintf("Invalid silence_timeout %q, idle sessions will not be ended automatically.", cfg.SilenceTimeout))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown log_level %q, using info.", cfg.LogLevel))
	}

	return warnings
}

func validDuration(raw string) bool {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	return err == nil && d > 0
}

func parsePositiveDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseMode(raw string) (fs.FileMode, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 8, 32)
	if err != nil {
		return 0, err
	}
	if n > 0o777 {
		return 0, fmt.Errorf("mode %q out of range", raw)
	}
	return fs.FileMode(n), nil
}
