// Package config loads tool configuration from a YAML file with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string         `yaml:"log_format" env:"LOG_FORMAT"` // json or text
	Keys      KeysConfig     `yaml:"keys"`
	Envelope  EnvelopeConfig `yaml:"envelope"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Audit     AuditConfig    `yaml:"audit"`
	Tracing   TracingConfig  `yaml:"tracing"`
}

// KeysConfig holds key material locations.
type KeysConfig struct {
	IdentityFile string `yaml:"identity_file" env:"KEYS_IDENTITY_FILE"`
	PeerKeyFile  string `yaml:"peer_key_file" env:"KEYS_PEER_KEY_FILE"`
	WatchReload  bool   `yaml:"watch_reload" env:"KEYS_WATCH_RELOAD"` // Reload identity on file change / SIGHUP
}

// EnvelopeConfig holds sealing defaults. Algorithm names are symbolic; the
// CLI maps them onto wire identifiers.
type EnvelopeConfig struct {
	FormatVersion int    `yaml:"format_version" env:"ENVELOPE_FORMAT_VERSION"` // 1 (legacy) or 2
	ChunkSize     int    `yaml:"chunk_size" env:"ENVELOPE_CHUNK_SIZE"`         // Bytes per chunk
	AEAD          string `yaml:"aead" env:"ENVELOPE_AEAD"`
	Hash          string `yaml:"hash" env:"ENVELOPE_HASH"`
	KDF           string `yaml:"kdf" env:"ENVELOPE_KDF"`
	DataType      string `yaml:"data_type" env:"ENVELOPE_DATA_TYPE"`
}

// MetricsConfig holds the optional Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled" env:"METRICS_ENABLED"`
	ListenAddr   string        `yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"METRICS_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"METRICS_WRITE_TIMEOUT"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int    `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
	LogFile   string `yaml:"log_file" env:"AUDIT_LOG_FILE"`     // Optional JSONL sink
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"` // 0.0-1.0
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Envelope: EnvelopeConfig{
			FormatVersion: 2,
			ChunkSize:     64 * 1024,
			AEAD:          "AES256-GCM",
			Hash:          "SHA-256",
			KDF:           "HKDF",
			DataType:      "opaque",
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			ListenAddr:   ":9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "envseal",
			ServiceVersion: "dev",
			SamplingRatio:  1.0,
		},
	}

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.LogFormat = v
	}
	if v := os.Getenv("KEYS_IDENTITY_FILE"); v != "" {
		config.Keys.IdentityFile = v
	}
	if v := os.Getenv("KEYS_PEER_KEY_FILE"); v != "" {
		config.Keys.PeerKeyFile = v
	}
	if v := os.Getenv("KEYS_WATCH_RELOAD"); v != "" {
		config.Keys.WatchReload = v == "true" || v == "1"
	}
	if v := os.Getenv("ENVELOPE_FORMAT_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Envelope.FormatVersion = n
		}
	}
	if v := os.Getenv("ENVELOPE_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Envelope.ChunkSize = n
		}
	}
	if v := os.Getenv("ENVELOPE_AEAD"); v != "" {
		config.Envelope.AEAD = v
	}
	if v := os.Getenv("ENVELOPE_HASH"); v != "" {
		config.Envelope.Hash = v
	}
	if v := os.Getenv("ENVELOPE_KDF"); v != "" {
		config.Envelope.KDF = v
	}
	if v := os.Getenv("ENVELOPE_DATA_TYPE"); v != "" {
		config.Envelope.DataType = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		config.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("METRICS_LISTEN_ADDR"); v != "" {
		config.Metrics.ListenAddr = v
	}
	if v := os.Getenv("METRICS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Metrics.ReadTimeout = d
		}
	}
	if v := os.Getenv("METRICS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Metrics.WriteTimeout = d
		}
	}
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.MaxEvents = n
		}
	}
	if v := os.Getenv("AUDIT_LOG_FILE"); v != "" {
		config.Audit.LogFile = v
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	if c.LogFormat != "" && c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s (must be json or text)", c.LogFormat)
	}

	if c.Envelope.FormatVersion != 1 && c.Envelope.FormatVersion != 2 {
		return fmt.Errorf("invalid envelope.format_version: %d (must be 1 or 2)", c.Envelope.FormatVersion)
	}

	if c.Envelope.ChunkSize <= 0 || c.Envelope.ChunkSize >= 128*1024*1024 {
		return fmt.Errorf("invalid envelope.chunk_size: %d (must be positive and below 128 MiB)", c.Envelope.ChunkSize)
	}

	allowedAEAD := map[string]bool{
		"AES256-GCM":        true,
		"ChaCha20-Poly1305": true,
	}
	if !allowedAEAD[c.Envelope.AEAD] {
		return fmt.Errorf("invalid envelope.aead: %s", c.Envelope.AEAD)
	}

	allowedHash := map[string]bool{
		"BLAKE3":   true,
		"SHA-256":  true,
		"SHA3-256": true,
	}
	if !allowedHash[c.Envelope.Hash] {
		return fmt.Errorf("invalid envelope.hash: %s", c.Envelope.Hash)
	}

	allowedKDF := map[string]bool{
		"HKDF":          true,
		"PBKDF2-SHA256": true,
		"Argon2id":      true,
		"Scrypt":        true,
	}
	if !allowedKDF[c.Envelope.KDF] {
		return fmt.Errorf("invalid envelope.kdf: %s", c.Envelope.KDF)
	}

	// Version 1 envelopes fix every algorithm except the AEAD.
	if c.Envelope.FormatVersion == 1 {
		if c.Envelope.Hash != "SHA-256" {
			return fmt.Errorf("envelope.format_version 1 supports only hash SHA-256, got %s", c.Envelope.Hash)
		}
		if c.Envelope.KDF != "HKDF" {
			return fmt.Errorf("envelope.format_version 1 supports only kdf HKDF, got %s", c.Envelope.KDF)
		}
	}

	allowedDataType := map[string]bool{
		"opaque": true,
		"file":   true,
		"audio":  true,
		"sensor": true,
	}
	if !allowedDataType[c.Envelope.DataType] {
		return fmt.Errorf("invalid envelope.data_type: %s", c.Envelope.DataType)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	if c.Audit.Enabled && c.Audit.MaxEvents <= 0 {
		return fmt.Errorf("audit.max_events must be positive when audit is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
	}

	return nil
}
