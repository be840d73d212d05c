// Package config loads server settings from the environment, optionally
// layered over a YAML or TOML file named by CONFIG_FILE. Environment
// variables always win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/idmcalculus/Simplitics/internal/domain"
)

type Config struct {
	Port            string
	DatabaseURL     string
	QueueMaxSize    int
	BatchMaxSize    int
	BatchMaxWait    time.Duration
	MaxBodyBytes    int64
	RateLimitPerMin int
	AdminToken      string
	ClockSkew       time.Duration

	ConsentRequired   bool
	HashUserIDs       bool
	RetentionDays     int
	EncryptionKey     string
	HashSalt          string
	AllowEphemeralKey bool
	SweepInterval     time.Duration

	NATSURL         string
	AuditS3Bucket   string
	AuditS3Prefix   string
	AuditS3Region   string
	AuditS3Endpoint string

	LogLevel  string
	LogFormat string

	MetricsEnabled     bool
	MetricsLogInterval time.Duration
	TracingEnabled     bool
}

// Load reads the process environment and CONFIG_FILE, if set.
func Load() (Config, error) {
	file := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if file, err = readFile(path); err != nil {
			return Config{}, err
		}
	}
	return Parse(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	})
}

// Parse builds a Config from lookup and validates it.
func Parse(lookup func(key string) (string, bool)) (Config, error) {
	s := source{lookup: lookup}
	cfg := Config{
		Port:            s.getString("PORT", "8080"),
		DatabaseURL:     s.getString("DATABASE_URL", "memory"),
		QueueMaxSize:    s.getInt("QUEUE_MAX_SIZE", 10_000),
		BatchMaxSize:    s.getInt("BATCH_MAX_SIZE", 500),
		BatchMaxWait:    time.Duration(s.getInt("BATCH_MAX_WAIT_MS", 50)) * time.Millisecond,
		MaxBodyBytes:    int64(s.getInt("MAX_BODY_BYTES", 1_048_576)),
		RateLimitPerMin: s.getInt("RATE_LIMIT_PER_MIN", 600),
		AdminToken:      s.getString("ADMIN_TOKEN", ""),
		ClockSkew:       time.Duration(s.getInt("CLOCK_SKEW_SECONDS", 300)) * time.Second,

		ConsentRequired:   s.getBool("CONSENT_REQUIRED", true),
		HashUserIDs:       s.getBool("HASH_USER_IDS", true),
		RetentionDays:     s.getInt("RETENTION_DAYS", domain.DefaultRetentionDays),
		EncryptionKey:     s.getString("ENCRYPTION_KEY", ""),
		HashSalt:          s.getString("HASH_SALT", ""),
		AllowEphemeralKey: s.getBool("ALLOW_EPHEMERAL_KEY", false),
		SweepInterval:     s.getDuration("SWEEP_INTERVAL", 24*time.Hour),

		NATSURL:         s.getString("NATS_URL", ""),
		AuditS3Bucket:   s.getString("AUDIT_S3_BUCKET", ""),
		AuditS3Prefix:   s.getString("AUDIT_S3_PREFIX", "simplitics/audit"),
		AuditS3Region:   s.getString("AUDIT_S3_REGION", ""),
		AuditS3Endpoint: s.getString("AUDIT_S3_ENDPOINT", ""),

		LogLevel:  s.getString("LOG_LEVEL", "info"),
		LogFormat: s.getString("LOG_FORMAT", "text"),

		MetricsEnabled:     s.getBool("METRICS_ENABLED", true),
		MetricsLogInterval: s.getDuration("METRICS_LOG_INTERVAL", 0),
		TracingEnabled:     s.getBool("TRACING_ENABLED", false),
	}
	if err := errors.Join(append(s.errs, cfg.Validate())...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("QUEUE_MAX_SIZE", int64(c.QueueMaxSize))
	positive("BATCH_MAX_SIZE", int64(c.BatchMaxSize))
	positive("BATCH_MAX_WAIT_MS", int64(c.BatchMaxWait))
	positive("MAX_BODY_BYTES", c.MaxBodyBytes)
	positive("RATE_LIMIT_PER_MIN", int64(c.RateLimitPerMin))
	positive("SWEEP_INTERVAL", int64(c.SweepInterval))
	if c.BatchMaxSize > c.QueueMaxSize {
		errs = append(errs, fmt.Errorf("BATCH_MAX_SIZE (%d) exceeds QUEUE_MAX_SIZE (%d)", c.BatchMaxSize, c.QueueMaxSize))
	}
	if c.MetricsLogInterval < 0 {
		errs = append(errs, errors.New("METRICS_LOG_INTERVAL must not be negative"))
	}
	if c.ClockSkew < 0 {
		errs = append(errs, errors.New("CLOCK_SKEW_SECONDS must not be negative"))
	}
	if c.RetentionDays < 1 || c.RetentionDays > domain.MaxRetentionDays {
		errs = append(errs, fmt.Errorf("RETENTION_DAYS must be between 1 and %d", domain.MaxRetentionDays))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// readFile flattens a YAML or TOML document into env-style keys:
// "port" and "PORT" both map to PORT.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var m map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", ext)
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

type source struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (s *source) getString(key, def string) string {
	if v, ok := s.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (s *source) getInt(key string, def int) int {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (s *source) getBool(key string, def bool) bool {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// getDuration accepts Go durations ("12h") or a bare number of seconds.
func (s *source) getDuration(key string, def time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return def
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}
