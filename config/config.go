// Package config loads the server configuration from a YAML file and the environment.
package config

import (
	"net"
	"os"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable that points to an optional YAML config file.
const FileEnv = "DISPATCH_CONFIG_FILE"

// Config holds everything needed to run a dispatch server. Values come from [Default], are overwritten by the
// YAML file named in [FileEnv] and finally by environment variables.
type Config struct {
	Host              string        `yaml:"host" env:"DISPATCH_HOST"`
	Port              int           `yaml:"port" env:"DISPATCH_PORT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"DISPATCH_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"DISPATCH_READ_HEADER_TIMEOUT"`
	MaxContentLength  int64         `yaml:"max_content_length" env:"DISPATCH_MAX_CONTENT_LENGTH"`
	Workers           int           `yaml:"workers" env:"DISPATCH_WORKERS"`
	BlockedPaths      []string      `yaml:"blocked_paths" env:"DISPATCH_BLOCKED_PATHS" envSeparator:","`
	MultipartMemory   int64         `yaml:"multipart_memory" env:"DISPATCH_MULTIPART_MEMORY"`
	TLSCertFile       string        `yaml:"tls_cert_file" env:"DISPATCH_TLS_CERT_FILE"`
	TLSKeyFile        string        `yaml:"tls_key_file" env:"DISPATCH_TLS_KEY_FILE"`
	ServiceName       string        `yaml:"service_name" env:"DISPATCH_SERVICE_NAME"`
	LogLevel          zapcore.Level `yaml:"log_level" env:"DISPATCH_LOG_LEVEL"`
	// OtelExporter selects the span exporter: "stdout", "xrayudp" or "none".
	OtelExporter string `yaml:"otel_exporter" env:"DISPATCH_OTEL_EXPORTER"`
	// MetricsAddr is where the prometheus endpoint listens. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr" env:"DISPATCH_METRICS_ADDR"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:              8080,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxContentLength:  10 << 20,
		Workers:           2 * runtime.NumCPU(),
		BlockedPaths:      []string{"/favicon.ico"},
		MultipartMemory:   32 << 20,
		ServiceName:       "bdispatch",
		LogLevel:          zapcore.InfoLevel,
		OtelExporter:      "none",
		MetricsAddr:       ":9090",
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse environment")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadFile overwrites the fields set in the YAML file at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %q", path)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to decode config file %q", path)
	}

	return nil
}

var exporters = []string{"stdout", "xrayudp", "none"}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return errors.Newf("invalid port: %d", c.Port)
	case c.IdleTimeout <= 0:
		return errors.Newf("idle timeout must be positive, got %s", c.IdleTimeout)
	case c.ReadHeaderTimeout < 0:
		return errors.Newf("read header timeout must not be negative, got %s", c.ReadHeaderTimeout)
	case c.MaxContentLength <= 0:
		return errors.Newf("max content length must be positive, got %d", c.MaxContentLength)
	case c.Workers <= 0:
		return errors.Newf("workers must be positive, got %d", c.Workers)
	case c.MultipartMemory <= 0:
		return errors.Newf("multipart memory must be positive, got %d", c.MultipartMemory)
	case (c.TLSCertFile == "") != (c.TLSKeyFile == ""):
		return errors.New("tls requires both a certificate and a key file")
	case !slices.Contains(exporters, c.OtelExporter):
		return errors.Newf("unsupported otel exporter: %q (supported: %v)", c.OtelExporter, exporters)
	}

	return nil
}

// Addr is the listen address of the dispatch server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLS reports whether the server terminates TLS itself.
func (c Config) TLS() bool {
	return c.TLSCertFile != ""
}
