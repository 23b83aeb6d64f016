// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/expstream/lib/offline"
)

// Environment selects which override section of the file applies.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// EnvironmentVariable names the variable [Load] reads the config path from.
const EnvironmentVariable = "EXPSTREAM_CONFIG"

// Config is the client configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Endpoint is the base URL of the tracking service.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates requests. Usually written as ${EXPSTREAM_API_KEY}
	// so the key stays out of the file.
	APIKey string `yaml:"api_key"`

	Workspace   string `yaml:"workspace"`
	ProjectName string `yaml:"project_name"`

	Offline    OfflineConfig    `yaml:"offline"`
	Connection ConnectionConfig `yaml:"connection"`
	Online     OnlineConfig     `yaml:"online"`
	Upload     UploadConfig     `yaml:"upload"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// OfflineConfig controls the local fallback.
type OfflineConfig struct {
	Enabled bool `yaml:"enabled"`

	// Directory receives finished archives.
	Directory string `yaml:"directory"`

	// KeepArchive creates an archive even when online delivery succeeded.
	KeepArchive bool `yaml:"keep_archive"`

	// Compression is one of "none", "zstd", "lz4".
	Compression string `yaml:"compression"`

	WaitTimeout string `yaml:"wait_timeout"`
}

// ConnectionConfig controls connectivity probing and shutdown bounds.
type ConnectionConfig struct {
	CheckInterval    string `yaml:"check_interval"`
	TerminateTimeout string `yaml:"terminate_timeout"`
	PollInterval     string `yaml:"poll_interval"`
}

// OnlineConfig controls the online sender and its HTTP transport.
type OnlineConfig struct {
	MaxBatchSize    int    `yaml:"max_batch_size"`
	FinishTimeout   string `yaml:"finish_timeout"`
	RequestTimeout  string `yaml:"request_timeout"`
	CompressBatches bool   `yaml:"compress_batches"`
}

// UploadConfig controls re-upload of offline archives.
type UploadConfig struct {
	MaxRetries int `yaml:"max_retries"`

	// Auto uploads an archive as soon as it is created.
	Auto bool `yaml:"auto"`
}

// Overrides holds environment-specific values. Nil sections and empty
// strings leave the base value untouched.
type Overrides struct {
	Endpoint   string            `yaml:"endpoint,omitempty"`
	Offline    *OfflineOverrides `yaml:"offline,omitempty"`
	Connection *ConnectionConfig `yaml:"connection,omitempty"`
	Online     *OnlineOverrides  `yaml:"online,omitempty"`
	Upload     *UploadOverrides  `yaml:"upload,omitempty"`
}

// OfflineOverrides uses pointers for booleans so that an override can
// turn a flag off.
type OfflineOverrides struct {
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Directory   string `yaml:"directory,omitempty"`
	KeepArchive *bool  `yaml:"keep_archive,omitempty"`
	Compression string `yaml:"compression,omitempty"`
	WaitTimeout string `yaml:"wait_timeout,omitempty"`
}

type OnlineOverrides struct {
	MaxBatchSize    int    `yaml:"max_batch_size,omitempty"`
	FinishTimeout   string `yaml:"finish_timeout,omitempty"`
	RequestTimeout  string `yaml:"request_timeout,omitempty"`
	CompressBatches *bool  `yaml:"compress_batches,omitempty"`
}

type UploadOverrides struct {
	MaxRetries int   `yaml:"max_retries,omitempty"`
	Auto       *bool `yaml:"auto,omitempty"`
}

// Default returns a Config with development defaults.
func Default() *Config {
	return &Config{
		Environment: Development,
		Endpoint:    "http://localhost:8080",
		Offline: OfflineConfig{
			Enabled:     true,
			Directory:   "${HOME}/.expstream/archives",
			Compression: "zstd",
			WaitTimeout: "60s",
		},
		Connection: ConnectionConfig{
			CheckInterval:    "10s",
			TerminateTimeout: "10s",
			PollInterval:     "500ms",
		},
		Online: OnlineConfig{
			MaxBatchSize:    100,
			FinishTimeout:   "30s",
			RequestTimeout:  "10s",
			CompressBatches: true,
		},
		Upload: UploadConfig{
			MaxRetries: 5,
		},
	}
}

// Load loads configuration from the path in EXPSTREAM_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your expstream.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. Values absent
// from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production keeps every archive unless told otherwise.
		if overrides == nil {
			keep := true
			overrides = &Overrides{
				Offline: &OfflineOverrides{KeepArchive: &keep},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Endpoint != "" {
		c.Endpoint = overrides.Endpoint
	}

	if o := overrides.Offline; o != nil {
		if o.Enabled != nil {
			c.Offline.Enabled = *o.Enabled
		}
		if o.Directory != "" {
			c.Offline.Directory = o.Directory
		}
		if o.KeepArchive != nil {
			c.Offline.KeepArchive = *o.KeepArchive
		}
		if o.Compression != "" {
			c.Offline.Compression = o.Compression
		}
		if o.WaitTimeout != "" {
			c.Offline.WaitTimeout = o.WaitTimeout
		}
	}

	if o := overrides.Connection; o != nil {
		if o.CheckInterval != "" {
			c.Connection.CheckInterval = o.CheckInterval
		}
		if o.TerminateTimeout != "" {
			c.Connection.TerminateTimeout = o.TerminateTimeout
		}
		if o.PollInterval != "" {
			c.Connection.PollInterval = o.PollInterval
		}
	}

	if o := overrides.Online; o != nil {
		if o.MaxBatchSize != 0 {
			c.Online.MaxBatchSize = o.MaxBatchSize
		}
		if o.FinishTimeout != "" {
			c.Online.FinishTimeout = o.FinishTimeout
		}
		if o.RequestTimeout != "" {
			c.Online.RequestTimeout = o.RequestTimeout
		}
		if o.CompressBatches != nil {
			c.Online.CompressBatches = *o.CompressBatches
		}
	}

	if o := overrides.Upload; o != nil {
		if o.MaxRetries != 0 {
			c.Upload.MaxRetries = o.MaxRetries
		}
		if o.Auto != nil {
			c.Upload.Auto = *o.Auto
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Endpoint = expandVars(c.Endpoint, vars)
	c.APIKey = expandVars(c.APIKey, vars)
	c.Workspace = expandVars(c.Workspace, vars)
	c.ProjectName = expandVars(c.ProjectName, vars)
	c.Offline.Directory = expandVars(c.Offline.Directory, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. Provided vars
// win over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.Offline.Enabled && c.Offline.Directory == "" {
		errs = append(errs, errors.New("offline.directory is required when offline.enabled is set"))
	}
	if _, err := offline.ParseCompression(c.Offline.Compression); err != nil {
		errs = append(errs, fmt.Errorf("offline.compression: %w", err))
	}
	if c.Online.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("online.max_batch_size must be positive, got %d", c.Online.MaxBatchSize))
	}
	if c.Upload.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upload.max_retries must not be negative, got %d", c.Upload.MaxRetries))
	}

	durations := []struct {
		field string
		value string
	}{
		{"offline.wait_timeout", c.Offline.WaitTimeout},
		{"connection.check_interval", c.Connection.CheckInterval},
		{"connection.terminate_timeout", c.Connection.TerminateTimeout},
		{"connection.poll_interval", c.Connection.PollInterval},
		{"online.finish_timeout", c.Online.FinishTimeout},
		{"online.request_timeout", c.Online.RequestTimeout},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.field, d.value); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// CompressionMode returns the parsed offline dataset compression.
func (c *Config) CompressionMode() (offline.Compression, error) {
	return offline.ParseCompression(c.Offline.Compression)
}

// OfflineWaitTimeout returns offline.wait_timeout as a duration.
func (c *Config) OfflineWaitTimeout() (time.Duration, error) {
	return parseDuration("offline.wait_timeout", c.Offline.WaitTimeout)
}

// CheckInterval returns connection.check_interval as a duration.
func (c *Config) CheckInterval() (time.Duration, error) {
	return parseDuration("connection.check_interval", c.Connection.CheckInterval)
}

// TerminateTimeout returns connection.terminate_timeout as a duration.
func (c *Config) TerminateTimeout() (time.Duration, error) {
	return parseDuration("connection.terminate_timeout", c.Connection.TerminateTimeout)
}

// PollInterval returns connection.poll_interval as a duration.
func (c *Config) PollInterval() (time.Duration, error) {
	return parseDuration("connection.poll_interval", c.Connection.PollInterval)
}

// FinishTimeout returns online.finish_timeout as a duration.
func (c *Config) FinishTimeout() (time.Duration, error) {
	return parseDuration("online.finish_timeout", c.Online.FinishTimeout)
}

// RequestTimeout returns online.request_timeout as a duration.
func (c *Config) RequestTimeout() (time.Duration, error) {
	return parseDuration("online.request_timeout", c.Online.RequestTimeout)
}

// EnsurePaths creates the archive directory if offline mode is enabled.
func (c *Config) EnsurePaths() error {
	if !c.Offline.Enabled || c.Offline.Directory == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Clean(c.Offline.Directory), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Offline.Directory, err)
	}
	return nil
}

// parseDuration parses a positive duration. An empty value yields zero,
// which callers treat as "use the component default".
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, value)
	}
	return d, nil
}
