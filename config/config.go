package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names derived from the presence of optional settings
const (
	StatusBackendMemory = "memory"
	StatusBackendRedis  = "redis"

	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Status      StatusConfig      `mapstructure:"status"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Janitor     JanitorConfig     `mapstructure:"janitor"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig holds the gateway configuration
type ServerConfig struct {
	Transport          string `mapstructure:"transport"`
	HTTPPort           int    `mapstructure:"http_port"`
	APIKey             string `mapstructure:"api_key"`
	APIKeyName         string `mapstructure:"api_key_name"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"`
	MaxUploadMB        int    `mapstructure:"max_upload_mb"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds the sandbox runtime and resource policy
type SandboxConfig struct {
	Runtime            string `mapstructure:"runtime"`
	BaseImage          string `mapstructure:"base_image"`
	CLIBinary          string `mapstructure:"cli_binary"`
	User               string `mapstructure:"user"`
	MountPath          string `mapstructure:"mount_path"`
	MemoryMB           int    `mapstructure:"memory_mb"`
	InstallMemoryMB    int    `mapstructure:"install_memory_mb"`
	CPUShares          int    `mapstructure:"cpu_shares"`
	PidsLimit          int    `mapstructure:"pids_limit"`
	ExecuteTimeoutSec  int    `mapstructure:"execute_timeout_sec"`
	InstallTimeoutSec  int    `mapstructure:"install_timeout_sec"`
	InstallNetwork     string `mapstructure:"install_network"`
	EnableLocalRuntime bool   `mapstructure:"enable_local_runtime"`
}

// StorageConfig holds the workspace storage configuration
type StorageConfig struct {
	BaseSessionPath string   `mapstructure:"base_session_path"`
	PresignTTLSec   int      `mapstructure:"presign_ttl_sec"`
	S3              S3Config `mapstructure:"s3"`
}

// S3Config holds the optional object store settings
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Endpoint        string `mapstructure:"endpoint"`
}

// StatusConfig holds the task status store configuration
type StatusConfig struct {
	RedisURL     string `mapstructure:"redis_url"`
	RecordTTLSec int    `mapstructure:"record_ttl_sec"`
}

// CoordinatorConfig holds worker pool settings
type CoordinatorConfig struct {
	Workers          int `mapstructure:"workers"`
	QueueSize        int `mapstructure:"queue_size"`
	RequeueInitialMS int `mapstructure:"requeue_initial_ms"`
	RequeueMaxMS     int `mapstructure:"requeue_max_ms"`
	SlotLeaseSec     int `mapstructure:"slot_lease_sec"`
}

// JanitorConfig holds the periodic maintenance settings
type JanitorConfig struct {
	Schedule            string `mapstructure:"schedule"`
	SessionIdleTTLSec   int    `mapstructure:"session_idle_ttl_sec"`
	OrphanSandboxAgeSec int    `mapstructure:"orphan_sandbox_age_sec"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// envBindings maps configuration keys to the environment variable names the
// service has always accepted.
var envBindings = map[string]string{
	"server.api_key":               "API_KEY",
	"server.api_key_name":          "API_KEY_NAME",
	"storage.base_session_path":    "BASE_SESSION_PATH",
	"sandbox.base_image":           "BASE_IMAGE_NAME",
	"status.redis_url":             "REDIS_URL",
	"storage.s3.bucket":            "S3_BUCKET_NAME",
	"storage.s3.access_key_id":     "AWS_ACCESS_KEY_ID",
	"storage.s3.secret_access_key": "AWS_SECRET_ACCESS_KEY",
	"storage.s3.region":            "AWS_REGION",
	"storage.s3.endpoint":          "S3_ENDPOINT",
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load(viper.New())
}

// Load reads configuration through the given viper instance
func Load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("PYEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env, "PYEXEC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.api_key_name", "X-API-Key")
	v.SetDefault("server.shutdown_timeout_sec", 15)
	v.SetDefault("server.max_upload_mb", 50)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.base_image", "pyexec-base")
	v.SetDefault("sandbox.cli_binary", "podman")
	v.SetDefault("sandbox.user", "appuser")
	v.SetDefault("sandbox.mount_path", "/app")
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.install_memory_mb", 1024)
	v.SetDefault("sandbox.cpu_shares", 512)
	v.SetDefault("sandbox.pids_limit", 256)
	v.SetDefault("sandbox.execute_timeout_sec", 30)
	v.SetDefault("sandbox.install_timeout_sec", 300)
	v.SetDefault("sandbox.install_network", "bridge")
	v.SetDefault("sandbox.enable_local_runtime", false)

	v.SetDefault("storage.base_session_path", "/tmp/sessions")
	v.SetDefault("storage.presign_ttl_sec", 3600)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.endpoint", "")

	v.SetDefault("status.redis_url", "")
	v.SetDefault("status.record_ttl_sec", 3600)

	v.SetDefault("coordinator.workers", 4)
	v.SetDefault("coordinator.queue_size", 256)
	v.SetDefault("coordinator.requeue_initial_ms", 100)
	v.SetDefault("coordinator.requeue_max_ms", 5000)
	v.SetDefault("coordinator.slot_lease_sec", 600)

	v.SetDefault("janitor.schedule", "@every 10m")
	v.SetDefault("janitor.session_idle_ttl_sec", 0)
	v.SetDefault("janitor.orphan_sandbox_age_sec", 3600)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "pyexec")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.APIKey == "" {
		return errors.New("API_KEY must be set")
	}

	switch c.Server.Transport {
	case "http", "stdio", "mcp-http":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'http', 'stdio' or 'mcp-http'", c.Server.Transport)
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Sandbox.ExecuteTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.execute_timeout_sec must be positive, got: %d", c.Sandbox.ExecuteTimeoutSec)
	}

	if c.Sandbox.InstallTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.install_timeout_sec must be positive, got: %d", c.Sandbox.InstallTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 || c.Sandbox.InstallMemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.BaseImage == "" {
		return errors.New("BASE_IMAGE_NAME must not be empty")
	}

	supportedRuntimes := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalRuntime, // local only enabled if specifically allowed
	}
	if !supportedRuntimes[c.Sandbox.Runtime] {
		return fmt.Errorf("unsupported sandbox.runtime: %s", c.Sandbox.Runtime)
	}

	if c.Storage.BaseSessionPath == "" {
		return errors.New("BASE_SESSION_PATH must not be empty")
	}

	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("coordinator.workers must be positive, got: %d", c.Coordinator.Workers)
	}

	if c.Coordinator.QueueSize <= 0 {
		return fmt.Errorf("coordinator.queue_size must be positive, got: %d", c.Coordinator.QueueSize)
	}

	if c.Coordinator.SlotLeaseSec < c.Sandbox.InstallTimeoutSec+SlotLeaseMarginSec {
		return fmt.Errorf("coordinator.slot_lease_sec (%d) must cover sandbox.install_timeout_sec (%d) plus %ds of kill and teardown",
			c.Coordinator.SlotLeaseSec, c.Sandbox.InstallTimeoutSec, SlotLeaseMarginSec)
	}

	return nil
}

// SlotLeaseMarginSec is the time a task may still hold its slot after its
// deadline: kill, log collection and sandbox removal, with some slack.
const SlotLeaseMarginSec = 90

// StatusBackend returns the status backend selected by the configuration
func (c *Config) StatusBackend() string {
	if c.Status.RedisURL != "" {
		return StatusBackendRedis
	}
	return StatusBackendMemory
}

// StorageBackend returns the storage backend selected by the configuration
func (c *Config) StorageBackend() string {
	if c.Storage.S3.Bucket != "" {
		return StorageBackendS3
	}
	return StorageBackendLocal
}

// ExecuteTimeout returns the wall-clock limit of an execute task
func (c *Config) ExecuteTimeout() time.Duration {
	return time.Duration(c.Sandbox.ExecuteTimeoutSec) * time.Second
}

// InstallTimeout returns the wall-clock limit of an install task
func (c *Config) InstallTimeout() time.Duration {
	return time.Duration(c.Sandbox.InstallTimeoutSec) * time.Second
}

// RecordTTL returns how long task records are retained
func (c *Config) RecordTTL() time.Duration {
	return time.Duration(c.Status.RecordTTLSec) * time.Second
}
