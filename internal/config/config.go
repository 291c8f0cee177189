// Package config provides configuration loading for the deployment engine.
//
// Configuration comes from an optional YAML file overlaid with DEPLOY_* environment
// variables. See LoadWithFile for precedence and the env var mapping.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds the complete engine configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Database      DatabaseConfig      `koanf:"database"`
	GitLab        GitLabConfig        `koanf:"gitlab"`
	Storage       StorageConfig       `koanf:"storage"`
	NATS          NATSConfig          `koanf:"nats"`
	Release       ReleaseConfig       `koanf:"release"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RequestsPerSecond is the per-client-IP submission rate limit.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	RequestBurst      int     `koanf:"request_burst"`
}

// TemporalConfig holds Temporal connection settings.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver      string `koanf:"driver"`
	DSN         Secret `koanf:"dsn"`
	AutoMigrate bool   `koanf:"auto_migrate"`
	MaxOpenConn int    `koanf:"max_open_conn"`
}

// GitLabConfig holds remote platform settings.
type GitLabConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   Secret `koanf:"token"`
	// ParentGroupPath places organization groups under an existing group instead of the top level.
	ParentGroupPath string   `koanf:"parent_group_path"`
	RequestTimeout  Duration `koanf:"request_timeout"`
	RateLimit       float64  `koanf:"rate_limit"`
	Burst           int      `koanf:"burst"`
	MaxRetries      int      `koanf:"max_retries"`
	MaxSegmentLen   int      `koanf:"max_segment_len"`
	// PushMode selects how PushFiles writes: "api" (commits API) or "git" (clone and push).
	PushMode      string `koanf:"push_mode"`
	DefaultBranch string `koanf:"default_branch"`
	CommitAuthor  string `koanf:"commit_author"`
	CommitEmail   string `koanf:"commit_email"`
}

// StorageConfig holds object storage settings for examples and release staging.
type StorageConfig struct {
	Endpoint       string   `koanf:"endpoint"`
	AccessKey      Secret   `koanf:"access_key"`
	SecretKey      Secret   `koanf:"secret_key"`
	UseSSL         bool     `koanf:"use_ssl"`
	ExamplesBucket string   `koanf:"examples_bucket"`
	StagingBucket  string   `koanf:"staging_bucket"`
	RequestTimeout Duration `koanf:"request_timeout"`
}

// NATSConfig holds run notification settings.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ReleaseConfig holds release pipeline settings.
type ReleaseConfig struct {
	StagingConcurrency int    `koanf:"staging_concurrency"`
	ScanSecrets        bool   `koanf:"scan_secrets"`
	AllowlistPath      string `koanf:"allowlist_path"`
	TemplateProject    string `koanf:"template_project"`
}

// LoggingConfig holds the subset of logging options that are exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	Insecure        bool   `koanf:"insecure"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q (want postgres or sqlite)", c.Database.Driver)
	}
	if !c.Database.DSN.IsSet() {
		return errors.New("database.dsn is required")
	}

	if c.GitLab.BaseURL != "" {
		u, err := url.Parse(c.GitLab.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid gitlab.base_url %q", c.GitLab.BaseURL)
		}
	}
	switch c.GitLab.PushMode {
	case "api", "git":
	default:
		return fmt.Errorf("unsupported gitlab.push_mode %q (want api or git)", c.GitLab.PushMode)
	}
	if c.GitLab.MaxSegmentLen < 16 {
		return fmt.Errorf("gitlab.max_segment_len must be >= 16, got %d", c.GitLab.MaxSegmentLen)
	}
	if c.GitLab.RateLimit < 0 {
		return errors.New("gitlab.rate_limit cannot be negative")
	}
	if c.GitLab.ParentGroupPath != "" && strings.Trim(c.GitLab.ParentGroupPath, "/") != c.GitLab.ParentGroupPath {
		return fmt.Errorf("gitlab.parent_group_path must not start or end with '/': %q", c.GitLab.ParentGroupPath)
	}

	if c.Release.StagingConcurrency < 1 {
		return fmt.Errorf("release.staging_concurrency must be >= 1, got %d", c.Release.StagingConcurrency)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
