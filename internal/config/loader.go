package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix marks environment variables that override file configuration.
	EnvPrefix = "DEPLOY_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DEPLOY_GITLAB_BASE_URL, DEPLOY_DATABASE_DSN, etc.)
//  2. YAML config file at configPath (skipped when configPath is empty)
//  3. Hardcoded defaults
//
// The file must not be group- or world-writable and must be smaller than 1MB, since it
// usually carries the GitLab token and the database DSN.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first remaining underscore separates the section:
//
//	DEPLOY_GITLAB_BASE_URL        -> gitlab.base_url
//	DEPLOY_RELEASE_SCAN_SECRETS   -> release.scan_secrets
//	DEPLOY_TEMPORAL_TASK_QUEUE    -> temporal.task_queue
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps DEPLOY_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile opens the file once and validates through the open descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group/world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RequestsPerSecond == 0 {
		cfg.Server.RequestsPerSecond = 5
	}
	if cfg.Server.RequestBurst == 0 {
		cfg.Server.RequestBurst = 10
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "hierarchy-deployment"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConn == 0 {
		cfg.Database.MaxOpenConn = 10
	}

	if cfg.GitLab.BaseURL == "" {
		cfg.GitLab.BaseURL = "https://gitlab.com"
	}
	if cfg.GitLab.RequestTimeout == 0 {
		cfg.GitLab.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.GitLab.RateLimit == 0 {
		cfg.GitLab.RateLimit = 10
	}
	if cfg.GitLab.Burst == 0 {
		cfg.GitLab.Burst = 5
	}
	if cfg.GitLab.MaxRetries == 0 {
		cfg.GitLab.MaxRetries = 3
	}
	if cfg.GitLab.MaxSegmentLen == 0 {
		cfg.GitLab.MaxSegmentLen = 255
	}
	if cfg.GitLab.PushMode == "" {
		cfg.GitLab.PushMode = "api"
	}
	if cfg.GitLab.DefaultBranch == "" {
		cfg.GitLab.DefaultBranch = "main"
	}
	if cfg.GitLab.CommitAuthor == "" {
		cfg.GitLab.CommitAuthor = "Deployment Engine"
	}
	if cfg.GitLab.CommitEmail == "" {
		cfg.GitLab.CommitEmail = "deploy-engine@localhost"
	}

	if cfg.Storage.Endpoint == "" {
		cfg.Storage.Endpoint = "localhost:9000"
	}
	if cfg.Storage.ExamplesBucket == "" {
		cfg.Storage.ExamplesBucket = "examples"
	}
	if cfg.Storage.StagingBucket == "" {
		cfg.Storage.StagingBucket = "release-staging"
	}
	if cfg.Storage.RequestTimeout == 0 {
		cfg.Storage.RequestTimeout = Duration(time.Minute)
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "deploy.runs"
	}

	if cfg.Release.StagingConcurrency == 0 {
		cfg.Release.StagingConcurrency = 4
	}
	if cfg.Release.TemplateProject == "" {
		cfg.Release.TemplateProject = "student-template"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "deploy-engine"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
}
