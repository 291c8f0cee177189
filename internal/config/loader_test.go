package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `server:
  port: 9191
database:
  driver: sqlite
  dsn: "file:engine.db"
gitlab:
  base_url: https://git.example.edu
  token: glpat-abcdefghijklmnop
  parent_group_path: courses
  request_timeout: 5s
release:
  staging_concurrency: 2
  scan_secrets: true
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "https://git.example.edu", cfg.GitLab.BaseURL)
	assert.Equal(t, "glpat-abcdefghijklmnop", cfg.GitLab.Token.Value())
	assert.Equal(t, "courses", cfg.GitLab.ParentGroupPath)
	assert.Equal(t, 5*time.Second, cfg.GitLab.RequestTimeout.Duration())
	assert.Equal(t, 2, cfg.Release.StagingConcurrency)
	assert.True(t, cfg.Release.ScanSecrets)

	// defaults fill the rest
	assert.Equal(t, "hierarchy-deployment", cfg.Temporal.TaskQueue)
	assert.Equal(t, "api", cfg.GitLab.PushMode)
	assert.Equal(t, 255, cfg.GitLab.MaxSegmentLen)
	assert.Equal(t, "student-template", cfg.Release.TemplateProject)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `database:
  driver: sqlite
  dsn: "file:engine.db"
gitlab:
  base_url: https://git.example.edu
`, 0600)

	t.Setenv("DEPLOY_GITLAB_BASE_URL", "https://gitlab.internal")
	t.Setenv("DEPLOY_TEMPORAL_TASK_QUEUE", "deploy-test")
	t.Setenv("DEPLOY_RELEASE_STAGING_CONCURRENCY", "8")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://gitlab.internal", cfg.GitLab.BaseURL)
	assert.Equal(t, "deploy-test", cfg.Temporal.TaskQueue)
	assert.Equal(t, 8, cfg.Release.StagingConcurrency)
}

func TestLoadWithFile_EnvOnly(t *testing.T) {
	t.Setenv("DEPLOY_DATABASE_DRIVER", "sqlite")
	t.Setenv("DEPLOY_DATABASE_DSN", "file::memory:")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://gitlab.com", cfg.GitLab.BaseURL)
}

func TestLoadWithFile_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
		perm    os.FileMode
		wantErr string
	}{
		{
			name:    "missing dsn",
			content: "database:\n  driver: sqlite\n",
			perm:    0600,
			wantErr: "database.dsn is required",
		},
		{
			name:    "bad push mode",
			content: "database:\n  driver: sqlite\n  dsn: x\ngitlab:\n  push_mode: ftp\n",
			perm:    0600,
			wantErr: "push_mode",
		},
		{
			name:    "bad driver",
			content: "database:\n  driver: oracle\n  dsn: x\n",
			perm:    0600,
			wantErr: "unsupported database driver",
		},
		{
			name:    "relative base url",
			content: "database:\n  driver: sqlite\n  dsn: x\ngitlab:\n  base_url: gitlab\n",
			perm:    0600,
			wantErr: "invalid gitlab.base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content, tt.perm)
			_, err := LoadWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "database:\n  driver: sqlite\n  dsn: x\n", 0666)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "gitlab.base_url", envKey("DEPLOY_GITLAB_BASE_URL"))
	assert.Equal(t, "server.port", envKey("DEPLOY_SERVER_PORT"))
	assert.Equal(t, "debug", envKey("DEPLOY_DEBUG"))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("glpat-supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "glpat-supersecret", s.Value())

	out, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(out))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
