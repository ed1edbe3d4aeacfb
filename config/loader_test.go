package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.True(t, cfg.Workflow.EnablePlanning)
	assert.True(t, cfg.Workflow.EnableReflection)
	assert.Equal(t, 20, cfg.Workflow.MaxSteps)
}

func TestLoaderFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
server:
  http_port: 9000
workflow:
  max_steps: 5
  max_replans: 1
  enable_planning: true
  enable_reflection: false
store:
  backend: sqlite
  sqlite_path: /tmp/runs.db
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 5, cfg.Workflow.MaxSteps)
	assert.Equal(t, 1, cfg.Workflow.MaxRePlans)
	assert.False(t, cfg.Workflow.EnableReflection)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/runs.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("FLOWENGINE_SERVER_HTTP_PORT", "7070")
	t.Setenv("FLOWENGINE_LLM_DEFAULT_PROVIDER", "deepseek")
	t.Setenv("FLOWENGINE_STORE_BACKEND", "redis")
	t.Setenv("FLOWENGINE_REDIS_ADDR", "redis:6379")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "deepseek", cfg.LLM.DefaultProvider)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = -1
	cfg.Workflow.MaxSteps = 0
	cfg.Store.Backend = "etcd"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "max_steps")
	assert.Contains(t, err.Error(), "etcd")
}

func TestBuildLogger(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Format: "console"}.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = LogConfig{Level: "verbose"}.BuildLogger()
	assert.Error(t, err)
}
