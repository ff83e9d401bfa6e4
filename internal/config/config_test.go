package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 2.5, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, ScorerKeyword, cfg.Scoring.Provider)
}

func TestLoadConfigFileEnvAndSecrets(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
queue:
  backend: postgres
rate_limit:
  max_requests: 10
  window: 1m
worker:
  concurrency: 8
chat:
  token: from-file
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	t.Setenv("NOTIFY_WORKER_CONCURRENCY", "12")
	t.Setenv("NOTIFY_CHAT_TOKEN", "xoxb-secret")
	t.Setenv("NOTIFY_WEBHOOK_SIGNING_SECRET", "hook-secret")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, BackendPostgres, cfg.Queue.Backend)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, "xoxb-secret", cfg.Chat.Token)
	assert.Equal(t, "hook-secret", cfg.Webhook.SigningSecret)

	limiter := cfg.RateLimit.ToLimiterConfig()
	assert.Equal(t, 10, limiter.MaxRequests)

	w := cfg.ToWorkerConfig()
	assert.Equal(t, 12, w.Concurrency)
	assert.Equal(t, 3, w.Retry.MaxAttempts)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	bad := *cfg
	bad.Queue.Backend = "kafka"
	bad.Retry.BackoffMultiplier = 0.5
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.backend")
	assert.Contains(t, err.Error(), "retry.backoff_multiplier")

	bad = *cfg
	bad.Scoring.Provider = ScorerHTTP
	assert.ErrorContains(t, bad.Validate(), "scoring.url")

	bad = *cfg
	bad.Queue.Backend = BackendMemory
	assert.ErrorContains(t, bad.Validate(), "worker.embedded")
	bad.Worker.Embedded = true
	assert.NoError(t, bad.Validate())
}

func TestApplySecretsKeepsConfiguredValues(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Password = "from-file"
	cfg.ApplySecrets(Secrets{ScorerAPIKey: "key"})

	assert.Equal(t, "from-file", cfg.Database.Password)
	assert.Equal(t, "key", cfg.Scoring.APIKey)
}
