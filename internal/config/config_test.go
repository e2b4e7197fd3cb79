package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 256, cfg.Queue.Capacity)
	assert.Equal(t, BackendMemory, cfg.Queue.Backend)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ruleflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 8
queue:
  backend: redis
  capacity: 1000
redis:
  addr: redis:6379
sweep_interval: 30s
elastic:
  urls: [http://es:9200]
approver_roles:
  dana: [finance, support]
`), 0o600))

	t.Setenv("RULEFLOW_WORKERS", "2")
	t.Setenv("RULEFLOW_CLAIM_TTL", "1m")
	t.Setenv("RULEFLOW_ELASTIC_URLS", "http://a:9200, http://b:9200")
	t.Setenv("RULEFLOW_NATS_CANCEL_SUBJECT", "ops.cancel")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 1000, cfg.Queue.Capacity)
	assert.Equal(t, BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, time.Minute, cfg.ClaimTTL)
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, cfg.Elastic.URLs)
	assert.Equal(t, "ruleflow-executions", cfg.Elastic.Index)
	assert.Equal(t, []string{"finance", "support"}, cfg.ApproverRoles["dana"])
	assert.Equal(t, "ops.cancel", cfg.NATS.CancelSubject)
	assert.Equal(t, "ruleflow.approval", cfg.NATS.ApprovalSubject)
}

func TestLoadRejects(t *testing.T) {
	t.Setenv("RULEFLOW_WORKERS", "many")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("RULEFLOW_WORKERS", "0")
	_, err = Load("")
	assert.Error(t, err)

	t.Setenv("RULEFLOW_WORKERS", "1")
	t.Setenv("RULEFLOW_STORE_BACKEND", "postgres")
	_, err = Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvLookup(t *testing.T) {
	env := map[string]string{"RULEFLOW_SHUTDOWN_TIMEOUT": "soon"}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Error(t, err)
}
