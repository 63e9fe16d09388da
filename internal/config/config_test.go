package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COMPACTION_WORKERS", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TRACE_SAMPLE_RATIO", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.CompactionWorkers)
	assert.Equal(t, 100, cfg.CompactionQueueSize)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "crdt-sync:doc:", cfg.RedisChannelPrefix)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVER_HOST", "0.0.0.0")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("COMPACTION_THRESHOLD", "7")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr())
	assert.Equal(t, 7, cfg.CompactionThreshold)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestJaegerEndpointCanBeDisabled(t *testing.T) {
	t.Setenv("JAEGER_ENDPOINT", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.JaegerEndpoint)

	t.Setenv("JAEGER_ENDPOINT", "http://jaeger:14268/api/traces")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "http://jaeger:14268/api/traces", cfg.JaegerEndpoint)

	// unset falls back to the local collector
	require.NoError(t, os.Unsetenv("JAEGER_ENDPOINT"))
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerEndpoint)
}

func TestGetEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("COMPACTION_QUEUE_SIZE", "lots")
	assert.Equal(t, 100, getEnvInt("COMPACTION_QUEUE_SIZE", 100))
}

func TestValidate(t *testing.T) {
	t.Setenv("COMPACTION_WORKERS", "0")
	_, err := Load()
	assert.ErrorContains(t, err, "COMPACTION_WORKERS")

	cfg := &Config{CompactionWorkers: 1, CompactionQueueSize: 1, CompactionThreshold: -1, ServerPort: "80"}
	assert.ErrorContains(t, cfg.Validate(), "COMPACTION_THRESHOLD")

	cfg = &Config{CompactionWorkers: 1, CompactionQueueSize: 1, CompactionThreshold: 1, ServerPort: "80", TraceSampleRatio: 1.5}
	assert.ErrorContains(t, cfg.Validate(), "TRACE_SAMPLE_RATIO")
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "n", DBSSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", cfg.DatabaseURL())
}
