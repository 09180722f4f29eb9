package busconfig

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsThenEnvThenOptions(t *testing.T) {
	prefix := "TESTSVC"
	os.Setenv(prefix+"_REDIS_URL", "redis://localhost:6379/0")
	os.Setenv(prefix+"_MAX_INFLIGHT", "25")
	os.Setenv(prefix+"_WORKER_SLEEP_SECONDS", "2")
	defer func() {
		os.Unsetenv(prefix + "_REDIS_URL")
		os.Unsetenv(prefix + "_MAX_INFLIGHT")
		os.Unsetenv(prefix + "_WORKER_SLEEP_SECONDS")
	}()

	cfg, err := Load("svc_a", prefix, WithMaxInflight(5))
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	// option overrides env
	assert.Equal(t, 5, cfg.MaxInflight)
	assert.Equal(t, 2*time.Second, cfg.WorkerSleep)
	// default retained
	assert.Equal(t, "nooble4", cfg.GlobalPrefix)
	assert.Equal(t, "dev", cfg.Environment)
}

func TestLoadRequiresRedisURL(t *testing.T) {
	_, err := Load("svc_a", "EMPTYSVC")
	require.Error(t, err)
}

func TestLoadRejectsInvalidMaxInflight(t *testing.T) {
	prefix := "BADSVC"
	os.Setenv(prefix+"_REDIS_URL", "redis://localhost:6379/0")
	os.Setenv(prefix+"_MAX_INFLIGHT", "not-a-number")
	defer func() {
		os.Unsetenv(prefix + "_REDIS_URL")
		os.Unsetenv(prefix + "_MAX_INFLIGHT")
	}()

	_, err := Load("svc_a", prefix)
	require.Error(t, err)
}

func TestLoadAppliesYAMLFileUnderEnvVars(t *testing.T) {
	prefix := "YAMLSVC"
	file, err := os.CreateTemp(t.TempDir(), "busconfig-*.yaml")
	require.NoError(t, err)
	_, err = file.WriteString("redis_url: redis://file:6379/0\nmax_inflight: 7\nlog_level: DEBUG\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	os.Setenv(prefix+"_CONFIG_FILE", file.Name())
	os.Setenv(prefix+"_MAX_INFLIGHT", "12")
	defer func() {
		os.Unsetenv(prefix + "_CONFIG_FILE")
		os.Unsetenv(prefix + "_MAX_INFLIGHT")
	}()

	cfg, err := Load("svc_a", prefix)
	require.NoError(t, err)

	assert.Equal(t, "redis://file:6379/0", cfg.RedisURL)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	// env var still wins over the yaml file
	assert.Equal(t, 12, cfg.MaxInflight)
}
