package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/permission"
	"github.com/roach88/stepsync/internal/store"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stepsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "stepsync.db", cfg.Database)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Endpoint)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/stepsync/drafts.db
endpoint: https://api.example.com
sync_interval: 10s
breaker:
  failure_threshold: 3
  reset_timeout: 2m
retry:
  max_retries: 4
  base_delay: 500ms
  requests_per_second: 2.5
permissions:
  wizard.sync: false
log:
  level: debug
metrics_addr: ":9090"
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stepsync/drafts.db", cfg.Database)
	assert.Equal(t, "https://api.example.com", cfg.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.SyncInterval)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.AttemptTimeout, "unset keys keep defaults")
	assert.Equal(t, 2.5, cfg.Retry.RequestsPerSecond)
	assert.Equal(t, map[string]bool{"wizard.sync": false}, cfg.Permissions)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "sync_interval: 10s\nbreaker:\n  failure_threshold: 3\n")
	t.Setenv("STEPSYNC_SYNC_INTERVAL", "45s")
	t.Setenv("STEPSYNC_BREAKER_FAILURE_THRESHOLD", "9")
	t.Setenv("STEPSYNC_TOKEN", "s3cret")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.SyncInterval)
	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "s3cret", cfg.Token)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("STEPSYNC_DATABASE", "env.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	flags.Duration("interval", 0, "")
	flags.String("endpoint", "", "")
	require.NoError(t, flags.Parse([]string{"--db", "flag.db", "--interval", "5s"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "flag.db", cfg.Database)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Empty(t, cfg.Endpoint, "unset flag does not shadow the default")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"threshold", "breaker:\n  failure_threshold: 0\n", "FailureThreshold"},
		{"endpoint", "endpoint: not a url\n", "Endpoint"},
		{"key length", "encryption_key: abcd\n", "EncryptionKey"},
		{"log level", "log:\n  level: loud\n", "Level"},
		{"metrics addr", "metrics_addr: nope\n", "MetricsAddr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCipher(t *testing.T) {
	cfg := Default()
	c, err := cfg.Cipher()
	require.NoError(t, err)
	assert.IsType(t, store.PlainCipher{}, c)

	cfg.EncryptionKey = testKey
	c, err = cfg.Cipher()
	require.NoError(t, err)

	sealed, err := c.Encrypt([]byte(`{"a":"1"}`))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(sealed), `"a"`))
	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1"}`, string(plain))
}

func TestOracle(t *testing.T) {
	ctx := context.Background()

	ok, _ := permission.Allowed(ctx, Default().Oracle(), permission.ActionSync)
	assert.True(t, ok)

	cfg := Default()
	cfg.Permissions = map[string]bool{permission.ActionSync: false}
	ok, reason := permission.Allowed(ctx, cfg.Oracle(), permission.ActionSync)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	ok, _ = permission.Allowed(ctx, cfg.Oracle(), permission.ActionValidate)
	assert.True(t, ok)
}

func TestSettingsConversions(t *testing.T) {
	cfg := Default()

	b := cfg.BreakerSettings()
	assert.Equal(t, 5, b.FailureThreshold)
	assert.Equal(t, 60*time.Second, b.ResetTimeout)

	r := cfg.RetrySettings()
	assert.Equal(t, 3, r.MaxRetries)
	assert.Equal(t, time.Second, r.BaseDelay)
	assert.Equal(t, 30*time.Second, r.AttemptTimeout)
}
