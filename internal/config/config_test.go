package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  dsn: postgres://localhost/platform\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "local", cfg.Provisioning.Dispatch)
	assert.Equal(t, "local", cfg.Provisioning.Locker)
	assert.Equal(t, "provisioning.jobs", cfg.Provisioning.Subject)
	assert.Equal(t, 7*24*time.Hour, cfg.Invitations.TTL)
	assert.Equal(t, "Free Beta", cfg.Plans.Default)
	assert.True(t, cfg.Isolation.BypassEnabled())
	assert.False(t, cfg.Provisioning.AutoRetry)

	plan, ok := cfg.Plans.Lookup("Free Beta")
	require.True(t, ok)
	assert.Equal(t, int64(50*1024*1024), plan.StorageQuotaBytes)
}

func TestParseRedisSelectsRedisLocker(t *testing.T) {
	cfg, err := Parse([]byte("redis:\n  addr: localhost:6379\n"))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Provisioning.Locker)
}

func TestParseRejectsUnknownDispatch(t *testing.T) {
	_, err := Parse([]byte("provisioning:\n  dispatch: kafka\n"))
	assert.Error(t, err)
}

func TestParseRejectsMissingDefaultPlan(t *testing.T) {
	_, err := Parse([]byte(`
plans:
  default: Gold
  catalog:
    Silver:
      allowed_modules: [projects]
`))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/platform")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("SUPERADMIN_BYPASS", "false")
	t.Setenv("TENANT_DSN_TEMPLATE", "postgres://env/%s")

	cfg, err := Parse([]byte("database:\n  dsn: postgres://file/platform\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/platform", cfg.Database.DSN)
	assert.Equal(t, "env-secret", cfg.JWT.Secret)
	assert.Equal(t, "postgres://env/%s", cfg.Tenancy.DedicatedDSNTemplate)
	assert.False(t, cfg.Isolation.BypassEnabled())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  port: 9090\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.API.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestParseNotifications(t *testing.T) {
	cfg, err := Parse([]byte(`
notifications:
  webhook:
    url: https://hooks.example.test/platform
    headers:
      X-Api-Key: secret
  mqtt:
    broker_url: tcp://broker:1883
`))
	require.NoError(t, err)

	assert.Equal(t, "platform.notifications", cfg.Notify.Subject)
	assert.Equal(t, "https://hooks.example.test/platform", cfg.Notify.Webhook.URL)
	assert.Equal(t, "secret", cfg.Notify.Webhook.Headers["X-Api-Key"])
	assert.Equal(t, 10*time.Second, cfg.Notify.Webhook.Timeout)
	assert.Equal(t, "platform/notifications/{type}", cfg.Notify.MQTT.Topic)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "control-plane.yml"))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Provisioning.Locker)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.API.AllowedOrigins)
	assert.True(t, cfg.Isolation.BypassEnabled())
}
