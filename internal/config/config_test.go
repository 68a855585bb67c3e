package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creditbot.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[slack]
token = "xoxb-test"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "CreditBot", cfg.General.BotName)
	assert.Equal(t, 4, cfg.General.Workers)
	assert.Equal(t, "exceptions", cfg.General.ReplyCategory)
	assert.Equal(t, 10*time.Minute, cfg.Executor.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Executor.PollInterval)
	assert.Equal(t, 1000, cfg.State.Capacity)
	assert.Equal(t, "file", cfg.State.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"authy", "verify"}, cfg.Classifier.Terms)
	assert.Equal(t, "xoxb-test", cfg.Slack.Token)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[slack]
token = "from-file"
`)
	t.Setenv("CREDITBOT_SLACK__TOKEN", "from-env")
	t.Setenv("CREDITBOT_STATE__CAPACITY", "25")
	t.Setenv("CREDITBOT_EXECUTOR__TIMEOUT", "90s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Slack.Token)
	assert.Equal(t, 25, cfg.State.Capacity)
	assert.Equal(t, 90*time.Second, cfg.Executor.Timeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
[slack]
token = "xoxb-test"

[looker]
client_id = "id"
client_secret = "secret"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	cfg.State.Backend = "postgres"
	assert.EqualError(t, Validate(cfg), "state database_url is required for postgres backend")

	cfg.State.Backend = "redis"
	assert.EqualError(t, Validate(cfg), "unsupported state backend: redis")

	cfg.State.Backend = "file"
	cfg.Executor.Type = "http"
	assert.EqualError(t, Validate(cfg), "executor endpoint is required for http executor")

	cfg.Executor.Type = "static"
	assert.EqualError(t, Validate(cfg), "executor static_amount is required for static executor")
	cfg.Executor.StaticAmount = "1.00"
	require.NoError(t, Validate(cfg))

	cfg.Executor.Type = "papermill"
	cfg.Slack.Token = ""
	assert.EqualError(t, Validate(cfg), "slack token is required")
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditbot.toml")
	require.NoError(t, InitConfig(path))
	require.Error(t, InitConfig(path), "second init must not overwrite")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.cloud.looker.com"}, cfg.Looker.Hosts)
	assert.Equal(t, "U0123456789", cfg.Slack.OperatorID)
}

func TestAnalyticsHosts(t *testing.T) {
	cfg := &Config{}
	cfg.Looker.BaseURL = "https://acme.cloud.looker.com/"
	assert.Equal(t, []string{"acme.cloud.looker.com"}, cfg.AnalyticsHosts())

	cfg.Looker.BaseURL = "https://looker.example.com:9999/api"
	assert.Equal(t, []string{"looker.example.com"}, cfg.AnalyticsHosts(), "port is not part of the host")

	cfg.Looker.BaseURL = "not a url"
	assert.Empty(t, cfg.AnalyticsHosts())

	cfg.Looker.Hosts = []string{"a.looker.com", "b.looker.com"}
	assert.Equal(t, []string{"a.looker.com", "b.looker.com"}, cfg.AnalyticsHosts())
}
