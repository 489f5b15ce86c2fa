package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTradeConfig() Config {
	cfg := Defaults()
	cfg.Broker.AppKey = "key"
	cfg.Broker.AppSecret = "secret"
	cfg.Broker.Account = "12345678"
	cfg.Broker.AccountPassword = "0000"
	return cfg
}

func TestValidateAcceptsDefaultsWithCredentials(t *testing.T) {
	cfg := validTradeConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingBrokerCredentials(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker: app_key")
}

func TestValidateMonitorModeSkipsCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := validTradeConfig()
	cfg.Policy.StopLossPct = 2
	cfg.Policy.CloseFrom = "25:99"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop_loss_pct")
	assert.Contains(t, err.Error(), "close_from")
}

func TestValidateRejectsBadChannelRange(t *testing.T) {
	cfg := validTradeConfig()
	cfg.Broker.ChannelMin = 9999
	cfg.Broker.ChannelMax = 3400
	assert.Error(t, cfg.Validate())
}

func TestParseClockMinute(t *testing.T) {
	m, err := ParseClockMinute("15:10")
	require.NoError(t, err)
	assert.Equal(t, 15*60+10, m)

	_, err = ParseClockMinute("noon")
	assert.Error(t, err)
}

func TestLoadMergesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "monitor"

[policy]
take_profit_pct = 5.0

[engine]
monitor_interval = "30s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("STOCKBOT_POLICY_TAKE_PROFIT_PCT", "7.5")
	t.Setenv("STOCKBOT_REDIS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 7.5, cfg.Policy.TakeProfitPct) // env beats file
	assert.Equal(t, 30*time.Second, cfg.Engine.MonitorInterval.Duration)
	assert.True(t, cfg.Redis.Enabled)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3400, cfg.Broker.ChannelMin)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validTradeConfig()
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Broker.AppSecret)
	assert.Equal(t, "***", red.Broker.AccountPassword)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Original untouched.
	assert.Equal(t, "secret", cfg.Broker.AppSecret)
}
