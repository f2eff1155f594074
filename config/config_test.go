package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "TWD", cfg.TapPay.Currency)
	assert.Equal(t, 3, cfg.Billing.MaxChargeAttempts)
	assert.Equal(t, "0 * * * *", cfg.Billing.CronSpec)
	assert.Equal(t, "notification_queue", cfg.Queue.NotificationQueue)
	assert.Equal(t, 2, cfg.Queue.MaxWorkers)
}

func TestLoad_PrefersLocalConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "tappay:\n  merchant_id: public\n")
	writeConfig(t, dir, "config.local.yaml", "tappay:\n  merchant_id: secret_merchant\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret_merchant", cfg.TapPay.MerchantID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestBillingConfig_Helpers(t *testing.T) {
	var empty BillingConfig
	assert.Equal(t, 3, empty.MaxAttempts())
	assert.Equal(t, 60*time.Second, empty.LockTTL())
	assert.Equal(t, 15*time.Minute, empty.RunLockTTL())
	assert.Equal(t, "Asia/Taipei", empty.Location().String())

	custom := BillingConfig{MaxChargeAttempts: 5, LockTTLSeconds: 10, Timezone: "UTC"}
	assert.Equal(t, 5, custom.MaxAttempts())
	assert.Equal(t, 10*time.Second, custom.LockTTL())
	assert.Equal(t, time.UTC, custom.Location())

	broken := BillingConfig{Timezone: "Mars/Olympus"}
	assert.Equal(t, time.UTC, broken.Location())
}
