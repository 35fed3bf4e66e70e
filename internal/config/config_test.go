package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Handler.ServerAddr)
	require.Equal(t, 180*time.Second, cfg.Alert.GeneralThreshold)
	require.Equal(t, 600*time.Second, cfg.Alert.KitchenThreshold)
	require.Equal(t, time.Second, cfg.Alert.TickInterval)
	require.Equal(t, 5*time.Minute, cfg.Webhook.SignatureWindow)
	require.Equal(t, 5, cfg.Kitchen.MaxAttempts)
	require.Equal(t, 15*time.Minute, cfg.Kitchen.Lockout)
	require.Equal(t, 12*time.Hour, cfg.Kitchen.SessionTTL)
	require.Empty(t, cfg.Webhook.PaymentSecret)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ORDERDESK_ALERT_KITCHEN_THRESHOLD", "15m")
	t.Setenv("ORDERDESK_WEBHOOK_PAYMENT_SECRET", "s3cret")
	t.Setenv("ORDERDESK_FEED_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 15*time.Minute, cfg.Alert.KitchenThreshold)
	require.Equal(t, 180*time.Second, cfg.Alert.GeneralThreshold)
	require.Equal(t, "s3cret", cfg.Webhook.PaymentSecret)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Feed.Brokers)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orderdesk.yaml")
	content := "alert:\n  general_threshold: 2m\nhandler:\n  server_addr: \":9090\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2*time.Minute, cfg.Alert.GeneralThreshold)
	require.Equal(t, ":9090", cfg.Handler.ServerAddr)
	require.Equal(t, 600*time.Second, cfg.Alert.KitchenThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
