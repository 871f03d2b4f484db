package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, time.Second, cfg.Coordinator.TickInterval)
	require.Equal(t, 16, cfg.Coordinator.SubscriberBuffer)
	require.Equal(t, 5038, cfg.Asterisk.AMI.Port)
	require.Equal(t, 30*time.Second, cfg.Asterisk.AMI.PingInterval)
	require.Equal(t, "softphone-answer", cfg.Asterisk.Contexts.Answer)
	require.Equal(t, 20, cfg.Companion.HistoryLimit)
	require.Equal(t, []string{"localhost:9092"}, cfg.Companion.Kafka.Brokers)
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: redis
redis:
  host: cache.internal
asterisk:
  ami:
    host: pbx.internal
    ping_interval: 10s
homeassistant:
  enabled: true
  webhook_url: http://ha.local/api/webhook/softphone
`), 0o600))

	t.Setenv("SOFTPHONE_REDIS_PORT", "6380")
	t.Setenv("SOFTPHONE_COORDINATOR_TICK_INTERVAL", "250ms")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	require.Equal(t, "redis", cfg.Store.Driver)
	require.Equal(t, "cache.internal", cfg.Redis.Host)
	require.Equal(t, 6380, cfg.Redis.Port)
	require.Equal(t, "pbx.internal", cfg.Asterisk.AMI.Host)
	require.Equal(t, 10*time.Second, cfg.Asterisk.AMI.PingInterval)
	require.Equal(t, 250*time.Millisecond, cfg.Coordinator.TickInterval)
	require.True(t, cfg.HomeAssistant.Enabled)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\n"), 0o600))

	_, err := Load(viper.New(), path)
	require.True(t, errors.Is(err, errors.ErrConfiguration))

	_, err = Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, errors.Is(err, errors.ErrConfiguration))

	cfg := &Config{Store: StoreConfig{Driver: "memory"}, Coordinator: CoordinatorConfig{TickInterval: time.Second}}
	cfg.Companion = CompanionConfig{Enabled: true, Transport: "mqtt"}
	require.True(t, errors.Is(cfg.Validate(), errors.ErrConfiguration))
}
