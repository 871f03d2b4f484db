package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/internal/config"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	cfg.Monitoring.Metrics.Enabled = false
	cfg.Monitoring.Health.Enabled = false
	cfg.Asterisk.AMI.Host = "127.0.0.1"
	cfg.Asterisk.AMI.Port = 1
	cfg.Asterisk.AMI.ConnectTimeout = 100 * time.Millisecond
	cfg.Coordinator.TickInterval = 10 * time.Millisecond
	return cfg
}

func TestOpenStoreMemory(t *testing.T) {
	logger.Discard()
	a, err := OpenStore(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.History)
	require.NotNil(t, a.Settings)
	require.NoError(t, a.Store.Ping(context.Background()))
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "bolt"
	_, err := OpenStore(context.Background(), cfg)
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestNewRequiresAMIHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.Asterisk.AMI.Host = ""
	_, err := New(context.Background(), cfg)
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestRunWithoutAsterisk(t *testing.T) {
	logger.Discard()
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Coordinator.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator not ready")
	}

	id, err := a.Coordinator.AddAccount(context.Background(), models.Credentials{Server: "pbx.local", Extension: "1001"})
	require.NoError(t, err)
	require.Equal(t, id, a.Coordinator.Snapshot().SelectedAccount)

	_, err = a.Coordinator.Invite(context.Background(), models.Destination{ToExt: "200", FromAccount: id})
	require.True(t, errors.Is(err, errors.ErrEngineUnavailable))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNewExposesAMIMetrics(t *testing.T) {
	logger.Discard()
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	a.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	require.Contains(t, body, "softphone_ami_actions_total 0")
	require.Contains(t, body, "softphone_ami_logged_in 0")
}
