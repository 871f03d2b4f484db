package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/internal/db"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

func get(t *testing.T, hs *HealthService, path string) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	hs.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestLiveness(t *testing.T) {
	logger.Discard()
	hs := NewHealthService(0)
	hs.RegisterLivenessCheck("store", StoreCheck(db.NewMemoryStore()))

	code, resp := get(t, hs, "/health/live")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "ok", resp.Checks["store"].Status)
}

func TestReadinessFailsWhenEngineDown(t *testing.T) {
	hs := NewHealthService(0)
	connected := false
	ready := make(chan struct{})
	done := make(chan struct{})
	hs.RegisterReadinessCheck("engine", EngineCheck(func() bool { return connected }))
	hs.RegisterReadinessCheck("coordinator", LoopCheck(ready, done))

	code, resp := get(t, hs, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "failed", resp.Status)
	require.Equal(t, "failed", resp.Checks["engine"].Status)
	require.Equal(t, "failed", resp.Checks["coordinator"].Status)

	connected = true
	close(ready)
	code, resp = get(t, hs, "/health/ready")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", resp.Status)

	close(done)
	code, _ = get(t, hs, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCheckFuncError(t *testing.T) {
	hs := NewHealthService(0)
	hs.RegisterLivenessCheck("broken", CheckFunc(func(ctx context.Context) error {
		return context.DeadlineExceeded
	}))

	code, resp := get(t, hs, "/health/live")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, context.DeadlineExceeded.Error(), resp.Checks["broken"].Error)
}
