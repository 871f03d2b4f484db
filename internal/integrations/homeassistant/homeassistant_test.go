package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

type counter struct {
	mu    sync.Mutex
	names []string
}

func (c *counter) IncrementCounter(name string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name+"/"+labels["integration"])
}

func TestNotifierPostsStatusEvent(t *testing.T) {
	logger.Discard()

	var (
		gotAuth string
		got     statusEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{WebhookURL: srv.URL, Token: "secret"}, nil)
	n.now = func() time.Time { return time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC) }

	n.NotifyCallStatus(context.Background(), "connected", models.Call{ID: 4, RemoteSide: "sip:300@pbx.local"})

	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, statusEvent{
		EventType: "siprix_call_status",
		Data: statusData{
			Status:      "connected",
			PhoneNumber: "sip:300@pbx.local",
			Timestamp:   "2026-03-01T08:30:00Z",
		},
	}, got)
}

func TestNotifierCountsFailures(t *testing.T) {
	logger.Discard()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	metrics := &counter{}
	n := NewNotifier(Config{WebhookURL: srv.URL}, metrics)
	n.NotifyCallStatus(context.Background(), "ended", models.Call{ID: 1})

	require.Equal(t, []string{"integration_errors_total/homeassistant"}, metrics.names)
}

func TestNotifierWithoutURLIsSilent(t *testing.T) {
	metrics := &counter{}
	NewNotifier(Config{}, metrics).NotifyCallStatus(context.Background(), "ringing", models.Call{})
	require.Empty(t, metrics.names)
}

type fakeDialer struct {
	got models.Destination
	err error
}

func (d *fakeDialer) Invite(ctx context.Context, dest models.Destination) (models.CallID, error) {
	d.got = dest
	if d.err != nil {
		return models.InvalidID, d.err
	}
	return 9, nil
}

func serveWebhook(t *testing.T, w *Webhook, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	w.Register(router)

	req := httptest.NewRequest(http.MethodPost, "/webhook/call", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookStartsCall(t *testing.T) {
	logger.Discard()
	dialer := &fakeDialer{}
	wh := NewWebhook(dialer, "secret")

	rec := serveWebhook(t, wh, `{"phone_number":" 123456 ","account_id":2}`, "secret")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"call_id":9}`, rec.Body.String())
	require.Equal(t, models.Destination{ToExt: "123456", FromAccount: 2}, dialer.got)

	rec = serveWebhook(t, wh, `{"phone_number":"911"}`, "secret")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, models.AccountID(models.InvalidID), dialer.got.FromAccount)
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	logger.Discard()
	dialer := &fakeDialer{}
	wh := NewWebhook(dialer, "secret")

	rec := serveWebhook(t, wh, `{"phone_number":"1"}`, "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serveWebhook(t, wh, `not json`, "secret")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	dialer.err = errors.New(errors.ErrNoAccounts, "no accounts configured")
	rec = serveWebhook(t, wh, `{"phone_number":"1"}`, "secret")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), string(errors.ErrNoAccounts))
}

func TestWebhookLimitsBodySize(t *testing.T) {
	logger.Discard()
	dialer := &fakeDialer{}
	wh := NewWebhook(dialer, "secret")

	body := `{"phone_number":"1","pad":"` + strings.Repeat("x", maxCallBody) + `"}`
	rec := serveWebhook(t, wh, body, "secret")
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Contains(t, rec.Body.String(), string(errors.ErrInvalidArgument))
	require.Empty(t, dialer.got.ToExt)
}
