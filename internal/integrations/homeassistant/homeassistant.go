// Package homeassistant pushes call status to a Home Assistant webhook and
// lets automations start calls.
package homeassistant

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

const EventType = "siprix_call_status"

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
}

type Config struct {
	WebhookURL string
	Token      string
	Timeout    time.Duration
}

type statusData struct {
	Status      string `json:"status"`
	PhoneNumber string `json:"phone_number"`
	Timestamp   string `json:"timestamp"`
}

type statusEvent struct {
	EventType string     `json:"event_type"`
	Data      statusData `json:"data"`
}

// Notifier posts call status events. Delivery is best effort.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	metrics    MetricsInterface
	now        func() time.Time
}

func NewNotifier(cfg Config, metrics MetricsInterface) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metrics:    metrics,
		now:        time.Now,
	}
}

func (n *Notifier) NotifyCallStatus(ctx context.Context, status string, call models.Call) {
	if n.cfg.WebhookURL == "" {
		return
	}
	log := logger.WithFields(map[string]interface{}{
		"call_id": call.ID,
		"status":  status,
	})

	if err := n.send(ctx, status, call.RemoteSide); err != nil {
		log.WithError(err).Warn("Home Assistant status push failed")
		if n.metrics != nil {
			n.metrics.IncrementCounter("integration_errors_total", map[string]string{"integration": "homeassistant"})
		}
		return
	}
	log.Debug("Home Assistant status sent")
}

func (n *Notifier) send(ctx context.Context, status, phoneNumber string) error {
	body, err := json.Marshal(statusEvent{
		EventType: EventType,
		Data: statusData{
			Status:      status,
			PhoneNumber: phoneNumber,
			Timestamp:   n.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to encode status event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrConfiguration, "invalid webhook URL")
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "webhook request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.New(errors.ErrInternal, fmt.Sprintf("webhook returned %d", resp.StatusCode)).
			WithContext("status_code", resp.StatusCode)
	}
	return nil
}

// Dialer starts outbound calls.
type Dialer interface {
	Invite(ctx context.Context, dest models.Destination) (models.CallID, error)
}

const maxCallBody = 64 << 10

type callRequest struct {
	PhoneNumber string `json:"phone_number"`
	AccountID   *int   `json:"account_id"`
	WithVideo   bool   `json:"with_video"`
}

type callResponse struct {
	CallID models.CallID `json:"call_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Webhook serves POST /webhook/call for Home Assistant automations.
type Webhook struct {
	dialer Dialer
	token  string
}

func NewWebhook(dialer Dialer, token string) *Webhook {
	return &Webhook{dialer: dialer, token: token}
}

// Register mounts the webhook routes on router.
func (w *Webhook) Register(router *mux.Router) {
	router.HandleFunc("/webhook/call", w.handleCall).Methods(http.MethodPost)
}

func (w *Webhook) authorized(r *http.Request) bool {
	if w.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(auth), []byte("Bearer "+w.token)) == 1
}

func (w *Webhook) handleCall(rw http.ResponseWriter, r *http.Request) {
	if !w.authorized(r) {
		writeJSON(rw, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: string(errors.ErrAuthFailed)})
		return
	}

	r.Body = http.MaxBytesReader(rw, r.Body, maxCallBody)
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeJSON(rw, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Code: string(errors.ErrInvalidArgument)})
			return
		}
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Code: string(errors.ErrInvalidArgument)})
		return
	}

	dest := models.Destination{
		ToExt:       strings.TrimSpace(req.PhoneNumber),
		FromAccount: models.InvalidID,
		WithVideo:   req.WithVideo,
	}
	if req.AccountID != nil {
		dest.FromAccount = models.AccountID(*req.AccountID)
	}

	id, err := w.dialer.Invite(r.Context(), dest)
	if err != nil {
		status := http.StatusInternalServerError
		if appErr, ok := err.(*errors.AppError); ok && appErr.StatusCode != 0 {
			status = appErr.StatusCode
		}
		logger.WithContext(r.Context()).WithError(err).WithField("phone_number", dest.ToExt).Warn("Webhook call failed")
		writeJSON(rw, status, errorResponse{Error: err.Error(), Code: string(errors.CodeOf(err))})
		return
	}

	logger.WithFields(map[string]interface{}{
		"call_id":      id,
		"phone_number": dest.ToExt,
	}).Info("Call started from Home Assistant")
	writeJSON(rw, http.StatusAccepted, callResponse{CallID: id})
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
