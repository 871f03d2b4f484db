package companion

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/hamzaKhattat/softphone-core/internal/coordinator"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// Controller is the command side of the coordinator used by remote actions.
type Controller interface {
	Accept(ctx context.Context, id models.CallID, withVideo bool) error
	Reject(ctx context.Context, id models.CallID) error
	Hold(ctx context.Context, id models.CallID) error
	Bye(ctx context.Context, id models.CallID) error
	MuteMic(ctx context.Context, id models.CallID, mute bool) error
	SwitchSpeaker(ctx context.Context, id models.CallID, on bool) error
	Invite(ctx context.Context, dest models.Destination) (models.CallID, error)
	Snapshot() coordinator.Snapshot
}

// Handler executes requests received from the device.
type Handler struct {
	ctrl Controller
	sync *Sync
}

func NewHandler(ctrl Controller, sync *Sync) *Handler {
	return &Handler{ctrl: ctrl, sync: sync}
}

func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.Wrap(err, errors.ErrInvalidArgument, "invalid companion message")
	}

	switch req.Type {
	case TypeCallAction:
		if req.CallID == nil || req.Action == "" {
			return errors.New(errors.ErrEmptyField, "call_action needs action and callId")
		}
		return h.callAction(ctx, strings.ToLower(req.Action), models.CallID(*req.CallID))

	case TypeMakeCall:
		dest := models.Destination{ToExt: req.PhoneNumber, FromAccount: models.InvalidID}
		if req.AccountID != nil {
			dest.FromAccount = models.AccountID(*req.AccountID)
		}
		id, err := h.ctrl.Invite(ctx, dest)
		if err != nil {
			return err
		}
		logger.WithField("call_id", id).WithField("to", dest.ToExt).Info("Call started from companion")
		return nil

	case TypeRequestAccounts:
		h.resync(TypeAccountsUpdate)
	case TypeRequestCalls:
		h.resync(TypeCallsUpdate)
	case TypeRequestHistory:
		h.resync(TypeHistoryUpdate)

	default:
		return errors.Newf(errors.ErrInvalidArgument, "unknown companion message type %q", req.Type)
	}
	return nil
}

func (h *Handler) resync(kind string) {
	if h.sync != nil {
		h.sync.Resync(kind)
	}
}

func (h *Handler) callAction(ctx context.Context, action string, id models.CallID) error {
	switch action {
	case "answer":
		return h.ctrl.Accept(ctx, id, false)
	case "reject":
		return h.ctrl.Reject(ctx, id)
	case "hold":
		return h.ctrl.Hold(ctx, id)
	case "hangup":
		return h.ctrl.Bye(ctx, id)
	case "mute", "speaker":
		var (
			call  models.Call
			found bool
		)
		for _, c := range h.ctrl.Snapshot().Calls {
			if c.ID == id {
				call, found = c, true
				break
			}
		}
		if !found {
			return errors.New(errors.ErrUnknownCall, "call not found").WithContext("call_id", id)
		}
		if action == "mute" {
			return h.ctrl.MuteMic(ctx, id, !call.MicMuted.Value)
		}
		return h.ctrl.SwitchSpeaker(ctx, id, !call.SpeakerOn.Value)
	}
	return errors.Newf(errors.ErrInvalidArgument, "unknown call action %q", action)
}

// ListenRedis feeds messages from channel to h until ctx is done.
func ListenRedis(ctx context.Context, client *redis.Client, channel string, h *Handler) error {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrap(err, errors.ErrStorage, "failed to subscribe to companion actions").
			WithContext("channel", channel)
	}
	logger.WithField("channel", channel).Info("Listening for companion actions")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := h.Handle(ctx, []byte(msg.Payload)); err != nil {
				logger.WithError(err).WithField("payload", msg.Payload).Warn("Companion action failed")
			}
		}
	}
}
