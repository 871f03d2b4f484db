// Package engine describes the boundary with the external telephony engine.
//
// Commands return immediately with an accept/reject decision. Their effect is
// observed later through events read from Events().
package engine

import (
	"context"

	"github.com/hamzaKhattat/softphone-core/internal/models"
)

// Engine is implemented by telephony backends.
type Engine interface {
	AddAccount(ctx context.Context, creds models.Credentials) (models.AccountID, error)
	RegisterAccount(ctx context.Context, id models.AccountID) error
	UnregisterAccount(ctx context.Context, id models.AccountID) error
	DeleteAccount(ctx context.Context, id models.AccountID) error

	Invite(ctx context.Context, dest models.Destination) (models.CallID, error)
	Accept(ctx context.Context, id models.CallID, withVideo bool) error
	Reject(ctx context.Context, id models.CallID) error
	Bye(ctx context.Context, id models.CallID) error
	Hold(ctx context.Context, id models.CallID) error
	MuteMic(ctx context.Context, id models.CallID, mute bool) error
	MuteCam(ctx context.Context, id models.CallID, mute bool) error
	SwitchSpeaker(ctx context.Context, id models.CallID, on bool) error
	SendDtmf(ctx context.Context, id models.CallID, digits string) error
	TransferBlind(ctx context.Context, id models.CallID, toExt string) error

	// Events delivers notifications from engine-internal goroutines.
	Events() <-chan Event
}

// Event is one inbound notification.
type Event interface {
	Type() string
}

type RegistrationChanged struct {
	Account models.AccountID
	State   models.RegState
	Text    string
}

type IncomingCall struct {
	Call      models.CallID
	Account   models.AccountID
	Remote    string
	Local     string
	WithVideo bool
}

type CallStateChanged struct {
	Call      models.CallID
	State     models.CallState
	ErrorCode int
}

type HoldStateChanged struct {
	Call  models.CallID
	State models.HoldState
}

type DtmfReceived struct {
	Call  models.CallID
	Digit string
}

// MediaStateChanged confirms device flags after a mute or speaker command.
type MediaStateChanged struct {
	Call      models.CallID
	MicMuted  bool
	CamMuted  bool
	SpeakerOn bool
}

type NetworkChanged struct {
	Lost bool
}

func (RegistrationChanged) Type() string { return "registration_changed" }
func (IncomingCall) Type() string        { return "incoming_call" }
func (CallStateChanged) Type() string    { return "call_state_changed" }
func (HoldStateChanged) Type() string    { return "hold_state_changed" }
func (DtmfReceived) Type() string        { return "dtmf_received" }
func (MediaStateChanged) Type() string   { return "media_state_changed" }

func (e NetworkChanged) Type() string {
	if e.Lost {
		return "network_lost"
	}
	return "network_restored"
}
