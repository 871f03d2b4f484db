package models

import (
	"fmt"
	"time"
)

// AccountID is assigned by the engine and stays stable while the engine process lives.
type AccountID int

// CallID is assigned by the engine; unique among active calls only.
type CallID int

const InvalidID = -1

// Registration states
type RegState string

const (
	RegStateNotRegistered RegState = "notRegistered"
	RegStateInProgress    RegState = "inProgress"
	RegStateSuccess       RegState = "success"
	RegStateFailed        RegState = "failed"
	RegStateRemoved       RegState = "removed"
)

// PendingAction is the registration command awaiting engine confirmation.
type PendingAction string

const (
	PendingNone       PendingAction = ""
	PendingRegister   PendingAction = "register"
	PendingUnregister PendingAction = "unregister"
)

// Transport for SIP signalling
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
)

// Call direction
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Call states
type CallState string

const (
	CallStateInitiating CallState = "initiating"
	CallStateRinging    CallState = "ringing"
	CallStateConnected  CallState = "connected"
	CallStateHeld       CallState = "held"
	CallStateEnded      CallState = "ended"
)

// Hold sub-states
type HoldState string

const (
	HoldNone           HoldState = "none"
	HoldLocal          HoldState = "local"
	HoldRemote         HoldState = "remote"
	HoldLocalAndRemote HoldState = "localAndRemote"
)

// IsLocal reports whether the local side holds the call.
func (h HoldState) IsLocal() bool {
	return h == HoldLocal || h == HoldLocalAndRemote
}

// IsHeld reports whether either side holds the call.
func (h HoldState) IsHeld() bool {
	return h != HoldNone && h != ""
}

// Call outcomes recorded in history
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeMissed   Outcome = "missed"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Credentials are forwarded to the engine when adding an account.
type Credentials struct {
	Server      string    `json:"server"`
	Extension   string    `json:"extension"`
	Password    string    `json:"password,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Transport   Transport `json:"transport"`
	ExpireTime  int       `json:"expire_time"`
}

// Destination describes an outbound call.
type Destination struct {
	ToExt       string    `json:"to_ext"`
	FromAccount AccountID `json:"from_account"`
	WithVideo   bool      `json:"with_video"`
}

// Account represents a SIP account loaded in the engine
type Account struct {
	ID        AccountID     `json:"id"`
	Name      string        `json:"name"`
	Server    string        `json:"server"`
	Extension string        `json:"extension"`
	Transport Transport     `json:"transport"`
	RegState  RegState      `json:"reg_state"`
	RegText   string        `json:"reg_text"`
	Pending   PendingAction `json:"pending,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Flag is a device flag that may be awaiting engine confirmation.
type Flag struct {
	Value   bool `json:"value"`
	Pending bool `json:"pending"`
}

// Call is an immutable snapshot of a call session.
type Call struct {
	ID           CallID        `json:"id"`
	UUID         string        `json:"uuid"`
	AccountID    AccountID     `json:"account_id"`
	RemoteSide   string        `json:"remote_side"`
	LocalSide    string        `json:"local_side"`
	Direction    Direction     `json:"direction"`
	State        CallState     `json:"state"`
	HoldState    HoldState     `json:"hold_state"`
	MicMuted     Flag          `json:"mic_muted"`
	CamMuted     Flag          `json:"cam_muted"`
	SpeakerOn    Flag          `json:"speaker_on"`
	WithVideo    bool          `json:"with_video"`
	Switched     bool          `json:"switched"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	DtmfReceived string        `json:"dtmf_received"`
	DtmfSent     string        `json:"dtmf_sent"`
}

func (c Call) IsIncoming() bool { return c.Direction == DirectionIncoming }

// DurationText formats the accumulated duration as MM:SS.
func (c Call) DurationText() string {
	return FormatDuration(c.Duration)
}

// StateText is the human readable call state.
func (c Call) StateText() string {
	switch c.State {
	case CallStateInitiating:
		return "Calling"
	case CallStateRinging:
		if c.IsIncoming() {
			return "Incoming"
		}
		return "Ringing"
	case CallStateConnected:
		return "Connected"
	case CallStateHeld:
		return "Held"
	case CallStateEnded:
		return "Ended"
	}
	return string(c.State)
}

// HoldText describes who holds the call, empty when nobody does.
func (c Call) HoldText() string {
	switch c.HoldState {
	case HoldLocal:
		return "Held locally"
	case HoldRemote:
		return "Held by remote side"
	case HoldLocalAndRemote:
		return "Held on both sides"
	}
	return ""
}

// HoldActionText is the label of the hold toggle.
func (c Call) HoldActionText() string {
	if c.HoldState.IsLocal() {
		return "Resume"
	}
	return "Hold"
}

// CallHistoryItem records a terminated call
type CallHistoryItem struct {
	ID         string        `json:"id"`
	RemoteSide string        `json:"remote_side"`
	LocalSide  string        `json:"local_side"`
	Direction  Direction     `json:"direction"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
	Outcome    Outcome       `json:"outcome"`
	WithVideo  bool          `json:"with_video"`
}

func (h CallHistoryItem) IsIncoming() bool { return h.Direction == DirectionIncoming }

func (h CallHistoryItem) DurationText() string {
	return FormatDuration(h.Duration)
}

// FormatDuration renders d as MM:SS, minutes are not wrapped into hours.
func FormatDuration(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
