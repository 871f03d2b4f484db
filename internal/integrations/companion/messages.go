// Package companion mirrors coordinator state to a paired device and accepts
// call actions from it.
package companion

import (
	"github.com/hamzaKhattat/softphone-core/internal/models"
)

// Message types
const (
	TypeAccountsUpdate = "accounts_update"
	TypeCallsUpdate    = "calls_update"
	TypeHistoryUpdate  = "history_update"

	TypeCallAction      = "call_action"
	TypeMakeCall        = "make_call"
	TypeRequestAccounts = "request_accounts"
	TypeRequestCalls    = "request_calls"
	TypeRequestHistory  = "request_history"
)

type AccountView struct {
	ID       models.AccountID `json:"id"`
	Name     string           `json:"name"`
	RegState models.RegState  `json:"regState"`
	RegText  string           `json:"regText"`
}

type CallView struct {
	ID          models.CallID    `json:"id"`
	RemoteSide  string           `json:"remoteSide"`
	LocalSide   string           `json:"localSide"`
	IsIncoming  bool             `json:"isIncoming"`
	CallState   models.CallState `json:"callState"`
	StateStr    string           `json:"stateStr"`
	DurationStr string           `json:"durationStr"`
	IsMicMuted  bool             `json:"isMicMuted"`
	IsLocalHold bool             `json:"isLocalHold"`
	IsSwitched  bool             `json:"isSwitched"`
}

type HistoryView struct {
	ID         string         `json:"id"`
	RemoteSide string         `json:"remoteSide"`
	IsIncoming bool           `json:"isIncoming"`
	StartTime  float64        `json:"startTime"`
	Duration   float64        `json:"duration"`
	Outcome    models.Outcome `json:"outcome"`
	WithVideo  bool           `json:"withVideo"`
}

// Update is one outbound message. Exactly one of the lists is set, matching Type.
type Update struct {
	Type     string        `json:"type"`
	Accounts []AccountView `json:"accounts,omitempty"`
	Calls    []CallView    `json:"calls,omitempty"`
	History  []HistoryView `json:"history,omitempty"`
}

// Request is one inbound message from the device.
type Request struct {
	Type        string `json:"type"`
	Action      string `json:"action,omitempty"`
	CallID      *int   `json:"callId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	AccountID   *int   `json:"accountId,omitempty"`
}

func accountViews(accounts []models.Account) []AccountView {
	out := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountView{ID: a.ID, Name: a.Name, RegState: a.RegState, RegText: a.RegText})
	}
	return out
}

func callViews(calls []models.Call) []CallView {
	out := make([]CallView, 0, len(calls))
	for _, c := range calls {
		out = append(out, CallView{
			ID:          c.ID,
			RemoteSide:  c.RemoteSide,
			LocalSide:   c.LocalSide,
			IsIncoming:  c.IsIncoming(),
			CallState:   c.State,
			StateStr:    c.StateText(),
			DurationStr: c.DurationText(),
			IsMicMuted:  c.MicMuted.Value,
			IsLocalHold: c.HoldState.IsLocal(),
			IsSwitched:  c.Switched,
		})
	}
	return out
}

func historyViews(items []models.CallHistoryItem, limit int) []HistoryView {
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]HistoryView, 0, len(items))
	for _, h := range items {
		out = append(out, HistoryView{
			ID:         h.ID,
			RemoteSide: h.RemoteSide,
			IsIncoming: h.IsIncoming(),
			StartTime:  float64(h.StartTime.UnixMilli()) / 1000,
			Duration:   h.Duration.Seconds(),
			Outcome:    h.Outcome,
			WithVideo:  h.WithVideo,
		})
	}
	return out
}
