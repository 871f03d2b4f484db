package calls

import (
	"time"

	"github.com/google/uuid"

	"github.com/hamzaKhattat/softphone-core/internal/engine"
	"github.com/hamzaKhattat/softphone-core/internal/models"
)

// transitions lists the states each state may move to.
var transitions = map[models.CallState][]models.CallState{
	models.CallStateInitiating: {models.CallStateRinging, models.CallStateConnected, models.CallStateEnded},
	models.CallStateRinging:    {models.CallStateConnected, models.CallStateEnded},
	models.CallStateConnected:  {models.CallStateHeld, models.CallStateEnded},
	models.CallStateHeld:       {models.CallStateConnected, models.CallStateEnded},
}

// CanTransition reports whether a call may move from one state to another.
func CanTransition(from, to models.CallState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// session is the mutable state behind a Call snapshot.
type session struct {
	call models.Call

	seq             uint64
	everConnected   bool
	rejectRequested bool
	localHangup     bool
	holdRequested   bool
	connectedSince  time.Time
	accumulated     time.Duration
	endCode         int
}

func newSession(id models.CallID, seq uint64, now time.Time) *session {
	return &session{
		seq: seq,
		call: models.Call{
			ID:        id,
			UUID:      uuid.New().String(),
			HoldState: models.HoldNone,
			StartTime: now,
		},
	}
}

func (s *session) snapshot() models.Call {
	return s.call
}

func (s *session) terminal() bool {
	return s.call.State == models.CallStateEnded
}

// enter applies a validated transition and maintains the duration clock.
func (s *session) enter(state models.CallState, now time.Time) {
	if s.call.State == models.CallStateConnected && state != models.CallStateConnected {
		s.freeze(now)
	}
	if state == models.CallStateConnected {
		s.everConnected = true
		s.connectedSince = now
	}
	s.call.State = state
}

// freeze folds the running interval into the accumulated duration.
func (s *session) freeze(now time.Time) {
	if !s.connectedSince.IsZero() && now.After(s.connectedSince) {
		s.accumulated += now.Sub(s.connectedSince)
	}
	s.connectedSince = time.Time{}
	if s.accumulated > s.call.Duration {
		s.call.Duration = s.accumulated
	}
}

// tick recomputes the live duration of a connected call. It never moves backwards.
func (s *session) tick(now time.Time) {
	if s.call.State != models.CallStateConnected || s.connectedSince.IsZero() {
		return
	}
	d := s.accumulated
	if now.After(s.connectedSince) {
		d += now.Sub(s.connectedSince)
	}
	if d > s.call.Duration {
		s.call.Duration = d
	}
}

// outcome classifies a call that has just ended. The second result is false when
// none of the documented outcomes matched and failed was used as a fallback.
func (s *session) outcome() (models.Outcome, bool) {
	if s.everConnected {
		return models.OutcomeAnswered, true
	}
	if s.call.IsIncoming() {
		switch {
		case s.rejectRequested:
			return models.OutcomeRejected, true
		case engine.IsRemoteCancel(s.endCode):
			return models.OutcomeMissed, true
		default:
			return models.OutcomeFailed, true
		}
	}
	if s.endCode != engine.CodeOK {
		return models.OutcomeFailed, true
	}
	return models.OutcomeFailed, false
}

func (s *session) historyItem(outcome models.Outcome) models.CallHistoryItem {
	return models.CallHistoryItem{
		ID:         uuid.New().String(),
		RemoteSide: s.call.RemoteSide,
		LocalSide:  s.call.LocalSide,
		Direction:  s.call.Direction,
		StartTime:  s.call.StartTime,
		Duration:   s.call.Duration,
		Outcome:    outcome,
		WithVideo:  s.call.WithVideo,
	}
}
