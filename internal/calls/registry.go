// Package calls holds the active call sessions and the single switched (focused) call.
//
// Registry is not safe for concurrent use; the coordinator goroutine owns it.
// Commands validate against local state, forward to the engine and leave the
// state change to the engine notification that follows.
package calls

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hamzaKhattat/softphone-core/internal/engine"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// HistoryAppender receives one item per ended call.
type HistoryAppender interface {
	Append(ctx context.Context, item models.CallHistoryItem)
}

// AccountDirectory is the read side of the account registry.
type AccountDirectory interface {
	Len() int
	Get(id models.AccountID) (models.Account, bool)
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

const dtmfDigits = "0123456789*#ABCD"

type Registry struct {
	engine   engine.Engine
	accounts AccountDirectory
	history  HistoryAppender
	metrics  MetricsInterface
	now      func() time.Time

	calls    map[models.CallID]*session
	switched models.CallID
	seq      uint64
}

func NewRegistry(eng engine.Engine, accounts AccountDirectory, history HistoryAppender, metrics MetricsInterface) *Registry {
	return &Registry{
		engine:   eng,
		accounts: accounts,
		history:  history,
		metrics:  metrics,
		now:      time.Now,
		calls:    make(map[models.CallID]*session),
		switched: models.InvalidID,
	}
}

// SetClock replaces the time source used for start times and durations.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Invite places an outbound call. The session exists once the engine acknowledges it.
func (r *Registry) Invite(ctx context.Context, dest models.Destination) (models.CallID, error) {
	if r.accounts.Len() == 0 {
		return models.InvalidID, errors.New(errors.ErrNoAccounts, "add an account before making calls")
	}
	dest.ToExt = strings.TrimSpace(dest.ToExt)
	if dest.ToExt == "" {
		return models.InvalidID, errors.New(errors.ErrEmptyField, "destination is required")
	}
	acc, ok := r.accounts.Get(dest.FromAccount)
	if !ok {
		return models.InvalidID, errors.Newf(errors.ErrUnknownAccount, "account %d not found", dest.FromAccount)
	}

	id, err := r.engine.Invite(ctx, dest)
	if err != nil {
		return models.InvalidID, engine.Wrap(err, "invite")
	}

	// The engine only reuses ids of calls it considers gone, so the old
	// session ends here and still gets its history entry.
	if old, exists := r.calls[id]; exists {
		logger.WithFields(map[string]interface{}{
			"call_id": id,
			"state":   old.call.State,
		}).Warn("Engine reused an active call id, ending previous session")
		old.enter(models.CallStateEnded, r.now())
		r.finish(ctx, old)
	}

	s := r.create(id)
	s.call.AccountID = dest.FromAccount
	s.call.Direction = models.DirectionOutgoing
	s.call.State = models.CallStateInitiating
	s.call.RemoteSide = dest.ToExt
	s.call.LocalSide = acc.Extension
	s.call.WithVideo = dest.WithVideo

	if r.switched == models.InvalidID {
		r.SwitchTo(id)
	}

	logger.WithFields(map[string]interface{}{
		"call_id":    id,
		"account_id": dest.FromAccount,
		"to":         dest.ToExt,
		"video":      dest.WithVideo,
	}).Info("Outgoing call initiated")
	r.updateActive()
	return id, nil
}

// OnIncoming creates a ringing session. A duplicate id for an active call is dropped.
func (r *Registry) OnIncoming(id models.CallID, account models.AccountID, remote, local string, withVideo bool) (models.Call, bool) {
	if _, exists := r.calls[id]; exists {
		logger.WithField("call_id", id).Warn("Incoming call for an active call id dropped")
		return models.Call{}, false
	}

	s := r.create(id)
	s.call.AccountID = account
	s.call.Direction = models.DirectionIncoming
	s.call.State = models.CallStateRinging
	s.call.RemoteSide = remote
	s.call.LocalSide = local
	s.call.WithVideo = withVideo

	if r.switched == models.InvalidID {
		r.SwitchTo(id)
	}

	logger.WithFields(map[string]interface{}{
		"call_id":    id,
		"account_id": account,
		"from":       remote,
		"video":      withVideo,
	}).Info("Incoming call")
	r.updateActive()
	return s.snapshot(), true
}

func (r *Registry) Accept(ctx context.Context, id models.CallID, withVideo bool) error {
	if _, err := r.ringingIncoming(id, "answer"); err != nil {
		return err
	}
	if err := r.engine.Accept(ctx, id, withVideo); err != nil {
		return engine.Wrap(err, "accept")
	}
	logger.WithField("call_id", id).Info("Call accept requested")
	return nil
}

func (r *Registry) Reject(ctx context.Context, id models.CallID) error {
	s, err := r.ringingIncoming(id, "reject")
	if err != nil {
		return err
	}
	if err := r.engine.Reject(ctx, id); err != nil {
		return engine.Wrap(err, "reject")
	}
	s.rejectRequested = true
	logger.WithField("call_id", id).Info("Call reject requested")
	return nil
}

// Hold toggles the local hold. The sub-state changes on the engine notification.
func (r *Registry) Hold(ctx context.Context, id models.CallID) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.call.State != models.CallStateConnected && s.call.State != models.CallStateHeld {
		return invalidState(s, "hold")
	}
	if err := r.engine.Hold(ctx, id); err != nil {
		return engine.Wrap(err, "hold")
	}
	s.holdRequested = !s.call.HoldState.IsLocal()
	logger.WithFields(map[string]interface{}{
		"call_id": id,
		"hold":    s.holdRequested,
	}).Info("Hold toggle requested")
	return nil
}

func (r *Registry) Bye(ctx context.Context, id models.CallID) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := r.engine.Bye(ctx, id); err != nil {
		return engine.Wrap(err, "bye")
	}
	s.localHangup = true
	logger.WithField("call_id", id).Info("Hangup requested")
	return nil
}

// SwitchTo focuses id. Unknown ids are ignored.
func (r *Registry) SwitchTo(id models.CallID) {
	s, ok := r.calls[id]
	if !ok || r.switched == id {
		return
	}
	if prev, ok := r.calls[r.switched]; ok {
		prev.call.Switched = false
	}
	s.call.Switched = true
	r.switched = id
}

func (r *Registry) MuteMic(ctx context.Context, id models.CallID, mute bool) error {
	return r.setFlag(ctx, id, "mute mic", mute,
		func(s *session) *models.Flag { return &s.call.MicMuted },
		r.engine.MuteMic)
}

func (r *Registry) MuteCam(ctx context.Context, id models.CallID, mute bool) error {
	return r.setFlag(ctx, id, "mute camera", mute,
		func(s *session) *models.Flag { return &s.call.CamMuted },
		r.engine.MuteCam)
}

func (r *Registry) SwitchSpeaker(ctx context.Context, id models.CallID, on bool) error {
	return r.setFlag(ctx, id, "switch speaker", on,
		func(s *session) *models.Flag { return &s.call.SpeakerOn },
		r.engine.SwitchSpeaker)
}

// setFlag applies the requested value as pending and reverts it if the engine refuses.
func (r *Registry) setFlag(ctx context.Context, id models.CallID, command string, value bool,
	field func(*session) *models.Flag, send func(context.Context, models.CallID, bool) error) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	flag := field(s)
	prev := *flag
	*flag = models.Flag{Value: value, Pending: true}

	if err := send(ctx, id, value); err != nil {
		*flag = prev
		return engine.Wrap(err, command)
	}
	return nil
}

// SendDtmf reports whether the digits were accepted for sending.
func (r *Registry) SendDtmf(ctx context.Context, id models.CallID, digits string) (bool, error) {
	s, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	if s.call.State != models.CallStateConnected {
		return false, invalidState(s, "send dtmf")
	}
	if digits == "" {
		return false, errors.New(errors.ErrEmptyField, "dtmf digit is required")
	}
	for _, d := range digits {
		if !strings.ContainsRune(dtmfDigits, d) {
			return false, errors.Newf(errors.ErrInvalidArgument, "invalid dtmf digit %q", d)
		}
	}
	if err := r.engine.SendDtmf(ctx, id, digits); err != nil {
		return false, engine.Wrap(err, "send dtmf")
	}
	s.call.DtmfSent += digits
	return true, nil
}

// TransferBlind forwards the transfer and returns without waiting for its result.
func (r *Registry) TransferBlind(ctx context.Context, id models.CallID, toExt string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.call.State != models.CallStateConnected && s.call.State != models.CallStateHeld {
		return invalidState(s, "transfer")
	}
	toExt = strings.TrimSpace(toExt)
	if toExt == "" {
		return errors.New(errors.ErrEmptyField, "transfer destination is required")
	}
	if err := r.engine.TransferBlind(ctx, id, toExt); err != nil {
		return engine.Wrap(err, "transfer")
	}
	logger.WithFields(map[string]interface{}{
		"call_id": id,
		"to":      toExt,
	}).Info("Blind transfer requested")
	return nil
}

// OnStateChanged applies an engine state notification. It returns the resulting
// snapshot and whether the state changed. Ended calls are recorded and removed.
func (r *Registry) OnStateChanged(ctx context.Context, id models.CallID, state models.CallState, code int) (models.Call, bool) {
	s, ok := r.calls[id]
	if !ok {
		logger.WithField("call_id", id).Debug("State change for unknown call dropped")
		return models.Call{}, false
	}
	if s.call.State == state {
		return s.snapshot(), false
	}

	log := logger.WithFields(map[string]interface{}{
		"call_id": id,
		"from":    s.call.State,
		"to":      state,
		"code":    code,
	})
	if !CanTransition(s.call.State, state) {
		log.Warn("Invalid call state transition dropped")
		return s.snapshot(), false
	}

	now := r.now()
	s.enter(state, now)
	if state != models.CallStateEnded {
		log.Info("Call state changed")
		return s.snapshot(), true
	}

	s.endCode = code
	r.finish(ctx, s)
	return s.snapshot(), true
}

func (r *Registry) finish(ctx context.Context, s *session) {
	id := s.call.ID
	outcome, classified := s.outcome()

	log := logger.WithFields(map[string]interface{}{
		"call_id":      id,
		"direction":    s.call.Direction,
		"outcome":      outcome,
		"duration":     s.call.DurationText(),
		"code":         s.endCode,
		"local_hangup": s.localHangup,
	})
	if !classified {
		log.Warn("Call ended without a matching outcome, recorded as failed")
		if r.metrics != nil {
			r.metrics.IncrementCounter("calls_unclassified_total", map[string]string{})
		}
	} else {
		log.Info("Call ended")
	}

	if r.metrics != nil {
		labels := map[string]string{
			"direction": string(s.call.Direction),
			"outcome":   string(outcome),
		}
		r.metrics.IncrementCounter("calls_total", labels)
		if s.everConnected {
			r.metrics.ObserveHistogram("call_duration_seconds", s.call.Duration.Seconds(),
				map[string]string{"direction": string(s.call.Direction)})
		}
	}

	if r.history != nil {
		r.history.Append(ctx, s.historyItem(outcome))
	}

	delete(r.calls, id)
	s.call.Switched = false
	if r.switched == id {
		r.switched = models.InvalidID
		if next := r.mostRecent(); next != nil {
			r.SwitchTo(next.call.ID)
		}
	}
	r.updateActive()
}

// OnHoldStateChanged sets the hold sub-state; connected and held follow it.
func (r *Registry) OnHoldStateChanged(id models.CallID, hold models.HoldState) (models.Call, bool) {
	s, ok := r.calls[id]
	if !ok {
		logger.WithField("call_id", id).Debug("Hold change for unknown call dropped")
		return models.Call{}, false
	}
	if s.call.State != models.CallStateConnected && s.call.State != models.CallStateHeld {
		logger.WithFields(map[string]interface{}{
			"call_id": id,
			"state":   s.call.State,
		}).Debug("Hold change for call that is not established dropped")
		return s.snapshot(), false
	}

	s.call.HoldState = hold
	s.holdRequested = false
	now := r.now()
	switch {
	case hold.IsHeld() && s.call.State == models.CallStateConnected:
		s.enter(models.CallStateHeld, now)
	case !hold.IsHeld() && s.call.State == models.CallStateHeld:
		s.enter(models.CallStateConnected, now)
	}

	logger.WithFields(map[string]interface{}{
		"call_id": id,
		"hold":    hold,
	}).Info("Hold state changed")
	return s.snapshot(), true
}

func (r *Registry) OnDtmfReceived(id models.CallID, digit string) {
	s, ok := r.calls[id]
	if !ok {
		logger.WithField("call_id", id).Debug("DTMF for unknown call dropped")
		return
	}
	s.call.DtmfReceived += digit
}

// OnMediaStateChanged confirms device flags and clears their pending marks.
func (r *Registry) OnMediaStateChanged(id models.CallID, mic, cam, speaker bool) {
	s, ok := r.calls[id]
	if !ok {
		logger.WithField("call_id", id).Debug("Media change for unknown call dropped")
		return
	}
	s.call.MicMuted = models.Flag{Value: mic}
	s.call.CamMuted = models.Flag{Value: cam}
	s.call.SpeakerOn = models.Flag{Value: speaker}
}

// OnDurationTick refreshes durations of connected calls.
func (r *Registry) OnDurationTick(now time.Time) {
	for _, s := range r.calls {
		s.tick(now)
	}
}

func (r *Registry) Get(id models.CallID) (models.Call, bool) {
	s, ok := r.calls[id]
	if !ok {
		return models.Call{}, false
	}
	return s.snapshot(), true
}

// Switched returns the focused call, if any.
func (r *Registry) Switched() (models.Call, bool) {
	return r.Get(r.switched)
}

func (r *Registry) SwitchedID() models.CallID { return r.switched }

func (r *Registry) Len() int { return len(r.calls) }

// List returns snapshots in creation order.
func (r *Registry) List() []models.Call {
	sessions := make([]*session, 0, len(r.calls))
	for _, s := range r.calls {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].seq < sessions[j].seq })

	out := make([]models.Call, len(sessions))
	for i, s := range sessions {
		out[i] = s.snapshot()
	}
	return out
}

func (r *Registry) create(id models.CallID) *session {
	r.seq++
	s := newSession(id, r.seq, r.now())
	s.call.Switched = r.switched == id
	r.calls[id] = s
	return s
}

func (r *Registry) mostRecent() *session {
	var latest *session
	for _, s := range r.calls {
		if latest == nil || s.seq > latest.seq {
			latest = s
		}
	}
	return latest
}

func (r *Registry) lookup(id models.CallID) (*session, error) {
	s, ok := r.calls[id]
	if !ok {
		return nil, errors.Newf(errors.ErrUnknownCall, "call %d not found", id)
	}
	return s, nil
}

func (r *Registry) ringingIncoming(id models.CallID, command string) (*session, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if !s.call.IsIncoming() || s.call.State != models.CallStateRinging {
		return nil, invalidState(s, command)
	}
	return s, nil
}

func (r *Registry) updateActive() {
	if r.metrics != nil {
		r.metrics.SetGauge("active_calls", float64(len(r.calls)), map[string]string{})
	}
}

func invalidState(s *session, command string) error {
	return errors.Newf(errors.ErrInvalidState, "cannot %s call %d in state %s", command, s.call.ID, s.call.State).
		WithContext("call_id", s.call.ID).
		WithContext("state", s.call.State)
}
