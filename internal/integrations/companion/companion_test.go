package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/internal/coordinator"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

type feed struct {
	ch chan coordinator.Snapshot
}

func (f *feed) Subscribe() (<-chan coordinator.Snapshot, func()) {
	return f.ch, func() {}
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
	fail    bool
}

func (r *recorder) Publish(ctx context.Context, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("broker down")
	}
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Type
	}
	return out
}

func (r *recorder) last(kind string) Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.updates) - 1; i >= 0; i-- {
		if r.updates[i].Type == kind {
			return r.updates[i]
		}
	}
	return Update{}
}

func history(n int) []models.CallHistoryItem {
	items := make([]models.CallHistoryItem, n)
	for i := range items {
		items[i] = models.CallHistoryItem{ID: fmt.Sprintf("h%d", i), Direction: models.DirectionIncoming, Outcome: models.OutcomeMissed}
	}
	return items
}

func runSync(t *testing.T, pub *recorder) (*Sync, *feed) {
	t.Helper()
	logger.Discard()
	f := &feed{ch: make(chan coordinator.Snapshot, 8)}
	s := NewSync(f, pub, 20, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, f
}

func TestSyncPublishesOnlyChangedParts(t *testing.T) {
	pub := &recorder{}
	s, f := runSync(t, pub)

	snap := coordinator.Snapshot{
		Version:  1,
		Accounts: []models.Account{{ID: 1, Name: "1001@pbx.local", RegState: models.RegStateSuccess}},
		History:  history(30),
	}
	f.ch <- snap
	require.Eventually(t, func() bool { return len(pub.types()) == 3 }, time.Second, time.Millisecond)
	require.Len(t, pub.last(TypeHistoryUpdate).History, 20)

	snap.Version = 2
	snap.Calls = []models.Call{{ID: 5, Direction: models.DirectionIncoming, State: models.CallStateRinging, RemoteSide: "300", Duration: 65 * time.Second}}
	f.ch <- snap
	require.Eventually(t, func() bool { return len(pub.types()) == 4 }, time.Second, time.Millisecond)
	require.Equal(t, TypeCallsUpdate, pub.types()[3])

	calls := pub.last(TypeCallsUpdate).Calls
	require.Equal(t, CallView{ID: 5, RemoteSide: "300", IsIncoming: true, CallState: models.CallStateRinging, StateStr: "Incoming", DurationStr: "01:05"}, calls[0])

	s.Resync(TypeAccountsUpdate)
	require.Eventually(t, func() bool { return len(pub.types()) == 5 }, time.Second, time.Millisecond)
	require.Equal(t, TypeAccountsUpdate, pub.types()[4])
}

func TestSyncRetriesAfterPublishFailure(t *testing.T) {
	pub := &recorder{fail: true}
	_, f := runSync(t, pub)

	f.ch <- coordinator.Snapshot{Version: 1}
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, pub.types())

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()

	f.ch <- coordinator.Snapshot{Version: 2}
	require.Eventually(t, func() bool { return len(pub.types()) == 3 }, time.Second, time.Millisecond)
}

func TestUpdateWireFormat(t *testing.T) {
	start := time.Unix(1700000000, 500_000_000)
	views := historyViews([]models.CallHistoryItem{{
		ID: "abc", RemoteSide: "300", Direction: models.DirectionOutgoing,
		StartTime: start, Duration: 90 * time.Second, Outcome: models.OutcomeAnswered,
	}}, 20)

	msg, err := kafkaMessage(Update{Type: TypeHistoryUpdate, History: views})
	require.NoError(t, err)
	require.Equal(t, TypeHistoryUpdate, string(msg.Key))
	require.JSONEq(t, `{"type":"history_update","history":[{"id":"abc","remoteSide":"300","isIncoming":false,"startTime":1700000000.5,"duration":90,"outcome":"answered","withVideo":false}]}`, string(msg.Value))
}

type controller struct {
	snap  coordinator.Snapshot
	calls []string
	err   error
}

func (c *controller) record(format string, args ...interface{}) error {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
	return c.err
}

func (c *controller) Accept(ctx context.Context, id models.CallID, withVideo bool) error {
	return c.record("accept %d", id)
}
func (c *controller) Reject(ctx context.Context, id models.CallID) error { return c.record("reject %d", id) }
func (c *controller) Hold(ctx context.Context, id models.CallID) error   { return c.record("hold %d", id) }
func (c *controller) Bye(ctx context.Context, id models.CallID) error    { return c.record("bye %d", id) }
func (c *controller) MuteMic(ctx context.Context, id models.CallID, mute bool) error {
	return c.record("mute %d %t", id, mute)
}
func (c *controller) SwitchSpeaker(ctx context.Context, id models.CallID, on bool) error {
	return c.record("speaker %d %t", id, on)
}
func (c *controller) Invite(ctx context.Context, dest models.Destination) (models.CallID, error) {
	return 7, c.record("invite %s %d", dest.ToExt, dest.FromAccount)
}
func (c *controller) Snapshot() coordinator.Snapshot { return c.snap }

func handle(t *testing.T, h *Handler, v interface{}) error {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return h.Handle(context.Background(), data)
}

func TestHandlerCallActions(t *testing.T) {
	logger.Discard()
	ctrl := &controller{snap: coordinator.Snapshot{Calls: []models.Call{
		{ID: 3, MicMuted: models.Flag{Value: true}},
	}}}
	h := NewHandler(ctrl, nil)

	for _, action := range []string{"answer", "reject", "hold", "hangup", "mute", "speaker"} {
		require.NoError(t, handle(t, h, map[string]interface{}{"type": "call_action", "action": action, "callId": 3}))
	}
	require.NoError(t, handle(t, h, map[string]interface{}{"type": "make_call", "phoneNumber": "200", "accountId": 1}))
	require.NoError(t, handle(t, h, map[string]interface{}{"type": "make_call", "phoneNumber": "201"}))

	require.Equal(t, []string{
		"accept 3", "reject 3", "hold 3", "bye 3", "mute 3 false", "speaker 3 true",
		"invite 200 1", "invite 201 -1",
	}, ctrl.calls)
}

func TestHandlerErrors(t *testing.T) {
	h := NewHandler(&controller{}, nil)

	err := h.Handle(context.Background(), []byte("{"))
	require.True(t, errors.Is(err, errors.ErrInvalidArgument))

	err = handle(t, h, map[string]interface{}{"type": "call_action", "action": "mute", "callId": 9})
	require.True(t, errors.Is(err, errors.ErrUnknownCall))

	err = handle(t, h, map[string]interface{}{"type": "call_action", "action": "transfer", "callId": 9})
	require.True(t, errors.Is(err, errors.ErrInvalidArgument))

	err = handle(t, h, map[string]interface{}{"type": "call_action"})
	require.True(t, errors.Is(err, errors.ErrEmptyField))

	err = handle(t, h, map[string]interface{}{"type": "ping"})
	require.True(t, errors.Is(err, errors.ErrInvalidArgument))

	require.NoError(t, handle(t, h, map[string]interface{}{"type": "request_calls"}))
}
