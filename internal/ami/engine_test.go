package ami

import (
	"bufio"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/internal/engine"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

type fakeSender struct {
	mu        sync.Mutex
	loggedIn  bool
	actions   []Action
	responses map[string]Event
	failures  map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		loggedIn:  true,
		responses: make(map[string]Event),
		failures:  make(map[string]error),
	}
}

func (f *fakeSender) SendAction(ctx context.Context, action Action) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if err, ok := f.failures[action.Action]; ok {
		return nil, err
	}
	if resp, ok := f.responses[action.Action]; ok {
		return resp, nil
	}
	return Event{"Response": "Success"}, nil
}

func (f *fakeSender) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeSender) respond(action string, resp Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = resp
}

func (f *fakeSender) setLoggedIn(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn = v
}

func (f *fakeSender) sent() []Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Action, len(f.actions))
	copy(out, f.actions)
	return out
}

func (f *fakeSender) waitFor(t *testing.T, name string) Action {
	t.Helper()
	var found Action
	require.Eventually(t, func() bool {
		for _, a := range f.sent() {
			if a.Action == name {
				found = a
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return found
}

var testContexts = Contexts{Outbound: "softphone-out", Answer: "softphone-answer", Hold: "softphone-hold"}

func newTestEngine(t *testing.T) (*Engine, *fakeSender) {
	t.Helper()
	logger.Discard()
	sender := newFakeSender()
	return NewEngine(sender, testContexts, 16), sender
}

func nextEvent(t *testing.T, e *Engine) engine.Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no engine event")
		return nil
	}
}

func TestReadEvent(t *testing.T) {
	raw := "Event: Newstate\r\nChannel: PJSIP/1001-00000001\r\nChannelStateDesc: Up\r\n\r\nResponse: Success\r\nActionID: 7\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	ev, err := ReadEvent(r)
	require.NoError(t, err)
	require.Equal(t, Event{"Event": "Newstate", "Channel": "PJSIP/1001-00000001", "ChannelStateDesc": "Up"}, ev)

	ev, err = ReadEvent(r)
	require.NoError(t, err)
	require.Equal(t, "7", ev["ActionID"])

	_, err = ReadEvent(r)
	require.Error(t, err)
}

func TestFormatAction(t *testing.T) {
	out := FormatAction(Action{
		Action:   "Hangup",
		ActionID: "3",
		Fields:   map[string]string{"Channel": "PJSIP/1001-1", "Cause": "16"},
	})
	require.Equal(t, "Action: Hangup\r\nActionID: 3\r\nCause: 16\r\nChannel: PJSIP/1001-1\r\n\r\n", out)
}

func TestAccountsAndRegistry(t *testing.T) {
	e, sender := newTestEngine(t)
	ctx := context.Background()

	id, err := e.AddAccount(ctx, models.Credentials{Server: "pbx.local", Extension: "1001"})
	require.NoError(t, err)
	_, err = e.AddAccount(ctx, models.Credentials{Server: "pbx.local", Extension: "1001"})
	var ce *engine.CodeError
	require.True(t, stderrors.As(err, &ce))
	require.Equal(t, engine.CodeDuplicateAccount, ce.Code)

	require.NoError(t, e.RegisterAccount(ctx, id))
	action := sender.waitFor(t, "PJSIPRegister")
	require.Equal(t, "1001", action.Fields["Registration"])

	events := e.Translate(Event{"Event": "Registry", "ChannelType": "PJSIP", "Username": "sip:1001@pbx.local", "Status": "Registered"})
	require.Equal(t, []engine.Event{engine.RegistrationChanged{Account: id, State: models.RegStateSuccess, Text: "Registered"}}, events)

	events = e.Translate(Event{"Event": "Registry", "ChannelType": "PJSIP", "Username": "9999", "Status": "Registered"})
	require.Empty(t, events)

	require.Error(t, e.RegisterAccount(ctx, 42))
	require.NoError(t, e.DeleteAccount(ctx, id))
	require.Error(t, e.DeleteAccount(ctx, id))
}

func TestRegistrationErrorBecomesEvent(t *testing.T) {
	e, sender := newTestEngine(t)
	sender.respond("PJSIPRegister", Event{"Response": "Error", "Message": "No such registration"})
	id, _ := e.AddAccount(context.Background(), models.Credentials{Server: "pbx.local", Extension: "1001"})

	require.NoError(t, e.RegisterAccount(context.Background(), id))
	ev := nextEvent(t, e)
	require.Equal(t, engine.RegistrationChanged{Account: id, State: models.RegStateFailed, Text: "No such registration"}, ev)
}

func TestNotConnectedRejectsSynchronously(t *testing.T) {
	e, sender := newTestEngine(t)
	id, _ := e.AddAccount(context.Background(), models.Credentials{Server: "pbx.local", Extension: "1001"})
	sender.setLoggedIn(false)

	_, err := e.Invite(context.Background(), models.Destination{ToExt: "200", FromAccount: id})
	var ce *engine.CodeError
	require.True(t, stderrors.As(err, &ce))
	require.Equal(t, engine.CodeNotConnected, ce.Code)
	require.Empty(t, sender.sent())
}

func TestOutgoingCallLifecycle(t *testing.T) {
	e, sender := newTestEngine(t)
	ctx := context.Background()
	acc, _ := e.AddAccount(ctx, models.Credentials{Server: "pbx.local", Extension: "1001", DisplayName: "Desk"})

	id, err := e.Invite(ctx, models.Destination{ToExt: "200", FromAccount: acc})
	require.NoError(t, err)

	orig := sender.waitFor(t, "Originate")
	require.Equal(t, "PJSIP/200@1001", orig.Fields["Channel"])
	require.Equal(t, "softphone-out", orig.Fields["Context"])
	uid := orig.Fields["ChannelId"]
	require.NotEmpty(t, uid)

	events := e.Translate(Event{"Event": "Newstate", "Uniqueid": uid, "Channel": "PJSIP/trunk-00000001", "ChannelStateDesc": "Ringing"})
	require.Equal(t, []engine.Event{engine.CallStateChanged{Call: id, State: models.CallStateRinging}}, events)

	events = e.Translate(Event{"Event": "Newstate", "Uniqueid": uid, "Channel": "PJSIP/trunk-00000001", "ChannelStateDesc": "Up"})
	require.Equal(t, []engine.Event{engine.CallStateChanged{Call: id, State: models.CallStateConnected}}, events)

	require.NoError(t, e.SendDtmf(ctx, id, "12"))
	require.Eventually(t, func() bool {
		n := 0
		for _, a := range sender.sent() {
			if a.Action == "PlayDTMF" {
				n++
			}
		}
		return n == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, e.Bye(ctx, id))
	hangup := sender.waitFor(t, "Hangup")
	require.Equal(t, "PJSIP/trunk-00000001", hangup.Fields["Channel"])
	require.Equal(t, "16", hangup.Fields["Cause"])

	events = e.Translate(Event{"Event": "Hangup", "Uniqueid": uid, "Cause": "16"})
	require.Equal(t, []engine.Event{engine.CallStateChanged{Call: id, State: models.CallStateEnded, ErrorCode: engine.CodeOK}}, events)
	require.Empty(t, e.Translate(Event{"Event": "Hangup", "Uniqueid": uid, "Cause": "16"}))
}

func TestOriginateFailure(t *testing.T) {
	e, sender := newTestEngine(t)
	acc, _ := e.AddAccount(context.Background(), models.Credentials{Server: "pbx.local", Extension: "1001"})

	id, err := e.Invite(context.Background(), models.Destination{ToExt: "200", FromAccount: acc})
	require.NoError(t, err)
	uid := sender.waitFor(t, "Originate").Fields["ChannelId"]

	events := e.Translate(Event{"Event": "OriginateResponse", "Uniqueid": uid, "Response": "Failure", "Reason": "5"})
	require.Equal(t, []engine.Event{engine.CallStateChanged{Call: id, State: models.CallStateEnded, ErrorCode: engine.SIPBusyHere}}, events)
}

func TestOriginateActionErrorEndsCall(t *testing.T) {
	e, sender := newTestEngine(t)
	sender.failures["Originate"] = stderrors.New("connection reset")
	acc, _ := e.AddAccount(context.Background(), models.Credentials{Server: "pbx.local", Extension: "1001"})

	id, err := e.Invite(context.Background(), models.Destination{ToExt: "200", FromAccount: acc})
	require.NoError(t, err)
	require.Equal(t, engine.CallStateChanged{Call: id, State: models.CallStateEnded, ErrorCode: engine.CodeActionFailed}, nextEvent(t, e))
}

func TestCancelBeforeChannelExists(t *testing.T) {
	e, sender := newTestEngine(t)
	acc, _ := e.AddAccount(context.Background(), models.Credentials{Server: "pbx.local", Extension: "1001"})
	id, _ := e.Invite(context.Background(), models.Destination{ToExt: "200", FromAccount: acc})
	uid := sender.waitFor(t, "Originate").Fields["ChannelId"]

	require.NoError(t, e.Bye(context.Background(), id))
	events := e.Translate(Event{"Event": "Newstate", "Uniqueid": uid, "Channel": "PJSIP/trunk-7", "ChannelStateDesc": "Ringing"})
	require.Empty(t, events)

	hangup := sender.waitFor(t, "Hangup")
	require.Equal(t, "PJSIP/trunk-7", hangup.Fields["Channel"])
}

func TestIncomingCall(t *testing.T) {
	e, sender := newTestEngine(t)
	ctx := context.Background()
	acc, _ := e.AddAccount(ctx, models.Credentials{Server: "pbx.local", Extension: "1001"})

	events := e.Translate(Event{
		"Event":            "Newstate",
		"Uniqueid":         "1700000000.5",
		"Channel":          "PJSIP/1001-00000005",
		"ChannelStateDesc": "Ring",
		"CallerIDNum":      "555",
		"CallerIDName":     "Alice",
		"Exten":            "1001",
	})
	require.Len(t, events, 1)
	incoming, ok := events[0].(engine.IncomingCall)
	require.True(t, ok)
	require.Equal(t, acc, incoming.Account)
	require.Equal(t, "Alice <555>", incoming.Remote)
	require.Equal(t, "1001", incoming.Local)

	require.NoError(t, e.Accept(ctx, incoming.Call, false))
	redirect := sender.waitFor(t, "Redirect")
	require.Equal(t, "softphone-answer", redirect.Fields["Context"])

	events = e.Translate(Event{"Event": "MusicOnHoldStart", "Uniqueid": "1700000000.5"})
	require.Equal(t, []engine.Event{engine.HoldStateChanged{Call: incoming.Call, State: models.HoldLocal}}, events)
	events = e.Translate(Event{"Event": "Hold", "Uniqueid": "1700000000.5"})
	require.Equal(t, []engine.Event{engine.HoldStateChanged{Call: incoming.Call, State: models.HoldLocalAndRemote}}, events)
	events = e.Translate(Event{"Event": "MusicOnHoldStop", "Uniqueid": "1700000000.5"})
	require.Equal(t, []engine.Event{engine.HoldStateChanged{Call: incoming.Call, State: models.HoldRemote}}, events)

	events = e.Translate(Event{"Event": "DTMFEnd", "Uniqueid": "1700000000.5", "Digit": "9", "Direction": "Received"})
	require.Equal(t, []engine.Event{engine.DtmfReceived{Call: incoming.Call, Digit: "9"}}, events)
	require.Empty(t, e.Translate(Event{"Event": "DTMFEnd", "Uniqueid": "1700000000.5", "Digit": "9", "Direction": "Sent"}))

	events = e.Translate(Event{"Event": "Hangup", "Uniqueid": "1700000000.5", "Cause": "127"})
	require.Equal(t, []engine.Event{engine.CallStateChanged{Call: incoming.Call, State: models.CallStateEnded, ErrorCode: engine.SIPRequestTerminated}}, events)
}

func TestMediaCommands(t *testing.T) {
	e, sender := newTestEngine(t)
	ctx := context.Background()
	e.AddAccount(ctx, models.Credentials{Server: "pbx.local", Extension: "1001"})
	events := e.Translate(Event{"Event": "Newstate", "Uniqueid": "u1", "Channel": "PJSIP/1001-1", "ChannelStateDesc": "Ring", "Exten": "1001"})
	call := events[0].(engine.IncomingCall).Call

	require.NoError(t, e.MuteMic(ctx, call, true))
	require.Equal(t, engine.MediaStateChanged{Call: call, MicMuted: true}, nextEvent(t, e))
	require.Equal(t, "on", sender.waitFor(t, "MuteAudio").Fields["State"])

	require.NoError(t, e.SwitchSpeaker(ctx, call, true))
	require.Equal(t, engine.MediaStateChanged{Call: call, MicMuted: true, SpeakerOn: true}, nextEvent(t, e))

	var ce *engine.CodeError
	require.True(t, stderrors.As(e.MuteCam(ctx, call, true), &ce))
	require.Equal(t, engine.CodeUnsupported, ce.Code)

	sender.respond("MuteAudio", Event{"Response": "Error", "Message": "No such channel"})
	require.NoError(t, e.MuteMic(ctx, call, false))
	require.Equal(t, engine.MediaStateChanged{Call: call, MicMuted: true, SpeakerOn: true}, nextEvent(t, e))
}

func TestRunForwardsConnectionState(t *testing.T) {
	e, _ := newTestEngine(t)
	amiEvents := make(chan Event)
	state := make(chan bool, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, amiEvents, state)

	state <- false
	require.Equal(t, engine.NetworkChanged{Lost: true}, nextEvent(t, e))
	state <- true
	require.Equal(t, engine.NetworkChanged{Lost: false}, nextEvent(t, e))
}

func TestHangupCauseCode(t *testing.T) {
	require.Equal(t, engine.CodeOK, hangupCauseCode("16"))
	require.Equal(t, engine.SIPBusyHere, hangupCauseCode("17"))
	require.Equal(t, engine.SIPTemporarilyUnavail, hangupCauseCode("19"))
	require.Equal(t, engine.SIPDecline, hangupCauseCode("21"))
	require.Equal(t, 500, hangupCauseCode("99"))
	require.Equal(t, engine.CodeOK, hangupCauseCode(""))
	require.Equal(t, "1001", channelEndpoint("PJSIP/1001-0000002a"))
}
