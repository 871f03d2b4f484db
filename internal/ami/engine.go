package ami

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hamzaKhattat/softphone-core/internal/engine"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// ActionSender is the part of Manager the engine adapter needs.
type ActionSender interface {
	SendAction(ctx context.Context, action Action) (Event, error)
	IsLoggedIn() bool
}

// Contexts names the dialplan contexts the adapter redirects channels into.
type Contexts struct {
	Outbound string
	Answer   string
	Hold     string
}

type account struct {
	id           models.AccountID
	creds        models.Credentials
	registration string
}

type channel struct {
	id         models.CallID
	uniqueID   string
	name       string
	exten      string
	localHold  bool
	remoteHold bool
	micMuted   bool
	speakerOn  bool

	pendingCause int
}

func (c *channel) holdState() models.HoldState {
	switch {
	case c.localHold && c.remoteHold:
		return models.HoldLocalAndRemote
	case c.localHold:
		return models.HoldLocal
	case c.remoteHold:
		return models.HoldRemote
	}
	return models.HoldNone
}

// Engine drives an Asterisk PBX over AMI as the telephony engine.
type Engine struct {
	sender   ActionSender
	contexts Contexts
	events   chan engine.Event
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	accounts map[models.AccountID]*account
	channels map[string]*channel
	calls    map[models.CallID]*channel
	nextAcc  models.AccountID
	nextCall models.CallID
}

var _ engine.Engine = (*Engine)(nil)

func NewEngine(sender ActionSender, contexts Contexts, buffer int) *Engine {
	if buffer <= 0 {
		buffer = 256
	}
	return &Engine{
		sender:   sender,
		contexts: contexts,
		events:   make(chan engine.Event, buffer),
		done:     make(chan struct{}),
		accounts: make(map[models.AccountID]*account),
		channels: make(map[string]*channel),
		calls:    make(map[models.CallID]*channel),
		nextAcc:  1,
		nextCall: 1,
	}
}

func (e *Engine) Events() <-chan engine.Event { return e.events }

// Run translates AMI events and connection changes until ctx is done.
func (e *Engine) Run(ctx context.Context, amiEvents <-chan Event, state <-chan bool) {
	defer e.stopOnce.Do(func() { close(e.done) })

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-amiEvents:
			if !ok {
				return
			}
			for _, out := range e.Translate(ev) {
				e.emit(out)
			}
		case connected, ok := <-state:
			if !ok {
				state = nil
				continue
			}
			e.emit(engine.NetworkChanged{Lost: !connected})
		}
	}
}

func (e *Engine) emit(ev engine.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// dispatch sends action in the background and emits what the matching callback returns.
func (e *Engine) dispatch(action Action, onSuccess func() []engine.Event, onError func(msg string) []engine.Event) {
	go func() {
		resp, err := e.sender.SendAction(context.Background(), action)
		msg := ""
		switch {
		case err != nil:
			msg = err.Error()
		case resp["Response"] == "Error":
			msg = resp["Message"]
		default:
			if onSuccess != nil {
				for _, ev := range onSuccess() {
					e.emit(ev)
				}
			}
			return
		}

		logger.WithFields(map[string]interface{}{
			"action":  action.Action,
			"message": msg,
		}).Warn("AMI action failed")
		if onError == nil {
			return
		}
		for _, ev := range onError(msg) {
			e.emit(ev)
		}
	}()
}

func (e *Engine) connected() error {
	if !e.sender.IsLoggedIn() {
		return engine.Reject(engine.CodeNotConnected)
	}
	return nil
}

func registrationName(creds models.Credentials) string {
	return creds.Extension
}

func (e *Engine) AddAccount(ctx context.Context, creds models.Credentials) (models.AccountID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, acc := range e.accounts {
		if acc.creds.Extension == creds.Extension && acc.creds.Server == creds.Server {
			return models.InvalidID, engine.Reject(engine.CodeDuplicateAccount)
		}
	}
	id := e.nextAcc
	e.nextAcc++
	e.accounts[id] = &account{id: id, creds: creds, registration: registrationName(creds)}
	return id, nil
}

func (e *Engine) RegisterAccount(ctx context.Context, id models.AccountID) error {
	return e.registration(id, "PJSIPRegister")
}

func (e *Engine) UnregisterAccount(ctx context.Context, id models.AccountID) error {
	return e.registration(id, "PJSIPUnregister")
}

func (e *Engine) registration(id models.AccountID, actionName string) error {
	if err := e.connected(); err != nil {
		return err
	}
	e.mu.Lock()
	acc, ok := e.accounts[id]
	e.mu.Unlock()
	if !ok {
		return engine.Reject(engine.CodeUnknownAccount)
	}

	e.dispatch(Action{
		Action: actionName,
		Fields: map[string]string{"Registration": acc.registration},
	}, nil, func(msg string) []engine.Event {
		return []engine.Event{engine.RegistrationChanged{Account: id, State: models.RegStateFailed, Text: msg}}
	})
	return nil
}

func (e *Engine) DeleteAccount(ctx context.Context, id models.AccountID) error {
	e.mu.Lock()
	acc, ok := e.accounts[id]
	if ok {
		delete(e.accounts, id)
	}
	e.mu.Unlock()
	if !ok {
		return engine.Reject(engine.CodeUnknownAccount)
	}

	if e.sender.IsLoggedIn() {
		e.dispatch(Action{
			Action: "PJSIPUnregister",
			Fields: map[string]string{"Registration": acc.registration},
		}, nil, nil)
	}
	return nil
}

func (e *Engine) Invite(ctx context.Context, dest models.Destination) (models.CallID, error) {
	if err := e.connected(); err != nil {
		return models.InvalidID, err
	}

	e.mu.Lock()
	acc, ok := e.accounts[dest.FromAccount]
	if !ok {
		e.mu.Unlock()
		return models.InvalidID, engine.Reject(engine.CodeUnknownAccount)
	}
	id := e.nextCall
	e.nextCall++
	ch := &channel{id: id, uniqueID: uuid.New().String(), exten: dest.ToExt}
	e.channels[ch.uniqueID] = ch
	e.calls[id] = ch
	e.mu.Unlock()

	callerID := acc.creds.Extension
	if acc.creds.DisplayName != "" {
		callerID = fmt.Sprintf("%q <%s>", acc.creds.DisplayName, acc.creds.Extension)
	}

	e.dispatch(Action{
		Action: "Originate",
		Fields: map[string]string{
			"Channel":   fmt.Sprintf("PJSIP/%s@%s", dest.ToExt, acc.registration),
			"Context":   e.contexts.Outbound,
			"Exten":     dest.ToExt,
			"Priority":  "1",
			"CallerID":  callerID,
			"Async":     "true",
			"ChannelId": ch.uniqueID,
			"Timeout":   "60000",
			"Variable":  fmt.Sprintf("SOFTPHONE_CALL_ID=%d", id),
		},
	}, nil, func(msg string) []engine.Event {
		return e.endCall(ch.uniqueID, engine.CodeActionFailed)
	})
	return id, nil
}

func (e *Engine) lookupCall(id models.CallID) (*channel, error) {
	if err := e.connected(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.calls[id]
	if !ok {
		return nil, engine.Reject(engine.CodeUnknownCall)
	}
	if ch.name == "" {
		return nil, engine.Reject(engine.CodeBadArgument)
	}
	return ch, nil
}

func (e *Engine) Accept(ctx context.Context, id models.CallID, withVideo bool) error {
	ch, err := e.lookupCall(id)
	if err != nil {
		return err
	}
	e.dispatch(e.redirect(ch, e.contexts.Answer), nil, nil)
	return nil
}

func (e *Engine) Reject(ctx context.Context, id models.CallID) error {
	return e.hangup(id, 21)
}

func (e *Engine) Bye(ctx context.Context, id models.CallID) error {
	return e.hangup(id, 16)
}

// hangup before the channel exists is deferred until its first Newstate.
func (e *Engine) hangup(id models.CallID, cause int) error {
	if err := e.connected(); err != nil {
		return err
	}
	e.mu.Lock()
	ch, ok := e.calls[id]
	name := ""
	if ok {
		name = ch.name
		if name == "" {
			ch.pendingCause = cause
		}
	}
	e.mu.Unlock()
	if !ok {
		return engine.Reject(engine.CodeUnknownCall)
	}
	if name != "" {
		e.dispatch(hangupAction(name, cause), nil, nil)
	}
	return nil
}

func hangupAction(name string, cause int) Action {
	return Action{
		Action: "Hangup",
		Fields: map[string]string{"Channel": name, "Cause": strconv.Itoa(cause)},
	}
}

func (e *Engine) redirect(ch *channel, target string) Action {
	return Action{
		Action: "Redirect",
		Fields: map[string]string{
			"Channel":  ch.name,
			"Context":  target,
			"Exten":    ch.exten,
			"Priority": "1",
		},
	}
}

// Hold parks the channel in the hold context, or brings it back.
func (e *Engine) Hold(ctx context.Context, id models.CallID) error {
	ch, err := e.lookupCall(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	target := e.contexts.Hold
	if ch.localHold {
		target = e.contexts.Answer
	}
	action := e.redirect(ch, target)
	e.mu.Unlock()

	e.dispatch(action, nil, nil)
	return nil
}

func (e *Engine) MuteMic(ctx context.Context, id models.CallID, mute bool) error {
	ch, err := e.lookupCall(id)
	if err != nil {
		return err
	}
	state := "off"
	if mute {
		state = "on"
	}
	e.dispatch(Action{
		Action: "MuteAudio",
		Fields: map[string]string{"Channel": ch.name, "Direction": "in", "State": state},
	}, func() []engine.Event {
		e.mu.Lock()
		ch.micMuted = mute
		e.mu.Unlock()
		return []engine.Event{e.media(ch)}
	}, func(string) []engine.Event {
		return []engine.Event{e.media(ch)}
	})
	return nil
}

// MuteCam is not available for Asterisk channels.
func (e *Engine) MuteCam(ctx context.Context, id models.CallID, mute bool) error {
	return engine.Reject(engine.CodeUnsupported)
}

// SwitchSpeaker is a local audio route, confirmed immediately.
func (e *Engine) SwitchSpeaker(ctx context.Context, id models.CallID, on bool) error {
	e.mu.Lock()
	ch, ok := e.calls[id]
	if ok {
		ch.speakerOn = on
	}
	e.mu.Unlock()
	if !ok {
		return engine.Reject(engine.CodeUnknownCall)
	}
	go e.emit(e.media(ch))
	return nil
}

func (e *Engine) media(ch *channel) engine.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engine.MediaStateChanged{Call: ch.id, MicMuted: ch.micMuted, SpeakerOn: ch.speakerOn}
}

func (e *Engine) SendDtmf(ctx context.Context, id models.CallID, digits string) error {
	ch, err := e.lookupCall(id)
	if err != nil {
		return err
	}
	for _, d := range digits {
		e.dispatch(Action{
			Action: "PlayDTMF",
			Fields: map[string]string{"Channel": ch.name, "Digit": string(d)},
		}, nil, nil)
	}
	return nil
}

func (e *Engine) TransferBlind(ctx context.Context, id models.CallID, toExt string) error {
	ch, err := e.lookupCall(id)
	if err != nil {
		return err
	}
	e.dispatch(Action{
		Action: "BlindTransfer",
		Fields: map[string]string{"Channel": ch.name, "Context": e.contexts.Outbound, "Exten": toExt},
	}, nil, nil)
	return nil
}

// Translate maps one AMI event to engine events and updates channel tracking.
func (e *Engine) Translate(ev Event) []engine.Event {
	switch ev["Event"] {
	case "Registry":
		return e.onRegistry(ev)
	case "Newstate":
		return e.onNewstate(ev)
	case "Hangup":
		return e.endCall(ev["Uniqueid"], hangupCauseCode(ev["Cause"]))
	case "OriginateResponse":
		if ev["Response"] == "Failure" {
			return e.endCall(ev["Uniqueid"], originateReasonCode(ev["Reason"]))
		}
	case "MusicOnHoldStart", "MusicOnHoldStop":
		return e.onHold(ev["Uniqueid"], func(ch *channel) { ch.localHold = ev["Event"] == "MusicOnHoldStart" })
	case "Hold", "Unhold":
		return e.onHold(ev["Uniqueid"], func(ch *channel) { ch.remoteHold = ev["Event"] == "Hold" })
	case "DTMFEnd":
		if ev["Direction"] != "Received" {
			return nil
		}
		e.mu.Lock()
		ch, ok := e.channels[ev["Uniqueid"]]
		e.mu.Unlock()
		if ok {
			return []engine.Event{engine.DtmfReceived{Call: ch.id, Digit: ev["Digit"]}}
		}
	}
	return nil
}

func (e *Engine) onRegistry(ev Event) []engine.Event {
	if ct := ev["ChannelType"]; ct != "" && !strings.EqualFold(ct, "PJSIP") {
		return nil
	}
	user := ev["Username"]
	if i := strings.Index(user, "@"); i >= 0 {
		user = user[:i]
	}
	user = strings.TrimPrefix(user, "sip:")

	e.mu.Lock()
	var found *account
	for _, acc := range e.accounts {
		if acc.registration == user || acc.creds.Extension == user {
			found = acc
			break
		}
	}
	e.mu.Unlock()
	if found == nil {
		return nil
	}

	status := ev["Status"]
	return []engine.Event{engine.RegistrationChanged{
		Account: found.id,
		State:   registryState(status),
		Text:    status,
	}}
}

func registryState(status string) models.RegState {
	switch strings.ToLower(status) {
	case "registered":
		return models.RegStateSuccess
	case "unregistered":
		return models.RegStateRemoved
	case "rejected", "failed":
		return models.RegStateFailed
	}
	return models.RegStateInProgress
}

func (e *Engine) onNewstate(ev Event) []engine.Event {
	uid := ev["Uniqueid"]
	desc := ev["ChannelStateDesc"]

	e.mu.Lock()
	ch, known := e.channels[uid]
	pending := 0
	if known && ch.name == "" {
		ch.name = ev["Channel"]
		pending = ch.pendingCause
	}
	e.mu.Unlock()

	if pending != 0 {
		e.dispatch(hangupAction(ch.name, pending), nil, nil)
		return nil
	}

	if !known {
		if desc != "Ring" && desc != "Ringing" {
			return nil
		}
		return e.onIncoming(ev)
	}

	switch desc {
	case "Ringing":
		return []engine.Event{engine.CallStateChanged{Call: ch.id, State: models.CallStateRinging}}
	case "Up":
		return []engine.Event{engine.CallStateChanged{Call: ch.id, State: models.CallStateConnected}}
	}
	return nil
}

func (e *Engine) onIncoming(ev Event) []engine.Event {
	endpoint := channelEndpoint(ev["Channel"])

	e.mu.Lock()
	defer e.mu.Unlock()

	var acc *account
	for _, a := range e.accounts {
		if a.registration == endpoint || a.creds.Extension == ev["Exten"] {
			acc = a
			break
		}
	}
	if acc == nil {
		logger.WithField("channel", ev["Channel"]).Debug("Ringing channel for no known account ignored")
		return nil
	}

	id := e.nextCall
	e.nextCall++
	ch := &channel{id: id, uniqueID: ev["Uniqueid"], name: ev["Channel"], exten: ev["Exten"]}
	e.channels[ch.uniqueID] = ch
	e.calls[id] = ch

	remote := ev["CallerIDNum"]
	if name := ev["CallerIDName"]; name != "" && name != "<unknown>" && name != remote {
		remote = fmt.Sprintf("%s <%s>", name, remote)
	}
	return []engine.Event{engine.IncomingCall{
		Call:    id,
		Account: acc.id,
		Remote:  remote,
		Local:   acc.creds.Extension,
	}}
}

func (e *Engine) onHold(uid string, apply func(*channel)) []engine.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[uid]
	if !ok {
		return nil
	}
	apply(ch)
	return []engine.Event{engine.HoldStateChanged{Call: ch.id, State: ch.holdState()}}
}

func (e *Engine) endCall(uid string, code int) []engine.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[uid]
	if !ok {
		return nil
	}
	delete(e.channels, uid)
	delete(e.calls, ch.id)
	return []engine.Event{engine.CallStateChanged{Call: ch.id, State: models.CallStateEnded, ErrorCode: code}}
}

// channelEndpoint extracts "1001" from "PJSIP/1001-0000002a".
func channelEndpoint(name string) string {
	name = strings.TrimPrefix(name, "PJSIP/")
	if i := strings.LastIndex(name, "-"); i > 0 {
		name = name[:i]
	}
	return name
}

// hangupCauseCode maps Q.850 hangup causes to SIP response codes.
func hangupCauseCode(cause string) int {
	n, err := strconv.Atoi(cause)
	if err != nil {
		return engine.CodeOK
	}
	switch n {
	case 0, 16:
		return engine.CodeOK
	case 1:
		return 404
	case 17:
		return engine.SIPBusyHere
	case 18:
		return engine.SIPRequestTimeout
	case 19, 20:
		return engine.SIPTemporarilyUnavail
	case 21:
		return engine.SIPDecline
	case 34, 38, 41, 42:
		return 503
	case 127:
		return engine.SIPRequestTerminated
	}
	return 500
}

// originateReasonCode maps OriginateResponse reasons to SIP response codes.
func originateReasonCode(reason string) int {
	switch reason {
	case "1":
		return engine.SIPRequestTerminated
	case "3":
		return engine.SIPRequestTimeout
	case "5":
		return engine.SIPBusyHere
	case "8":
		return 503
	}
	return 500
}
