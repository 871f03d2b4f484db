// Package enginetest provides an in-memory engine that records commands.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hamzaKhattat/softphone-core/internal/engine"
	"github.com/hamzaKhattat/softphone-core/internal/models"
)

// Command is one recorded engine call.
type Command struct {
	Name    string
	Account models.AccountID
	Call    models.CallID
	Arg     string
	Flag    bool
}

func (c Command) String() string {
	return fmt.Sprintf("%s(acc=%d call=%d arg=%q flag=%v)", c.Name, c.Account, c.Call, c.Arg, c.Flag)
}

// Stub implements engine.Engine. Set Fail[name] to an engine code to make a command fail.
type Stub struct {
	mu       sync.Mutex
	commands []Command
	nextAcc  models.AccountID
	nextCall models.CallID
	events   chan engine.Event

	Fail map[string]int
}

var _ engine.Engine = (*Stub)(nil)

func New() *Stub {
	return &Stub{
		nextAcc:  1,
		nextCall: 1,
		events:   make(chan engine.Event, 64),
		Fail:     make(map[string]int),
	}
}

// NextCallID sets the id returned by the next Invite.
func (s *Stub) NextCallID(id models.CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCall = id
}

// Emit queues an event as if the engine produced it.
func (s *Stub) Emit(ev engine.Event) {
	s.events <- ev
}

func (s *Stub) Events() <-chan engine.Event { return s.events }

// Commands returns a copy of every recorded command.
func (s *Stub) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// Names returns the recorded command names in order.
func (s *Stub) Names() []string {
	cmds := s.Commands()
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Name
	}
	return out
}

// Reset forgets recorded commands.
func (s *Stub) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

func (s *Stub) record(c Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, c)
	if code, ok := s.Fail[c.Name]; ok {
		return engine.Reject(code)
	}
	return nil
}

func (s *Stub) AddAccount(ctx context.Context, creds models.Credentials) (models.AccountID, error) {
	if err := s.record(Command{Name: "AddAccount", Arg: creds.Extension + "@" + creds.Server}); err != nil {
		return models.InvalidID, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextAcc
	s.nextAcc++
	return id, nil
}

func (s *Stub) RegisterAccount(ctx context.Context, id models.AccountID) error {
	return s.record(Command{Name: "RegisterAccount", Account: id})
}

func (s *Stub) UnregisterAccount(ctx context.Context, id models.AccountID) error {
	return s.record(Command{Name: "UnregisterAccount", Account: id})
}

func (s *Stub) DeleteAccount(ctx context.Context, id models.AccountID) error {
	return s.record(Command{Name: "DeleteAccount", Account: id})
}

func (s *Stub) Invite(ctx context.Context, dest models.Destination) (models.CallID, error) {
	if err := s.record(Command{Name: "Invite", Account: dest.FromAccount, Arg: dest.ToExt, Flag: dest.WithVideo}); err != nil {
		return models.InvalidID, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextCall
	s.nextCall++
	return id, nil
}

func (s *Stub) Accept(ctx context.Context, id models.CallID, withVideo bool) error {
	return s.record(Command{Name: "Accept", Call: id, Flag: withVideo})
}

func (s *Stub) Reject(ctx context.Context, id models.CallID) error {
	return s.record(Command{Name: "Reject", Call: id})
}

func (s *Stub) Bye(ctx context.Context, id models.CallID) error {
	return s.record(Command{Name: "Bye", Call: id})
}

func (s *Stub) Hold(ctx context.Context, id models.CallID) error {
	return s.record(Command{Name: "Hold", Call: id})
}

func (s *Stub) MuteMic(ctx context.Context, id models.CallID, mute bool) error {
	return s.record(Command{Name: "MuteMic", Call: id, Flag: mute})
}

func (s *Stub) MuteCam(ctx context.Context, id models.CallID, mute bool) error {
	return s.record(Command{Name: "MuteCam", Call: id, Flag: mute})
}

func (s *Stub) SwitchSpeaker(ctx context.Context, id models.CallID, on bool) error {
	return s.record(Command{Name: "SwitchSpeaker", Call: id, Flag: on})
}

func (s *Stub) SendDtmf(ctx context.Context, id models.CallID, digits string) error {
	return s.record(Command{Name: "SendDtmf", Call: id, Arg: digits})
}

func (s *Stub) TransferBlind(ctx context.Context, id models.CallID, toExt string) error {
	return s.record(Command{Name: "TransferBlind", Call: id, Arg: toExt})
}
