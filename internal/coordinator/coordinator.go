// Package coordinator owns the account and call registries and the history log.
//
// Run is the only goroutine that mutates them. Engine events, consumer commands
// and the duration ticker are serialized through its select loop, and every
// change is fanned out to subscribers as an immutable Snapshot.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hamzaKhattat/softphone-core/internal/accounts"
	"github.com/hamzaKhattat/softphone-core/internal/calls"
	"github.com/hamzaKhattat/softphone-core/internal/engine"
	"github.com/hamzaKhattat/softphone-core/internal/history"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/internal/settings"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// CallStatusNotifier is told about call state changes. It runs on its own goroutine.
type CallStatusNotifier interface {
	NotifyCallStatus(ctx context.Context, status string, call models.Call)
}

type Config struct {
	TickInterval     time.Duration
	SubscriberBuffer int
	CommandBuffer    int
}

// Snapshot is the observable state after one loop iteration.
type Snapshot struct {
	Version         uint64                   `json:"version"`
	At              time.Time                `json:"at"`
	Accounts        []models.Account         `json:"accounts"`
	SelectedAccount models.AccountID         `json:"selected_account"`
	Calls           []models.Call            `json:"calls"`
	SwitchedCall    models.CallID            `json:"switched_call"`
	History         []models.CallHistoryItem `json:"history"`
	NetworkLost     bool                     `json:"network_lost"`
	Registered      bool                     `json:"registered"`
}

// Switched returns the focused call from the snapshot.
func (s Snapshot) Switched() (models.Call, bool) {
	for _, c := range s.Calls {
		if c.ID == s.SwitchedCall {
			return c, true
		}
	}
	return models.Call{}, false
}

type command struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

type Coordinator struct {
	engine   engine.Engine
	accounts *accounts.Registry
	calls    *calls.Registry
	history  *history.Log
	settings *settings.Settings
	metrics  MetricsInterface
	notifier CallStatusNotifier
	cfg      Config
	now      func() time.Time

	commands chan command
	stopped  chan struct{}
	running  chan struct{}

	networkLost bool
	version     uint64

	// prefs caches the settings so the loop never reads the store.
	prefsMu sync.RWMutex
	prefs   map[settings.Key]bool

	mu      sync.RWMutex
	latest  Snapshot
	subs    map[int]chan Snapshot
	nextSub int
}

func New(eng engine.Engine, hist *history.Log, prefs *settings.Settings, metrics MetricsInterface, cfg Config) *Coordinator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 64
	}

	accs := accounts.NewRegistry(eng, metrics)
	c := &Coordinator{
		engine:   eng,
		accounts: accs,
		calls:    calls.NewRegistry(eng, accs, hist, metrics),
		history:  hist,
		settings: prefs,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		commands: make(chan command, cfg.CommandBuffer),
		stopped:  make(chan struct{}),
		running:  make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
		prefs:    make(map[settings.Key]bool),
	}
	c.latest = Snapshot{
		SelectedAccount: models.InvalidID,
		SwitchedCall:    models.InvalidID,
	}
	return c
}

// SetNotifier installs the call status hook. Call before Run.
func (c *Coordinator) SetNotifier(n CallStatusNotifier) {
	c.notifier = n
}

// SetClock replaces the time source of the registries. Call before Run.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.calls.SetClock(now)
}

// Run processes commands, engine events and duration ticks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	defer c.closeSubscribers()

	c.history.Load(ctx)
	stopSaver := c.history.StartSaver()
	defer stopSaver()
	c.loadSettings(ctx)
	c.publish()
	close(c.running)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	events := c.engine.Events()
	logger.WithField("tick", c.cfg.TickInterval).Info("Coordinator started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Coordinator stopped")
			return nil

		case cmd := <-c.commands:
			err := cmd.fn(ctx)
			if err == nil {
				c.publish()
			}
			c.countCommand(cmd.name, err)
			cmd.done <- err

		case ev, ok := <-events:
			if !ok {
				logger.Warn("Engine event stream closed")
				events = nil
				continue
			}
			c.handleEvent(ctx, ev)
			c.publish()

		case <-ticker.C:
			if c.calls.Len() == 0 {
				continue
			}
			c.calls.OnDurationTick(c.now())
			c.publish()
		}
	}
}

// Ready is closed once Run has loaded history and published the first snapshot.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.running
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// submit runs fn on the loop and waits for its synchronous result.
func (c *Coordinator) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cmd := command{name: name, fn: fn, done: make(chan error, 1)}

	select {
	case c.commands <- cmd:
	case <-c.stopped:
		return errors.New(errors.ErrInternal, "coordinator is not running")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-c.stopped:
		return errors.New(errors.ErrInternal, "coordinator is not running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) countCommand(name string, err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(errors.CodeOf(err))
	}
	c.metrics.IncrementCounter("commands_total", map[string]string{"command": name, "result": result})
}

func (c *Coordinator) handleEvent(ctx context.Context, ev engine.Event) {
	if c.metrics != nil {
		c.metrics.IncrementCounter("engine_events_total", map[string]string{"type": ev.Type()})
	}

	switch e := ev.(type) {
	case engine.RegistrationChanged:
		c.accounts.OnRegistrationChanged(e.Account, e.State, e.Text)

	case engine.IncomingCall:
		call, ok := c.calls.OnIncoming(e.Call, e.Account, e.Remote, e.Local, e.WithVideo)
		if !ok {
			return
		}
		c.notify(ctx, call)
		if c.setting(settings.AutoAnswer) {
			if err := c.calls.Accept(ctx, e.Call, e.WithVideo); err != nil {
				logger.WithField("call_id", e.Call).WithError(err).Warn("Auto answer failed")
			}
		}

	case engine.CallStateChanged:
		call, changed := c.calls.OnStateChanged(ctx, e.Call, e.State, e.ErrorCode)
		if !changed {
			return
		}
		if e.ErrorCode != engine.CodeOK && e.State == models.CallStateEnded {
			logger.WithFields(map[string]interface{}{
				"call_id": e.Call,
				"code":    e.ErrorCode,
				"reason":  engine.ErrorText(e.ErrorCode),
			}).Info("Call ended by engine")
		}
		c.notify(ctx, call)
		if e.State == models.CallStateConnected && !call.SpeakerOn.Value && c.setting(settings.SpeakerByDefault) {
			if err := c.calls.SwitchSpeaker(ctx, e.Call, true); err != nil {
				logger.WithField("call_id", e.Call).WithError(err).Warn("Failed to enable speaker by default")
			}
		}

	case engine.HoldStateChanged:
		if call, changed := c.calls.OnHoldStateChanged(e.Call, e.State); changed {
			c.notify(ctx, call)
		}

	case engine.DtmfReceived:
		c.calls.OnDtmfReceived(e.Call, e.Digit)

	case engine.MediaStateChanged:
		c.calls.OnMediaStateChanged(e.Call, e.MicMuted, e.CamMuted, e.SpeakerOn)

	case engine.NetworkChanged:
		c.networkLost = e.Lost
		if e.Lost {
			logger.Warn("Network connection lost")
		} else {
			logger.Info("Network connection restored")
		}

	default:
		logger.WithField("type", ev.Type()).Debug("Unhandled engine event")
	}
}

func (c *Coordinator) loadSettings(ctx context.Context) {
	if c.settings == nil {
		return
	}
	values := c.settings.All(ctx)
	c.prefsMu.Lock()
	defer c.prefsMu.Unlock()
	for k, v := range values {
		c.prefs[k] = v
	}
}

func (c *Coordinator) setting(key settings.Key) bool {
	c.prefsMu.RLock()
	defer c.prefsMu.RUnlock()
	return c.prefs[key]
}

func (c *Coordinator) notify(ctx context.Context, call models.Call) {
	if c.notifier == nil || !c.setting(settings.CallNotifications) {
		return
	}
	go c.notifier.NotifyCallStatus(context.Background(), string(call.State), call)
}

func (c *Coordinator) publish() {
	c.version++
	snap := Snapshot{
		Version:         c.version,
		At:              c.now(),
		Accounts:        c.accounts.List(),
		SelectedAccount: c.accounts.SelectedID(),
		Calls:           c.calls.List(),
		SwitchedCall:    c.calls.SwitchedID(),
		History:         c.history.Items(),
		NetworkLost:     c.networkLost,
		Registered:      c.accounts.AnyRegistered(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = snap
	for id, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			logger.WithField("subscriber", id).WithField("version", snap.Version).Debug("Subscriber is slow, snapshot dropped")
			if c.metrics != nil {
				c.metrics.IncrementCounter("snapshots_dropped_total", map[string]string{})
			}
		}
	}
}

// Snapshot returns the latest published state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Subscribe returns a channel receiving every published snapshot, starting with
// the current one. Slow readers miss snapshots instead of blocking the loop.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, c.cfg.SubscriberBuffer)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	if c.latest.Version > 0 {
		ch <- c.latest
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (c *Coordinator) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}
