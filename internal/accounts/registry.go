// Package accounts tracks SIP accounts loaded in the engine and their registration state.
//
// Registry is not safe for concurrent use; the coordinator owns it.
package accounts

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

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	SetGauge(name string, value float64, labels map[string]string)
}

type Registry struct {
	engine   engine.Engine
	metrics  MetricsInterface
	now      func() time.Time
	accounts map[models.AccountID]*models.Account
	selected models.AccountID
}

func NewRegistry(eng engine.Engine, metrics MetricsInterface) *Registry {
	return &Registry{
		engine:   eng,
		metrics:  metrics,
		now:      time.Now,
		accounts: make(map[models.AccountID]*models.Account),
		selected: models.InvalidID,
	}
}

// Add forwards creds to the engine and, once acknowledged, starts registration.
func (r *Registry) Add(ctx context.Context, creds models.Credentials) (models.AccountID, error) {
	creds.Server = strings.TrimSpace(creds.Server)
	creds.Extension = strings.TrimSpace(creds.Extension)
	if creds.Server == "" {
		return models.InvalidID, errors.New(errors.ErrEmptyField, "sip server is required")
	}
	if creds.Extension == "" {
		return models.InvalidID, errors.New(errors.ErrEmptyField, "sip extension is required")
	}
	if creds.Transport == "" {
		creds.Transport = models.TransportUDP
	}
	if creds.ExpireTime == 0 {
		creds.ExpireTime = 300
	}

	id, err := r.engine.AddAccount(ctx, creds)
	if err != nil {
		return models.InvalidID, engine.Wrap(err, "add account")
	}

	name := creds.DisplayName
	if name == "" {
		name = creds.Extension + "@" + creds.Server
	}
	acc := &models.Account{
		ID:        id,
		Name:      name,
		Server:    creds.Server,
		Extension: creds.Extension,
		Transport: creds.Transport,
		RegState:  models.RegStateNotRegistered,
		CreatedAt: r.now(),
	}
	r.accounts[id] = acc
	if r.selected == models.InvalidID {
		r.selected = id
	}

	log := logger.WithField("account_id", id).WithField("name", name)
	log.Info("Account added")

	if err := r.Register(ctx, id); err != nil {
		log.WithError(err).Warn("Initial registration was rejected")
	}
	r.updateMetrics()
	return id, nil
}

// Register is ignored for unknown ids.
func (r *Registry) Register(ctx context.Context, id models.AccountID) error {
	return r.requestRegistration(ctx, id, models.PendingRegister)
}

// Unregister is ignored for unknown ids.
func (r *Registry) Unregister(ctx context.Context, id models.AccountID) error {
	return r.requestRegistration(ctx, id, models.PendingUnregister)
}

func (r *Registry) requestRegistration(ctx context.Context, id models.AccountID, action models.PendingAction) error {
	acc, ok := r.accounts[id]
	if !ok {
		logger.WithField("account_id", id).Debug("Registration request for unknown account ignored")
		return nil
	}

	var err error
	if action == models.PendingRegister {
		err = r.engine.RegisterAccount(ctx, id)
	} else {
		err = r.engine.UnregisterAccount(ctx, id)
	}
	if err != nil {
		return engine.Wrap(err, string(action))
	}

	acc.RegState = models.RegStateInProgress
	acc.Pending = action
	r.updateMetrics()
	return nil
}

// Delete removes the account once the engine accepts the delete.
func (r *Registry) Delete(ctx context.Context, id models.AccountID) error {
	if _, ok := r.accounts[id]; !ok {
		return errors.Newf(errors.ErrUnknownAccount, "account %d not found", id)
	}
	if err := r.engine.DeleteAccount(ctx, id); err != nil {
		return engine.Wrap(err, "delete account")
	}

	delete(r.accounts, id)
	if r.selected == id {
		r.selected = r.firstID()
	}
	logger.WithField("account_id", id).Info("Account deleted")
	r.updateMetrics()
	return nil
}

// OnRegistrationChanged applies an engine notification. Unknown ids are dropped.
func (r *Registry) OnRegistrationChanged(id models.AccountID, state models.RegState, text string) {
	acc, ok := r.accounts[id]
	if !ok {
		logger.WithField("account_id", id).Debug("Registration event for unknown account dropped")
		return
	}

	acc.RegState = state
	acc.RegText = text
	acc.Pending = models.PendingNone

	logger.WithFields(map[string]interface{}{
		"account_id": id,
		"state":      state,
		"text":       text,
	}).Info("Account registration changed")
	r.updateMetrics()
}

// Select marks id as the highlighted account; unknown ids are ignored.
func (r *Registry) Select(id models.AccountID) {
	if _, ok := r.accounts[id]; ok {
		r.selected = id
	}
}

func (r *Registry) SelectedID() models.AccountID { return r.selected }

func (r *Registry) Len() int { return len(r.accounts) }

func (r *Registry) Get(id models.AccountID) (models.Account, bool) {
	acc, ok := r.accounts[id]
	if !ok {
		return models.Account{}, false
	}
	return *acc, true
}

// List returns account snapshots ordered by id.
func (r *Registry) List() []models.Account {
	out := make([]models.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AnyRegistered reports whether at least one account holds a successful registration.
func (r *Registry) AnyRegistered() bool {
	for _, acc := range r.accounts {
		if acc.RegState == models.RegStateSuccess {
			return true
		}
	}
	return false
}

func (r *Registry) firstID() models.AccountID {
	first := models.AccountID(models.InvalidID)
	for id := range r.accounts {
		if first == models.InvalidID || id < first {
			first = id
		}
	}
	return first
}

func (r *Registry) updateMetrics() {
	if r.metrics == nil {
		return
	}
	counts := map[models.RegState]int{
		models.RegStateNotRegistered: 0,
		models.RegStateInProgress:    0,
		models.RegStateSuccess:       0,
		models.RegStateFailed:        0,
		models.RegStateRemoved:       0,
	}
	for _, acc := range r.accounts {
		counts[acc.RegState]++
	}
	for state, n := range counts {
		r.metrics.SetGauge("account_registrations", float64(n), map[string]string{"state": string(state)})
	}
}
