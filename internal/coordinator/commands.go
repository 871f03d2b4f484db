package coordinator

import (
	"context"

	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/internal/settings"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
)

// Consumer commands. Each one returns once the loop has validated it and handed
// it to the engine; the effect shows up in a later snapshot.

func (c *Coordinator) AddAccount(ctx context.Context, creds models.Credentials) (models.AccountID, error) {
	id := models.AccountID(models.InvalidID)
	err := c.submit(ctx, "add_account", func(ctx context.Context) error {
		var err error
		id, err = c.accounts.Add(ctx, creds)
		return err
	})
	return id, err
}

func (c *Coordinator) RegisterAccount(ctx context.Context, id models.AccountID) error {
	return c.submit(ctx, "register_account", func(ctx context.Context) error {
		return c.accounts.Register(ctx, id)
	})
}

func (c *Coordinator) UnregisterAccount(ctx context.Context, id models.AccountID) error {
	return c.submit(ctx, "unregister_account", func(ctx context.Context) error {
		return c.accounts.Unregister(ctx, id)
	})
}

func (c *Coordinator) DeleteAccount(ctx context.Context, id models.AccountID) error {
	return c.submit(ctx, "delete_account", func(ctx context.Context) error {
		return c.accounts.Delete(ctx, id)
	})
}

func (c *Coordinator) SelectAccount(ctx context.Context, id models.AccountID) error {
	return c.submit(ctx, "select_account", func(ctx context.Context) error {
		c.accounts.Select(id)
		return nil
	})
}

// Invite places a call. An invalid FromAccount means the selected account.
func (c *Coordinator) Invite(ctx context.Context, dest models.Destination) (models.CallID, error) {
	id := models.CallID(models.InvalidID)
	err := c.submit(ctx, "invite", func(ctx context.Context) error {
		if dest.FromAccount == models.InvalidID {
			dest.FromAccount = c.accounts.SelectedID()
		}
		var err error
		id, err = c.calls.Invite(ctx, dest)
		return err
	})
	return id, err
}

func (c *Coordinator) Accept(ctx context.Context, id models.CallID, withVideo bool) error {
	return c.submit(ctx, "accept", func(ctx context.Context) error {
		return c.calls.Accept(ctx, id, withVideo)
	})
}

func (c *Coordinator) Reject(ctx context.Context, id models.CallID) error {
	return c.submit(ctx, "reject", func(ctx context.Context) error {
		return c.calls.Reject(ctx, id)
	})
}

func (c *Coordinator) Hold(ctx context.Context, id models.CallID) error {
	return c.submit(ctx, "hold", func(ctx context.Context) error {
		return c.calls.Hold(ctx, id)
	})
}

func (c *Coordinator) Bye(ctx context.Context, id models.CallID) error {
	return c.submit(ctx, "bye", func(ctx context.Context) error {
		return c.calls.Bye(ctx, id)
	})
}

func (c *Coordinator) SwitchTo(ctx context.Context, id models.CallID) error {
	return c.submit(ctx, "switch_to", func(ctx context.Context) error {
		c.calls.SwitchTo(id)
		return nil
	})
}

func (c *Coordinator) MuteMic(ctx context.Context, id models.CallID, mute bool) error {
	return c.submit(ctx, "mute_mic", func(ctx context.Context) error {
		return c.calls.MuteMic(ctx, id, mute)
	})
}

func (c *Coordinator) MuteCam(ctx context.Context, id models.CallID, mute bool) error {
	return c.submit(ctx, "mute_cam", func(ctx context.Context) error {
		return c.calls.MuteCam(ctx, id, mute)
	})
}

func (c *Coordinator) SwitchSpeaker(ctx context.Context, id models.CallID, on bool) error {
	return c.submit(ctx, "switch_speaker", func(ctx context.Context) error {
		return c.calls.SwitchSpeaker(ctx, id, on)
	})
}

func (c *Coordinator) SendDtmf(ctx context.Context, id models.CallID, digits string) (bool, error) {
	sent := false
	err := c.submit(ctx, "send_dtmf", func(ctx context.Context) error {
		var err error
		sent, err = c.calls.SendDtmf(ctx, id, digits)
		return err
	})
	return sent, err
}

func (c *Coordinator) TransferBlind(ctx context.Context, id models.CallID, toExt string) error {
	return c.submit(ctx, "transfer_blind", func(ctx context.Context) error {
		return c.calls.TransferBlind(ctx, id, toExt)
	})
}

func (c *Coordinator) ClearHistory(ctx context.Context) error {
	return c.submit(ctx, "clear_history", func(ctx context.Context) error {
		c.history.Clear(ctx)
		return nil
	})
}

// DeleteHistory removes items by id and reports how many were removed.
func (c *Coordinator) DeleteHistory(ctx context.Context, ids ...string) (int, error) {
	n := 0
	err := c.submit(ctx, "delete_history", func(ctx context.Context) error {
		n = c.history.DeleteIDs(ctx, ids...)
		return nil
	})
	return n, err
}

func (c *Coordinator) DeleteHistoryAt(ctx context.Context, indexes ...int) (int, error) {
	n := 0
	err := c.submit(ctx, "delete_history", func(ctx context.Context) error {
		n = c.history.DeleteAt(ctx, indexes...)
		return nil
	})
	return n, err
}

// SetSetting persists on the caller's goroutine, then updates the copy the
// loop reads.
func (c *Coordinator) SetSetting(ctx context.Context, key settings.Key, value bool) error {
	if c.settings == nil {
		return errors.New(errors.ErrConfiguration, "no settings store configured")
	}
	if err := c.settings.Set(ctx, key, value); err != nil {
		return err
	}
	c.prefsMu.Lock()
	c.prefs[key] = value
	c.prefsMu.Unlock()
	return nil
}

// Settings returns the cached value of every known setting.
func (c *Coordinator) Settings() map[settings.Key]bool {
	c.prefsMu.RLock()
	defer c.prefsMu.RUnlock()
	out := make(map[settings.Key]bool, len(settings.Keys))
	for _, k := range settings.Keys {
		out[k] = c.prefs[k]
	}
	return out
}

// RecentHistory returns up to n newest history items from the latest snapshot.
func (c *Coordinator) RecentHistory(n int) []models.CallHistoryItem {
	items := c.Snapshot().History
	if n <= 0 {
		return []models.CallHistoryItem{}
	}
	if n < len(items) {
		items = items[:n]
	}
	return items
}
