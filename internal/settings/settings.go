// Package settings stores the user's boolean preferences, each under its own key.
package settings

import (
	"context"
	stderrors "errors"
	"strconv"

	"github.com/hamzaKhattat/softphone-core/internal/db"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

type Key string

const (
	SpeakerByDefault     Key = "speakerByDefault"
	AutoAnswer           Key = "autoAnswer"
	CallNotifications    Key = "callNotifications"
	MessageNotifications Key = "messageNotifications"
	ShowCallDuration     Key = "showCallDuration"
)

// Keys lists every known setting in display order.
var Keys = []Key{SpeakerByDefault, AutoAnswer, CallNotifications, MessageNotifications, ShowCallDuration}

// ParseKey accepts only known setting names.
func ParseKey(s string) (Key, error) {
	for _, k := range Keys {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.Newf(errors.ErrInvalidArgument, "unknown setting %q", s)
}

// Settings is safe for concurrent use as long as the store is.
type Settings struct {
	store db.Store
}

func New(store db.Store) *Settings {
	return &Settings{store: store}
}

// Get returns the stored value, false when unset or unreadable.
func (s *Settings) Get(ctx context.Context, key Key) bool {
	data, err := s.store.Get(ctx, string(key))
	if err != nil {
		if !stderrors.Is(err, db.ErrNotFound) {
			logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("Failed to read setting")
		}
		return false
	}
	v, err := strconv.ParseBool(string(data))
	if err != nil {
		logger.WithContext(ctx).WithField("key", key).WithField("value", string(data)).Warn("Ignoring malformed setting")
		return false
	}
	return v
}

func (s *Settings) Set(ctx context.Context, key Key, value bool) error {
	if err := s.store.Set(ctx, string(key), []byte(strconv.FormatBool(value))); err != nil {
		logger.WithContext(ctx).WithField("key", key).WithError(err).Error("Failed to save setting")
		return err
	}
	logger.WithContext(ctx).WithFields(map[string]interface{}{
		"key":   key,
		"value": value,
	}).Info("Setting updated")
	return nil
}

// All returns every setting with its current value.
func (s *Settings) All(ctx context.Context) map[Key]bool {
	out := make(map[Key]bool, len(Keys))
	for _, k := range Keys {
		out[k] = s.Get(ctx, k)
	}
	return out
}
