package companion

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/hamzaKhattat/softphone-core/internal/coordinator"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
}

// Source is the snapshot feed, normally the coordinator.
type Source interface {
	Subscribe() (<-chan coordinator.Snapshot, func())
}

// Sync publishes the parts of each snapshot that changed since the last publish.
type Sync struct {
	source       Source
	pub          Publisher
	historyLimit int
	metrics      MetricsInterface

	resync chan string
	last   map[string][]byte
}

func NewSync(source Source, pub Publisher, historyLimit int, metrics MetricsInterface) *Sync {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Sync{
		source:       source,
		pub:          pub,
		historyLimit: historyLimit,
		metrics:      metrics,
		resync:       make(chan string, 8),
		last:         make(map[string][]byte),
	}
}

// Run publishes until ctx is done or the source closes the feed.
func (s *Sync) Run(ctx context.Context) {
	updates, cancel := s.source.Subscribe()
	defer cancel()

	var (
		latest coordinator.Snapshot
		seen   bool
	)
	logger.WithField("history_limit", s.historyLimit).Info("Companion sync started")

	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-updates:
			if !ok {
				logger.Info("Companion sync stopped, snapshot feed closed")
				return
			}
			latest, seen = snap, true
			for _, u := range s.build(snap) {
				s.publish(ctx, u, false)
			}

		case kind := <-s.resync:
			if !seen {
				continue
			}
			for _, u := range s.build(latest) {
				if u.Type == kind {
					s.publish(ctx, u, true)
				}
			}
		}
	}
}

// Resync asks Run to send the current update of kind even when unchanged.
func (s *Sync) Resync(kind string) {
	select {
	case s.resync <- kind:
	default:
	}
}

func (s *Sync) build(snap coordinator.Snapshot) []Update {
	return []Update{
		{Type: TypeAccountsUpdate, Accounts: accountViews(snap.Accounts)},
		{Type: TypeCallsUpdate, Calls: callViews(snap.Calls)},
		{Type: TypeHistoryUpdate, History: historyViews(snap.History, s.historyLimit)},
	}
}

func (s *Sync) publish(ctx context.Context, u Update, force bool) {
	data, err := json.Marshal(u)
	if err != nil {
		logger.WithError(err).Error("Failed to encode companion update")
		return
	}
	if !force && bytes.Equal(s.last[u.Type], data) {
		return
	}

	if err := s.pub.Publish(ctx, u); err != nil {
		logger.WithError(err).WithField("type", u.Type).Warn("Companion update not delivered")
		if s.metrics != nil {
			s.metrics.IncrementCounter("integration_errors_total", map[string]string{"integration": "companion"})
		}
		return
	}
	s.last[u.Type] = data
}
