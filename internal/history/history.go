// Package history keeps the bounded, newest-first list of finished calls.
package history

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/hamzaKhattat/softphone-core/internal/db"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

const (
	// StorageKey is the store key holding the JSON array of items.
	StorageKey = "callHistory"
	MaxItems   = 100
)

// Log is not safe for concurrent use; the coordinator owns it.
// The in-memory list stays authoritative when the store fails.
type Log struct {
	store db.Store
	items []models.CallHistoryItem

	// set while a background saver runs, see StartSaver
	saver *saver
}

// saver persists the latest list handed to it. Older pending lists are
// replaced, never queued.
type saver struct {
	mu      sync.Mutex
	pending []models.CallHistoryItem
	dirty   bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

func New(store db.Store) *Log {
	return &Log{store: store}
}

// Load replaces the in-memory list with the stored one. Missing or corrupted
// data yields an empty history.
func (l *Log) Load(ctx context.Context) {
	var items []models.CallHistoryItem
	err := db.GetJSON(ctx, l.store, StorageKey, &items)
	switch {
	case stderrors.Is(err, db.ErrNotFound):
		items = nil
	case err != nil:
		logger.WithContext(ctx).WithError(err).Warn("Failed to load call history, starting empty")
		items = nil
	}
	if len(items) > MaxItems {
		items = items[:MaxItems]
	}
	l.items = items
	logger.WithContext(ctx).WithField("count", len(l.items)).Debug("Call history loaded")
}

// Append inserts item at the front and drops the oldest entries beyond MaxItems.
func (l *Log) Append(ctx context.Context, item models.CallHistoryItem) {
	items := make([]models.CallHistoryItem, 0, len(l.items)+1)
	items = append(items, item)
	items = append(items, l.items...)
	if len(items) > MaxItems {
		items = items[:MaxItems]
	}
	l.items = items
	l.save(ctx)
}

func (l *Log) Clear(ctx context.Context) {
	l.items = nil
	l.save(ctx)
}

// DeleteIDs removes items by id and returns how many were removed.
func (l *Log) DeleteIDs(ctx context.Context, ids ...string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	return l.remove(ctx, func(i int, item models.CallHistoryItem) bool { return drop[item.ID] })
}

// DeleteAt removes items by position. Out of range indexes are ignored.
func (l *Log) DeleteAt(ctx context.Context, indexes ...int) int {
	drop := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		drop[i] = true
	}
	return l.remove(ctx, func(i int, item models.CallHistoryItem) bool { return drop[i] })
}

func (l *Log) remove(ctx context.Context, match func(int, models.CallHistoryItem) bool) int {
	kept := l.items[:0:0]
	for i, item := range l.items {
		if !match(i, item) {
			kept = append(kept, item)
		}
	}
	removed := len(l.items) - len(kept)
	if removed == 0 {
		return 0
	}
	l.items = kept
	l.save(ctx)
	return removed
}

// Items returns a copy of the whole list, newest first.
func (l *Log) Items() []models.CallHistoryItem {
	return l.Recent(len(l.items))
}

// Recent returns up to n newest items.
func (l *Log) Recent(n int) []models.CallHistoryItem {
	if n > len(l.items) {
		n = len(l.items)
	}
	if n <= 0 {
		return []models.CallHistoryItem{}
	}
	out := make([]models.CallHistoryItem, n)
	copy(out, l.items[:n])
	return out
}

func (l *Log) Len() int { return len(l.items) }

// Stats counts items per outcome.
func (l *Log) Stats() map[models.Outcome]int {
	stats := make(map[models.Outcome]int)
	for _, item := range l.items {
		stats[item.Outcome]++
	}
	return stats
}

// StartSaver moves persistence to a background goroutine so mutations never
// wait on the store. The returned stop func writes any pending list, waits
// for the goroutine and restores synchronous saving. Call both from the
// goroutine that owns the Log.
func (l *Log) StartSaver() (stop func()) {
	sv := &saver{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.saver = sv
	go l.runSaver(sv)

	return func() {
		close(sv.quit)
		<-sv.done
		l.saver = nil
	}
}

func (l *Log) runSaver(sv *saver) {
	defer close(sv.done)
	for {
		select {
		case <-sv.wake:
			l.flush(sv)
		case <-sv.quit:
			l.flush(sv)
			return
		}
	}
}

func (l *Log) flush(sv *saver) {
	sv.mu.Lock()
	items, dirty := sv.pending, sv.dirty
	sv.pending, sv.dirty = nil, false
	sv.mu.Unlock()

	if dirty {
		l.write(context.Background(), items)
	}
}

func (l *Log) save(ctx context.Context) {
	items := make([]models.CallHistoryItem, len(l.items))
	copy(items, l.items)

	sv := l.saver
	if sv == nil {
		l.write(ctx, items)
		return
	}

	sv.mu.Lock()
	sv.pending, sv.dirty = items, true
	sv.mu.Unlock()
	select {
	case sv.wake <- struct{}{}:
	default:
	}
}

func (l *Log) write(ctx context.Context, items []models.CallHistoryItem) {
	if err := db.SetJSON(ctx, l.store, StorageKey, items); err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to persist call history")
	}
}
