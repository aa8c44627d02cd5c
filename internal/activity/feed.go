// Package activity keeps the per-draft log of agent work shown next to the editor.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lexdraft/api/internal/events"
	"lexdraft/api/internal/model"
	"lexdraft/api/internal/util"
)

const mirrorTimeout = 5 * time.Second

// Sink mirrors entries to durable storage.
type Sink interface {
	RecordActivity(ctx context.Context, evt model.ActivityEvent) error
}

type Option func(*Feed)

func WithSink(s Sink) Option {
	return func(f *Feed) {
		f.sink = s
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(f *Feed) {
		f.events = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Feed) {
		f.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Feed) {
		f.now = now
	}
}

// Feed is append-only and time-ordered. At most one entry is in progress.
type Feed struct {
	draftID string
	sink    Sink
	events  events.Publisher
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries []model.ActivityEvent
	current int
}

func New(draftID string, opts ...Option) *Feed {
	f := &Feed{
		draftID: draftID,
		events:  events.Discard{},
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		current: -1,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start appends an in-progress entry, completing the previous one first.
func (f *Feed) Start(agent, category, action string) string {
	f.mu.Lock()
	var changed []model.ActivityEvent
	if prev := f.completeCurrentLocked(); prev != nil {
		changed = append(changed, *prev)
	}
	evt := model.ActivityEvent{
		ID:        util.NewID("act"),
		DraftID:   f.draftID,
		Agent:     agent,
		Category:  category,
		Action:    action,
		Status:    model.ActivityInProgress,
		CreatedAt: f.now(),
	}
	f.entries = append(f.entries, evt)
	f.current = len(f.entries) - 1
	changed = append(changed, evt)
	f.mu.Unlock()

	f.emit(changed)
	return evt.ID
}

// Record appends an entry in the given status without touching the in-progress one.
func (f *Feed) Record(agent, category, action string, status model.ActivityStatus) string {
	f.mu.Lock()
	evt := model.ActivityEvent{
		ID:        util.NewID("act"),
		DraftID:   f.draftID,
		Agent:     agent,
		Category:  category,
		Action:    action,
		Status:    status,
		CreatedAt: f.now(),
	}
	if status == model.ActivityCompleted {
		done := evt.CreatedAt
		evt.CompletedAt = &done
	}
	f.entries = append(f.entries, evt)
	f.mu.Unlock()

	f.emit([]model.ActivityEvent{evt})
	return evt.ID
}

// Complete marks an entry completed. Unknown or already completed ids are ignored.
func (f *Feed) Complete(id string) {
	if id == "" {
		return
	}
	f.mu.Lock()
	var changed []model.ActivityEvent
	for i := range f.entries {
		if f.entries[i].ID != id || f.entries[i].Status == model.ActivityCompleted {
			continue
		}
		done := f.now()
		f.entries[i].Status = model.ActivityCompleted
		f.entries[i].CompletedAt = &done
		if f.current == i {
			f.current = -1
		}
		changed = append(changed, f.entries[i])
		break
	}
	f.mu.Unlock()

	f.emit(changed)
}

// Events returns a copy of the feed, oldest first.
func (f *Feed) Events() []model.ActivityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ActivityEvent, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *Feed) completeCurrentLocked() *model.ActivityEvent {
	if f.current < 0 {
		return nil
	}
	done := f.now()
	f.entries[f.current].Status = model.ActivityCompleted
	f.entries[f.current].CompletedAt = &done
	prev := f.entries[f.current]
	f.current = -1
	return &prev
}

func (f *Feed) emit(changed []model.ActivityEvent) {
	for _, evt := range changed {
		f.events.Publish(events.Event{Type: events.ActivityUpdated, DraftID: f.draftID, Data: evt})
		if f.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := f.sink.RecordActivity(ctx, evt); err != nil {
			f.logger.Warn("mirror activity failed", "draft_id", f.draftID, "activity_id", evt.ID, "error", err)
		}
		cancel()
	}
}
