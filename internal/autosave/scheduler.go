// Package autosave debounces field edits into periodic full-mapping saves.
package autosave

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"lexdraft/api/internal/events"
	"lexdraft/api/internal/model"
)

const DefaultDelay = 1500 * time.Millisecond

// Saver persists the full field mapping.
type Saver interface {
	UpdateFields(ctx context.Context, draftID string, fields model.Fields, changedKeys []string) error
}

type Option func(*Scheduler)

func WithDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.delay = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) {
		s.events = p
	}
}

// WithObserver is called after every save attempt with its outcome.
func WithObserver(fn func(err error)) Option {
	return func(s *Scheduler) {
		s.observe = fn
	}
}

// Scheduler owns the in-memory field mapping of one draft. User edits, the
// autopopulation merge and the save echo all go through it.
type Scheduler struct {
	draftID string
	saver   Saver
	delay   time.Duration
	logger  *slog.Logger
	events  events.Publisher
	observe func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	fields    model.Fields
	loaded    bool
	dirty     bool
	changed   map[string]struct{}
	timer     *time.Timer
	gen       uint64
	editSeq   uint64
	lastSaved time.Time
	lastErr   error
}

func New(draftID string, saver Saver, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		draftID: draftID,
		saver:   saver,
		delay:   DefaultDelay,
		logger:  slog.Default(),
		events:  events.Discard{},
		ctx:     ctx,
		cancel:  cancel,
		fields:  model.Fields{},
		changed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the mapping with persisted values. It never triggers a save.
func (s *Scheduler) Load(fields model.Fields, savedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPendingLocked()
	s.fields = fields.Clone()
	s.loaded = true
	s.dirty = false
	s.changed = make(map[string]struct{})
	s.lastSaved = savedAt
	s.lastErr = nil
}

// Set records one user edit and restarts the debounce timer.
func (s *Scheduler) Set(key string, value any) {
	s.Update(model.Fields{key: value})
}

// Update records a batch of user edits and restarts the debounce timer.
func (s *Scheduler) Update(edits model.Fields) {
	if len(edits) == 0 {
		return
	}
	s.mu.Lock()
	for k, v := range edits {
		s.fields[k] = v
		s.changed[k] = struct{}{}
	}
	s.editSeq++
	if s.loaded {
		s.dirty = true
		s.scheduleLocked()
	}
	snapshot := s.fields.Clone()
	s.mu.Unlock()

	s.events.Publish(events.Event{Type: events.FieldsChanged, DraftID: s.draftID, Data: snapshot})
}

// Apply merges values produced elsewhere (the autopopulation poller). Non-blank
// incoming values win, blank ones never erase, and keys the user edited but has not
// saved yet are left alone. It does not schedule a save; the caller persists.
// The merged mapping is returned.
func (s *Scheduler) Apply(overlay model.Fields) model.Fields {
	s.mu.Lock()
	filtered := model.Fields{}
	for k, v := range overlay {
		if _, pending := s.changed[k]; pending && !model.IsBlank(s.fields[k]) {
			continue
		}
		filtered[k] = v
	}
	s.fields = model.Overlay(s.fields, filtered)
	merged := s.fields.Clone()
	s.mu.Unlock()

	s.events.Publish(events.Event{Type: events.FieldsChanged, DraftID: s.draftID, Data: merged})
	return merged
}

// Fields returns a copy of the current mapping.
func (s *Scheduler) Fields() model.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields.Clone()
}

func (s *Scheduler) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Scheduler) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

// LastError is the outcome of the most recent failed save, cleared by a success.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Pending reports whether a debounced save is waiting to fire.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// SaveNow is the explicit Save action. It cancels any pending debounce and persists
// the current mapping through the same call.
func (s *Scheduler) SaveNow(ctx context.Context) error {
	s.mu.Lock()
	s.cancelPendingLocked()
	s.mu.Unlock()
	return s.save(ctx)
}

// CancelPending drops a scheduled save without persisting.
func (s *Scheduler) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPendingLocked()
}

// Close cancels the pending timer and any in-flight debounced save.
func (s *Scheduler) Close() {
	s.CancelPending()
	s.cancel()
}

func (s *Scheduler) scheduleLocked() {
	s.cancelPendingLocked()
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() { s.fire(gen) })
}

func (s *Scheduler) cancelPendingLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	_ = s.save(s.ctx)
}

func (s *Scheduler) save(ctx context.Context) error {
	s.mu.Lock()
	fields := s.fields.Clone()
	keys := make([]string, 0, len(s.changed))
	for k := range s.changed {
		keys = append(keys, k)
	}
	seq := s.editSeq
	s.mu.Unlock()
	sort.Strings(keys)

	err := s.saver.UpdateFields(ctx, s.draftID, fields, keys)

	s.mu.Lock()
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("autosave failed", "draft_id", s.draftID, "error", err)
		s.events.Publish(events.Event{
			Type:    events.FieldsSaveFailed,
			DraftID: s.draftID,
			Message: "Your changes could not be saved. They are kept locally and will be saved with your next edit.",
		})
		if s.observe != nil {
			s.observe(err)
		}
		return err
	}
	s.lastErr = nil
	s.lastSaved = time.Now().UTC()
	for _, k := range keys {
		delete(s.changed, k)
	}
	// Edits that arrived while the request was in flight keep the draft dirty.
	if seq == s.editSeq {
		s.dirty = false
		s.changed = make(map[string]struct{})
	}
	savedAt := s.lastSaved
	s.mu.Unlock()

	s.logger.Debug("autosave persisted", "draft_id", s.draftID, "fields", len(fields), "changed", len(keys))
	s.events.Publish(events.Event{Type: events.FieldsSaved, DraftID: s.draftID, Data: map[string]any{"savedAt": savedAt}})
	if s.observe != nil {
		s.observe(nil)
	}
	return nil
}
