// Package autopopulate waits for the extraction agent to fill a draft's fields from an
// attached case or uploaded file.
package autopopulate

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"lexdraft/api/internal/events"
	"lexdraft/api/internal/model"
)

const (
	DefaultInterval    = 1500 * time.Millisecond
	DefaultMaxAttempts = 20
)

// Repository is the slice of the backend the poller reads from and writes back to.
type Repository interface {
	GetDraft(ctx context.Context, draftID string) (model.Draft, error)
	GetTemplateFieldValues(ctx context.Context, templateID, draftID string) (model.Fields, error)
	UpdateFields(ctx context.Context, draftID string, fields model.Fields, changedKeys []string) error
	SaveTemplateFieldValues(ctx context.Context, templateID, draftID string, values model.Fields) error
}

// Store is the shared in-memory field mapping. The poller holds a reference to it,
// never a snapshot.
type Store interface {
	Apply(overlay model.Fields) model.Fields
	Fields() model.Fields
}

type Target struct {
	DraftID    string
	TemplateID string
}

type Outcome string

const (
	OutcomeFound     Outcome = "found"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
)

type Result struct {
	DraftID  string       `json:"draftId"`
	Attempts int          `json:"attempts"`
	Fields   model.Fields `json:"fields"`
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

func WithPublisher(pub events.Publisher) Option {
	return func(p *Poller) {
		p.events = pub
	}
}

// WithNormalizer converts fetched values into the form the Store holds before they
// are compared or merged.
func WithNormalizer(fn func(model.Fields) model.Fields) Option {
	return func(p *Poller) {
		p.normalize = fn
	}
}

// WithObserver is told how every loop ended and after how many attempts.
func WithObserver(fn func(outcome Outcome, attempts int)) Option {
	return func(p *Poller) {
		p.observe = fn
	}
}

// Poller runs at most one polling loop at a time.
type Poller struct {
	repo        Repository
	store       Store
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
	events      events.Publisher
	observe     func(Outcome, int)
	normalize   func(model.Fields) model.Fields

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func New(repo Repository, store Store, opts ...Option) *Poller {
	p := &Poller{
		repo:        repo,
		store:       store,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		events:      events.Discard{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldStart is the on-load trigger: context is attached and no field carries data.
func ShouldStart(draft model.Draft, fields model.Fields) bool {
	return draft.HasContext() && fields.AllBlank()
}

// Start cancels any running loop and begins a new one. The previous loop can no longer
// merge once Start returns.
func (p *Poller) Start(parent context.Context, target Target) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	// Values already present when the loop starts are not extraction results.
	baseline := p.store.Fields().NonBlank()
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.logger.Debug("autopopulate started", "draft_id", target.DraftID, "generation", gen)
	go func() {
		defer close(done)
		defer cancel()
		p.run(ctx, gen, target, baseline)
	}()
}

// Stop cancels the running loop, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Wait blocks until the most recently started loop has returned.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Poller) Active() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (p *Poller) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}

func (p *Poller) run(ctx context.Context, gen uint64, target Target, baseline model.Fields) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			p.finish(OutcomeCancelled, attempt-1)
			return
		case <-timer.C:
		}
		if !p.current(gen) {
			p.finish(OutcomeCancelled, attempt-1)
			return
		}

		found, err := p.fetch(ctx, target)
		if err != nil {
			// A failed iteration is a missed attempt.
			p.logger.Debug("autopopulate attempt failed", "draft_id", target.DraftID, "attempt", attempt, "error", err)
		} else if fresh := newValues(found, baseline); len(fresh) > 0 {
			merged, ok := p.apply(gen, found)
			if !ok {
				p.finish(OutcomeCancelled, attempt)
				return
			}
			p.persist(ctx, target, merged)
			result := Result{DraftID: target.DraftID, Attempts: attempt, Fields: merged}
			p.logger.Info("autopopulate found values", "draft_id", target.DraftID, "attempt", attempt, "fields", len(fresh))
			p.events.Publish(events.Event{
				Type:    events.AutopopulateDone,
				DraftID: target.DraftID,
				Message: "Fields were filled in from the attached material.",
				Data:    result,
			})
			p.finish(OutcomeFound, attempt)
			return
		}
		timer.Reset(p.interval)
	}
	p.logger.Debug("autopopulate exhausted", "draft_id", target.DraftID, "attempts", p.maxAttempts)
	p.finish(OutcomeExhausted, p.maxAttempts)
}

// fetch merges persisted draft values with template-scoped values. The draft value
// wins when both are present; template values fill the gaps.
func (p *Poller) fetch(ctx context.Context, target Target) (model.Fields, error) {
	draft, err := p.repo.GetDraft(ctx, target.DraftID)
	if err != nil {
		return nil, err
	}
	templateID := target.TemplateID
	if templateID == "" {
		templateID = draft.TemplateID
	}
	merged := draft.Fields.Clone()
	if templateID != "" {
		values, err := p.repo.GetTemplateFieldValues(ctx, templateID, target.DraftID)
		if err != nil {
			return nil, err
		}
		merged = model.Overlay(values, draft.Fields)
	}
	if p.normalize != nil {
		merged = p.normalize(merged)
	}
	return merged.NonBlank(), nil
}

// newValues keeps the entries of found that are absent from baseline or differ from it.
func newValues(found, baseline model.Fields) model.Fields {
	out := model.Fields{}
	for k, v := range found {
		if prev, ok := baseline[k]; ok && reflect.DeepEqual(prev, v) {
			continue
		}
		out[k] = v
	}
	return out
}

func (p *Poller) apply(gen uint64, found model.Fields) (model.Fields, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return nil, false
	}
	return p.store.Apply(found), true
}

func (p *Poller) persist(ctx context.Context, target Target, merged model.Fields) {
	changed := merged.NonBlank().Keys()
	sort.Strings(changed)
	if err := p.repo.UpdateFields(ctx, target.DraftID, merged, changed); err != nil {
		p.logger.Warn("autopopulate save failed", "draft_id", target.DraftID, "error", err)
	}
	if target.TemplateID == "" {
		return
	}
	if err := p.repo.SaveTemplateFieldValues(ctx, target.TemplateID, target.DraftID, merged); err != nil {
		p.logger.Warn("autopopulate template save failed", "draft_id", target.DraftID, "template_id", target.TemplateID, "error", err)
	}
}

func (p *Poller) finish(outcome Outcome, attempts int) {
	if p.observe != nil {
		p.observe(outcome, attempts)
	}
}
