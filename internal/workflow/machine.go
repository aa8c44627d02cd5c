// Package workflow tracks the authoring step of a draft.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"lexdraft/api/internal/events"
	"lexdraft/api/internal/model"
)

var (
	ErrInvalidStep       = errors.New("invalid workflow step")
	ErrInvalidTransition = errors.New("transition not allowed")
	ErrStaleStep         = errors.New("workflow is no longer on that step")
	ErrNotOnAssembly     = errors.New("collaborative embed is only available on the assembly step")
)

// forward lists the one forward transition allowed out of each step. Section
// configuration skips validation through the finalize action.
var forward = map[model.Step]model.Step{
	model.StepInitialization: model.StepFormInputs,
	model.StepFormInputs:     model.StepSectionConfig,
	model.StepSectionConfig:  model.StepReview,
	model.StepValidation:     model.StepReview,
	model.StepReview:         model.StepAssembly,
}

// Next returns the forward target of a step.
func Next(from model.Step) (model.Step, bool) {
	to, ok := forward[from]
	return to, ok
}

// State is the persisted step indicator.
type State struct {
	Current          model.Step `json:"current"`
	CompletedThrough model.Step `json:"completedThrough"`
}

type StepStore interface {
	LoadStep(ctx context.Context, draftID string) (State, bool, error)
	SaveStep(ctx context.Context, draftID string, state State) error
}

// GuardFunc must succeed before the machine leaves a step forward.
type GuardFunc func(ctx context.Context) error

type Option func(*Machine)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) {
		m.events = p
	}
}

type Machine struct {
	draftID string
	store   StepStore
	logger  *slog.Logger
	events  events.Publisher

	// transition serializes GoTo and Advance, including guard execution.
	transition sync.Mutex

	mu        sync.RWMutex
	current   model.Step
	completed model.Step
	embed     bool
	guards    map[model.Step]GuardFunc

	// pendingEmbed is applied on the next entry into assembly.
	pendingEmbed bool
}

func New(draftID string, store StepStore, opts ...Option) *Machine {
	m := &Machine{
		draftID: draftID,
		store:   store,
		logger:  slog.Default(),
		events:  events.Discard{},
		current: model.StepInitialization,
		guards:  make(map[model.Step]GuardFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Guard registers fn to run before any forward transition out of from.
func (m *Machine) Guard(from model.Step, fn GuardFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[from] = fn
}

// Restore loads the persisted indicator. Missing or out-of-range values start at
// initialization. The embed flag is never restored.
func (m *Machine) Restore(ctx context.Context) model.Step {
	state, ok, err := m.store.LoadStep(ctx, m.draftID)
	if err != nil {
		m.logger.Warn("load workflow step failed", "draft_id", m.draftID, "error", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embed = false
	m.pendingEmbed = false
	if err != nil || !ok || !state.Current.Valid() {
		m.current = model.StepInitialization
		m.completed = 0
		return m.current
	}
	m.current = state.Current
	m.completed = 0
	if state.CompletedThrough.Valid() {
		m.completed = state.CompletedThrough
	}
	return m.current
}

func (m *Machine) Current() model.Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Completed returns the completed prefix in order.
func (m *Machine) Completed() []model.Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Step, 0, int(m.completed))
	for step := model.StepInitialization; step <= m.completed; step++ {
		out = append(out, step)
	}
	return out
}

func (m *Machine) IsCompleted(step model.Step) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return step.Valid() && step <= m.completed
}

func (m *Machine) CollabEmbed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.embed
}

func (m *Machine) SetCollabEmbed(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != model.StepAssembly {
		return ErrNotOnAssembly
	}
	m.embed = on
	return nil
}

// PreferCollabEmbed sets the flag now when on assembly, otherwise when the machine
// next enters assembly.
func (m *Machine) PreferCollabEmbed(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == model.StepAssembly {
		m.embed = on
		m.pendingEmbed = false
		return
	}
	m.pendingEmbed = on
}

// GoTo jumps to any step without guards and writes the indicator before returning.
// A failed write is returned, but the jump stands.
func (m *Machine) GoTo(ctx context.Context, step model.Step) error {
	if !step.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStep, int(step))
	}
	m.transition.Lock()
	defer m.transition.Unlock()
	return m.move(ctx, step, false)
}

// Advance performs the forward transition out of from. The registered guard for from
// runs first; when it fails the machine stays where it is.
func (m *Machine) Advance(ctx context.Context, from model.Step) (model.Step, error) {
	to, ok := forward[from]
	if !ok {
		return m.Current(), fmt.Errorf("%w: no forward step from %s", ErrInvalidTransition, from)
	}
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.RLock()
	current := m.current
	guard := m.guards[from]
	m.mu.RUnlock()
	if current != from {
		return current, fmt.Errorf("%w: on %s, not %s", ErrStaleStep, current, from)
	}
	if guard != nil {
		if err := guard(ctx); err != nil {
			m.logger.Warn("workflow guard rejected transition", "draft_id", m.draftID, "from", from.String(), "to", to.String(), "error", err)
			return current, err
		}
	}
	return to, m.move(ctx, to, true)
}

func (m *Machine) move(ctx context.Context, to model.Step, forwardMove bool) error {
	m.mu.Lock()
	from := m.current
	switch {
	case to == model.StepAssembly && from != model.StepAssembly:
		m.embed = m.pendingEmbed
		m.pendingEmbed = false
	case from == model.StepAssembly || to == model.StepAssembly:
		m.embed = false
	}
	m.current = to
	if forwardMove && to-1 > m.completed {
		m.completed = to - 1
	}
	state := State{Current: m.current, CompletedThrough: m.completed}
	m.mu.Unlock()

	m.events.Publish(events.Event{
		Type:    events.StepChanged,
		DraftID: m.draftID,
		Data:    map[string]any{"from": int(from), "to": int(to), "step": to.String(), "completedThrough": int(state.CompletedThrough)},
	})

	if err := m.store.SaveStep(ctx, m.draftID, state); err != nil {
		m.logger.Error("persist workflow step failed", "draft_id", m.draftID, "step", to.String(), "error", err)
		return fmt.Errorf("persist step: %w", err)
	}
	return nil
}

// MemoryStore keeps step indicators in process. It is used when Redis is not
// configured and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) LoadStep(_ context.Context, draftID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[draftID]
	return state, ok, nil
}

func (s *MemoryStore) SaveStep(_ context.Context, draftID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[draftID] = state
	return nil
}
