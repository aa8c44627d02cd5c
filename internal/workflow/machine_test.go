package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexdraft/api/internal/model"
)

type failingStore struct {
	*MemoryStore
	saveErr error
	loadErr error
}

func (s *failingStore) SaveStep(ctx context.Context, draftID string, state State) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.SaveStep(ctx, draftID, state)
}

func (s *failingStore) LoadStep(ctx context.Context, draftID string) (State, bool, error) {
	if s.loadErr != nil {
		return State{}, false, s.loadErr
	}
	return s.MemoryStore.LoadStep(ctx, draftID)
}

func TestRestoreDefaultsToInitialization(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := New("d-1", store)
	assert.Equal(t, model.StepInitialization, m.Restore(ctx))

	require.NoError(t, store.SaveStep(ctx, "d-2", State{Current: 9}))
	assert.Equal(t, model.StepInitialization, New("d-2", store).Restore(ctx))

	require.NoError(t, store.SaveStep(ctx, "d-3", State{Current: model.StepReview, CompletedThrough: model.StepValidation}))
	m3 := New("d-3", store)
	assert.Equal(t, model.StepReview, m3.Restore(ctx))
	assert.Len(t, m3.Completed(), 4)

	broken := &failingStore{MemoryStore: NewMemoryStore(), loadErr: errors.New("redis down")}
	assert.Equal(t, model.StepInitialization, New("d-4", broken).Restore(ctx))
}

func TestAdvanceFollowsForwardTable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := New("d-1", store)
	m.Restore(ctx)

	to, err := m.Advance(ctx, model.StepInitialization)
	require.NoError(t, err)
	assert.Equal(t, model.StepFormInputs, to)

	to, err = m.Advance(ctx, model.StepFormInputs)
	require.NoError(t, err)
	assert.Equal(t, model.StepSectionConfig, to)

	to, err = m.Advance(ctx, model.StepSectionConfig)
	require.NoError(t, err)
	assert.Equal(t, model.StepReview, to)
	assert.True(t, m.IsCompleted(model.StepValidation))

	_, err = m.Advance(ctx, model.StepReview)
	require.NoError(t, err)
	assert.Equal(t, model.StepAssembly, m.Current())

	_, err = m.Advance(ctx, model.StepAssembly)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	state, ok, err := store.LoadStep(ctx, "d-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, State{Current: model.StepAssembly, CompletedThrough: model.StepReview}, state)
}

func TestAdvanceFromWrongStepIsStale(t *testing.T) {
	ctx := context.Background()
	m := New("d-1", NewMemoryStore())
	m.Restore(ctx)
	_, err := m.Advance(ctx, model.StepFormInputs)
	assert.ErrorIs(t, err, ErrStaleStep)
	assert.Equal(t, model.StepInitialization, m.Current())
}

func TestFinalizeGuardFailureKeepsSectionConfig(t *testing.T) {
	ctx := context.Background()
	m := New("d-1", NewMemoryStore())
	require.NoError(t, m.GoTo(ctx, model.StepSectionConfig))

	calls := 0
	m.Guard(model.StepSectionConfig, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("order save failed")
		}
		return nil
	})

	_, err := m.Advance(ctx, model.StepSectionConfig)
	require.Error(t, err)
	assert.Equal(t, model.StepSectionConfig, m.Current())
	assert.False(t, m.IsCompleted(model.StepSectionConfig))

	to, err := m.Advance(ctx, model.StepSectionConfig)
	require.NoError(t, err)
	assert.Equal(t, model.StepReview, to)
	assert.Equal(t, 2, calls)
}

func TestGoToDoesNotMarkCompleted(t *testing.T) {
	ctx := context.Background()
	m := New("d-1", NewMemoryStore())
	require.NoError(t, m.GoTo(ctx, model.StepAssembly))
	assert.Empty(t, m.Completed())
	assert.ErrorIs(t, m.GoTo(ctx, 0), ErrInvalidStep)
	assert.ErrorIs(t, m.GoTo(ctx, 7), ErrInvalidStep)
}

func TestCollabEmbedClearedOnEnterAndLeave(t *testing.T) {
	ctx := context.Background()
	m := New("d-1", NewMemoryStore())
	assert.ErrorIs(t, m.SetCollabEmbed(true), ErrNotOnAssembly)

	require.NoError(t, m.GoTo(ctx, model.StepAssembly))
	assert.False(t, m.CollabEmbed())
	require.NoError(t, m.SetCollabEmbed(true))
	assert.True(t, m.CollabEmbed())

	require.NoError(t, m.GoTo(ctx, model.StepReview))
	assert.False(t, m.CollabEmbed())

	require.NoError(t, m.GoTo(ctx, model.StepAssembly))
	assert.False(t, m.CollabEmbed())
}

func TestPreferredEmbedWaitsForAssemblyStep(t *testing.T) {
	ctx := context.Background()
	m := New("d-1", NewMemoryStore())
	require.NoError(t, m.GoTo(ctx, model.StepReview))

	m.PreferCollabEmbed(true)
	assert.False(t, m.CollabEmbed())

	to, err := m.Advance(ctx, model.StepReview)
	require.NoError(t, err)
	assert.Equal(t, model.StepAssembly, to)
	assert.True(t, m.CollabEmbed())

	require.NoError(t, m.GoTo(ctx, model.StepReview))
	assert.False(t, m.CollabEmbed())
	require.NoError(t, m.GoTo(ctx, model.StepAssembly))
	assert.False(t, m.CollabEmbed(), "a preference applies once")

	m.PreferCollabEmbed(true)
	assert.True(t, m.CollabEmbed())
}

func TestStoreFailureSurfacesButTransitionStands(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore(), saveErr: errors.New("redis down")}
	m := New("d-1", store)
	err := m.GoTo(ctx, model.StepReview)
	require.Error(t, err)
	assert.Equal(t, model.StepReview, m.Current())
}
