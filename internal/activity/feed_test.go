package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexdraft/api/internal/model"
)

type fakeSink struct {
	mu       sync.Mutex
	recorded []model.ActivityEvent
	err      error
}

func (s *fakeSink) RecordActivity(_ context.Context, evt model.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, evt)
	return s.err
}

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestStartCompletesPreviousInProgress(t *testing.T) {
	f := New("d-1", WithClock(fixedClock()))
	first := f.Start("Drafting Agent", "generation", "Drafting Parties")
	second := f.Start("Drafting Agent", "generation", "Drafting Facts")

	entries := f.Events()
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].ID)
	assert.Equal(t, model.ActivityCompleted, entries[0].Status)
	require.NotNil(t, entries[0].CompletedAt)
	assert.Equal(t, second, entries[1].ID)
	assert.Equal(t, model.ActivityInProgress, entries[1].Status)

	inProgress := 0
	for _, e := range entries {
		if e.Status == model.ActivityInProgress {
			inProgress++
		}
	}
	assert.Equal(t, 1, inProgress)
	assert.True(t, entries[0].CreatedAt.Before(entries[1].CreatedAt))
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := New("d-1")
	id := f.Start("Critic Agent", "review", "Reviewing")
	f.Complete(id)
	completedAt := *f.Events()[0].CompletedAt
	f.Complete(id)
	f.Complete("unknown")
	f.Complete("")
	assert.Equal(t, completedAt, *f.Events()[0].CompletedAt)

	next := f.Start("Drafting Agent", "generation", "Drafting")
	assert.Equal(t, model.ActivityCompleted, f.Events()[0].Status)
	assert.Equal(t, next, f.Events()[1].ID)
}

func TestRecordDoesNotTouchInProgress(t *testing.T) {
	f := New("d-1")
	f.Start("Drafting Agent", "generation", "Drafting")
	f.Record("Assembly Agent", "assembly", "Queued", model.ActivityPending)
	entries := f.Events()
	assert.Equal(t, model.ActivityInProgress, entries[0].Status)
	assert.Equal(t, model.ActivityPending, entries[1].Status)
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	sink := &fakeSink{err: errors.New("db down")}
	f := New("d-1", WithSink(sink))
	id := f.Start("Drafting Agent", "generation", "Drafting")
	f.Complete(id)

	assert.Len(t, sink.recorded, 2)
	assert.Equal(t, model.ActivityCompleted, f.Events()[0].Status)
}
