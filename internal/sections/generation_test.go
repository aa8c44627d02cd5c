package sections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexdraft/api/internal/backend"
	"lexdraft/api/internal/events"
	"lexdraft/api/internal/model"
)

type fakeActivity struct {
	mu        sync.Mutex
	started   []string
	completed []string
}

func (f *fakeActivity) Start(agent, category, action string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, agent+"/"+category)
	return action
}

func (f *fakeActivity) Complete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(evt events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) messages(kind events.Type) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, evt := range l.events {
		if evt.Type == kind {
			out = append(out, evt.Message)
		}
	}
	return out
}

func TestGenerateUsesEffectivePromptAndStoresReview(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBackend()
	var got backend.GenerateRequest
	repo.generateFn = func(_ context.Context, sectionID string, req backend.GenerateRequest) (model.SectionVersion, error) {
		got = req
		return model.SectionVersion{
			VersionID: "v-1",
			SectionID: sectionID,
			Content:   "<p>The parties are...</p>",
			Review: &model.CriticReview{
				Status:   model.ReviewPass,
				Score:    0.92,
				Feedback: "Cites **Order VII** correctly.",
				Issues:   []string{},
			},
		}, nil
	}
	act := &fakeActivity{}
	o := New("d-1", repo, WithActivity(act), WithAutoValidate(true))
	require.NoError(t, o.Load(ctx, abcTemplate()))

	prompt := "custom parties prompt"
	_, err := o.UpdateSettings(ctx, "A", Settings{CustomPrompt: &prompt})
	require.NoError(t, err)

	section, err := o.Generate(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "custom parties prompt", got.Prompt)
	assert.True(t, got.AutoValidate)
	assert.Equal(t, model.DetailConcise, got.DetailLevel)
	assert.Equal(t, model.StateGenerated, section.State)
	assert.Equal(t, "v-1", section.VersionID)
	require.NotNil(t, section.Review)
	assert.Equal(t, model.ReviewPass, section.Review.Status)
	assert.Contains(t, section.Review.FeedbackHTML, "<strong>Order VII</strong>")
	assert.Equal(t, []string{"Drafting Agent/generation", "Critic Agent/review"}, act.started)
	assert.Len(t, act.completed, 2)
}

func TestGenerateFailureReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBackend()
	repo.generateFn = func(context.Context, string, backend.GenerateRequest) (model.SectionVersion, error) {
		return model.SectionVersion{}, context.DeadlineExceeded
	}
	log := &eventLog{}
	o := New("d-1", repo, WithPublisher(log))
	require.NoError(t, o.Load(ctx, abcTemplate()))

	section, err := o.Generate(ctx, "B")
	require.Error(t, err)
	assert.Equal(t, model.StateIdle, section.State)
	assert.Empty(t, section.Content)
	msgs := log.messages(events.SectionFailed)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "timed out")
}

func TestRegenerateFailureKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBackend()
	repo.versions["A"] = model.SectionVersion{VersionID: "v-a", SectionID: "A", Content: "<p>old</p>"}
	o := loaded(t, repo)
	repo.generateFn = func(context.Context, string, backend.GenerateRequest) (model.SectionVersion, error) {
		return model.SectionVersion{}, errors.New("model overloaded")
	}

	section, err := o.Generate(ctx, "A")
	require.Error(t, err)
	assert.Equal(t, model.StateGenerated, section.State)
	assert.Equal(t, "<p>old</p>", section.Content)
}

func TestRefineFailureRetainsContentAndVersion(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBackend()
	repo.versions["A"] = model.SectionVersion{VersionID: "v-a", SectionID: "A", Content: "<p>original</p>"}
	o := loaded(t, repo)

	var got backend.RefineRequest
	repo.refineFn = func(_ context.Context, _ string, req backend.RefineRequest) (model.SectionVersion, error) {
		got = req
		return model.SectionVersion{}, errors.New("backend 502")
	}
	section, err := o.Refine(ctx, "A", "add the second respondent")
	require.Error(t, err)
	assert.Equal(t, "add the second respondent", got.Feedback)
	assert.Equal(t, "Parties: add the second respondent", got.Query)
	assert.Equal(t, "v-a", got.VersionID)
	assert.Equal(t, model.StateGenerated, section.State)
	assert.Equal(t, "<p>original</p>", section.Content)
	assert.Equal(t, "v-a", section.VersionID)
}

func TestRefineReplacesVersion(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBackend()
	repo.versions["A"] = model.SectionVersion{VersionID: "v-a", SectionID: "A", Content: "<p>original</p>"}
	o := loaded(t, repo)

	section, err := o.Refine(ctx, "A", "tighten")
	require.NoError(t, err)
	assert.Equal(t, "v-a-r", section.VersionID)
	assert.Equal(t, "<p>refined</p>", section.Content)
}

func TestRefineRequiresGeneratedContent(t *testing.T) {
	ctx := context.Background()
	o := loaded(t, newMemoryBackend())
	_, err := o.Refine(ctx, "A", "more")
	assert.ErrorIs(t, err, ErrNotGenerated)
	_, err = o.Refine(ctx, "A", "  ")
	assert.ErrorIs(t, err, ErrEmptyFeedback)
}

func TestSecondCallWhileInFlightIsRejected(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBackend()
	entered := make(chan struct{})
	release := make(chan struct{})
	repo.generateFn = func(_ context.Context, sectionID string, _ backend.GenerateRequest) (model.SectionVersion, error) {
		close(entered)
		<-release
		return model.SectionVersion{VersionID: "v", SectionID: sectionID, Content: "<p>x</p>"}, nil
	}
	o := loaded(t, repo)

	done := make(chan error, 1)
	go func() {
		_, err := o.Generate(ctx, "A")
		done <- err
	}()
	<-entered

	_, err := o.Generate(ctx, "A")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = o.Refine(ctx, "A", "x")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = o.EditContent(ctx, "A", "<p>y</p>")
	assert.ErrorIs(t, err, ErrBusy)
	s, _ := o.Section("A")
	assert.Equal(t, model.StateGenerating, s.State)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("generate did not return")
	}
}

func TestEditContentDoesNotLogActivity(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBackend()
	repo.versions["A"] = model.SectionVersion{VersionID: "v-a", SectionID: "A", Content: "<p>original</p>"}
	act := &fakeActivity{}
	o := New("d-1", repo, WithActivity(act))
	require.NoError(t, o.Load(ctx, abcTemplate()))

	section, err := o.EditContent(ctx, "A", "<p>edited</p>")
	require.NoError(t, err)
	assert.Equal(t, "<p>edited</p>", section.Content)
	assert.Equal(t, "v-a", section.VersionID)
	assert.Equal(t, model.StateGenerated, section.State)
	assert.Empty(t, act.started)

	_, err = o.EditContent(ctx, "B", "<p>x</p>")
	assert.ErrorIs(t, err, ErrNotGenerated)
}

func TestReadyIgnoresExcludedAndRefining(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBackend()
	repo.versions["A"] = model.SectionVersion{VersionID: "v-a", SectionID: "A", Content: "<p>a</p>"}
	o := loaded(t, repo)

	ready, unmet := o.Ready()
	assert.False(t, ready)
	assert.Equal(t, []string{"B", "C"}, unmet)

	_, err := o.ToggleInclusion(ctx, "B")
	require.NoError(t, err)
	_, err = o.Generate(ctx, "C")
	require.NoError(t, err)
	ready, unmet = o.Ready()
	assert.True(t, ready)
	assert.Empty(t, unmet)

	included, unmet, ready := o.ReadyIDs()
	assert.True(t, ready)
	assert.Empty(t, unmet)
	assert.Equal(t, []string{"A", "C"}, included)
}

func TestReviewRendererDropsRawHTML(t *testing.T) {
	r := NewReviewRenderer()
	out := r.Render(&model.CriticReview{Feedback: "- one\n- two\n\n<script>x</script>"})
	assert.Contains(t, out.FeedbackHTML, "<li>one</li>")
	assert.NotContains(t, out.FeedbackHTML, "<script>")
	assert.Nil(t, r.Render(nil))
}
