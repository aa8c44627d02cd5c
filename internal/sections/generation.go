package sections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lexdraft/api/internal/backend"
	"lexdraft/api/internal/events"
	"lexdraft/api/internal/model"
)

const (
	agentDrafting = "Drafting Agent"
	agentCritic   = "Critic Agent"
)

// Generate produces content for a section. Regenerating a generated section is allowed;
// if that fails the previous content stays.
func (o *Orchestrator) Generate(ctx context.Context, id string) (model.Section, error) {
	o.mu.Lock()
	e := o.find(id)
	if e == nil {
		o.mu.Unlock()
		return model.Section{}, fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	if e.State.Busy() {
		o.mu.Unlock()
		return e.Section, ErrBusy
	}
	previous := e.State
	e.State = model.StateGenerating
	req := backend.GenerateRequest{
		Prompt:       e.EffectivePrompt(),
		AutoValidate: o.autoValidate,
		DetailLevel:  e.DetailLevel,
		Language:     e.Language,
	}
	title := e.Title
	o.mu.Unlock()
	o.publishState(id, model.StateGenerating)

	activityID := o.activity.Start(agentDrafting, "generation", fmt.Sprintf("Drafting section %q", title))
	started := time.Now()
	version, err := o.repo.GenerateSection(ctx, o.draftID, id, req)
	o.activity.Complete(activityID)
	o.record("generate", err, time.Since(started))

	if err != nil {
		fallback := model.StateIdle
		if previous == model.StateGenerated {
			fallback = model.StateGenerated
		}
		section := o.settle(id, fallback, nil)
		o.fail(id, fmt.Sprintf("Generating %q failed: %s", title, describe(err)))
		return section, fmt.Errorf("generate section: %w", err)
	}
	if version.Review != nil && o.autoValidate {
		reviewID := o.activity.Start(agentCritic, "review", fmt.Sprintf("Reviewed section %q", title))
		o.activity.Complete(reviewID)
	}
	return o.settle(id, model.StateGenerated, &version), nil
}

// Refine asks for a revised version. The query combines the section title with the
// feedback so the backend can retrieve supporting context.
func (o *Orchestrator) Refine(ctx context.Context, id, feedback string) (model.Section, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return model.Section{}, ErrEmptyFeedback
	}
	o.mu.Lock()
	e := o.find(id)
	if e == nil {
		o.mu.Unlock()
		return model.Section{}, fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	if e.State.Busy() {
		o.mu.Unlock()
		return e.Section, ErrBusy
	}
	if e.State != model.StateGenerated {
		o.mu.Unlock()
		return e.Section, ErrNotGenerated
	}
	e.State = model.StateRefining
	req := backend.RefineRequest{
		Feedback:  feedback,
		Query:     refineQuery(e.Title, feedback),
		VersionID: e.VersionID,
	}
	title := e.Title
	o.mu.Unlock()
	o.publishState(id, model.StateRefining)

	activityID := o.activity.Start(agentDrafting, "refinement", fmt.Sprintf("Refining section %q", title))
	started := time.Now()
	version, err := o.repo.RefineSection(ctx, o.draftID, id, req)
	o.activity.Complete(activityID)
	o.record("refine", err, time.Since(started))

	if err != nil {
		section := o.settle(id, model.StateGenerated, nil)
		o.fail(id, fmt.Sprintf("Refining %q failed: %s. The previous version was kept.", title, describe(err)))
		return section, fmt.Errorf("refine section: %w", err)
	}
	return o.settle(id, model.StateGenerated, &version), nil
}

func refineQuery(title, feedback string) string {
	return strings.TrimSpace(title) + ": " + feedback
}

// EditContent replaces the stored content of the current version with edited HTML.
// The lifecycle state does not change.
func (o *Orchestrator) EditContent(ctx context.Context, id, html string) (model.Section, error) {
	o.mu.Lock()
	e := o.find(id)
	if e == nil {
		o.mu.Unlock()
		return model.Section{}, fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	if e.State.Busy() {
		o.mu.Unlock()
		return e.Section, ErrBusy
	}
	if e.State != model.StateGenerated || e.VersionID == "" {
		o.mu.Unlock()
		return e.Section, ErrNotGenerated
	}
	versionID := e.VersionID
	o.mu.Unlock()

	version, err := o.repo.UpdateVersion(ctx, versionID, html)
	if err != nil {
		o.fail(id, "Your edit could not be saved: "+describe(err))
		return o.sectionOrEmpty(id), fmt.Errorf("update version: %w", err)
	}

	o.mu.Lock()
	e = o.find(id)
	if e == nil {
		o.mu.Unlock()
		return model.Section{}, fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	if version.VersionID != "" {
		e.VersionID = version.VersionID
	}
	e.Content = version.Content
	section := e.Section
	o.mu.Unlock()
	o.publishList()
	return section, nil
}

// Ready reports whether every included section is generated. The ids of included
// sections that are not yet generated are returned.
func (o *Orchestrator) Ready() (bool, []string) {
	_, unmet, ready := o.ReadyIDs()
	return ready, unmet
}

// ReadyIDs reports readiness and the included ids in order from one snapshot.
func (o *Orchestrator) ReadyIDs() (ids, unmet []string, ready bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids = o.includedLocked()
	unmet = make([]string, 0)
	for _, e := range o.list {
		if !e.IsDeleted && e.State != model.StateGenerated {
			unmet = append(unmet, e.ID)
		}
	}
	return ids, unmet, len(ids) > 0 && len(unmet) == 0
}

// settle moves a section out of a busy state. A nil version keeps the current content.
func (o *Orchestrator) settle(id string, state model.GenerationState, version *model.SectionVersion) model.Section {
	o.mu.Lock()
	e := o.find(id)
	if e == nil {
		// Deleted while the call was in flight.
		o.mu.Unlock()
		return model.Section{}
	}
	e.State = state
	if version != nil {
		e.VersionID = version.VersionID
		e.Content = version.Content
		e.Review = o.reviews.Render(version.Review)
	}
	section := e.Section
	o.mu.Unlock()
	o.publishState(id, state)
	return section
}

func (o *Orchestrator) sectionOrEmpty(id string) model.Section {
	section, _ := o.Section(id)
	return section
}

func (o *Orchestrator) publishState(id string, state model.GenerationState) {
	section, _ := o.Section(id)
	o.events.Publish(events.Event{
		Type:    events.SectionState,
		DraftID: o.draftID,
		Data:    map[string]any{"sectionId": id, "state": state, "section": section},
	})
}

func (o *Orchestrator) fail(id, message string) {
	o.logger.Warn("section operation failed", "draft_id", o.draftID, "section_id", id, "message", message)
	o.events.Publish(events.Event{
		Type:    events.SectionFailed,
		DraftID: o.draftID,
		Message: message,
		Data:    map[string]any{"sectionId": id},
	})
}

func (o *Orchestrator) record(op string, err error, took time.Duration) {
	if o.observe != nil {
		o.observe(op, err, took)
	}
}

func describe(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case backend.IsUnauthorized(err):
		return "your session has expired"
	default:
		return err.Error()
	}
}
