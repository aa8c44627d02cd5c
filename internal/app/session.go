package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"lexdraft/api/internal/activity"
	"lexdraft/api/internal/archive"
	"lexdraft/api/internal/assembly"
	"lexdraft/api/internal/auth"
	"lexdraft/api/internal/autopopulate"
	"lexdraft/api/internal/autosave"
	"lexdraft/api/internal/backend"
	"lexdraft/api/internal/config"
	"lexdraft/api/internal/events"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/fieldvalue"
	"lexdraft/api/internal/model"
	"lexdraft/api/internal/sections"
	"lexdraft/api/internal/workflow"
)

// Backend is everything a draft session asks the drafting backend for.
type Backend interface {
	GetDraft(ctx context.Context, draftID string) (model.Draft, error)
	UpdateFields(ctx context.Context, draftID string, fields model.Fields, changedKeys []string) error
	RenameDraft(ctx context.Context, draftID, title string) error
	AttachCase(ctx context.Context, draftID, caseID, caseTitle string) error
	UploadDocument(ctx context.Context, draftID, fileName string, content io.Reader) (backend.UploadedFile, error)
	GetTemplate(ctx context.Context, templateID string) (model.Template, error)
	GetTemplateFieldValues(ctx context.Context, templateID, draftID string) (model.Fields, error)
	SaveTemplateFieldValues(ctx context.Context, templateID, draftID string, values model.Fields) error
	sections.Repository
	assembly.Repository
	export.Backend
}

// structuredTypes are template field types whose values may arrive as lists of names.
var structuredTypes = map[string]struct{}{
	"party": {},
	"judge": {},
	"list":  {},
}

const eventBuffer = 64

// DraftSession wires the workflow components of one open draft. Every component shares
// the session's event bus and its field mapping.
type DraftSession struct {
	draftID     string
	fingerprint string
	tuning      config.Workflow
	logger      *slog.Logger
	repo        Backend
	bus         *events.Bus
	fields      *autosave.Scheduler
	poller      *autopopulate.Poller
	machine     *workflow.Machine
	sections    *sections.Orchestrator
	assembly    *assembly.Pipeline
	activity    *activity.Feed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	draft    model.Draft
	template model.Template
	closed   bool
	openedAt time.Time
}

func (s *Service) newDraftSession(draftID, token, userID string) *DraftSession {
	logger := s.logger.With("draft_id", draftID)
	repo := s.newBackend(token, userID)
	bus := events.NewBus(eventBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	tuning := s.cfg.Workflow

	d := &DraftSession{
		draftID:     draftID,
		fingerprint: auth.Fingerprint(token),
		tuning:      tuning,
		logger:      logger,
		repo:        repo,
		bus:         bus,
		ctx:         ctx,
		cancel:      cancel,
		openedAt:    time.Now().UTC(),
	}

	feedOpts := []activity.Option{activity.WithPublisher(bus), activity.WithLogger(logger)}
	if s.store != nil {
		feedOpts = append(feedOpts, activity.WithSink(s.store))
	}
	d.activity = activity.New(draftID, feedOpts...)

	d.fields = autosave.New(draftID, repo,
		autosave.WithDelay(tuning.AutosaveDelay),
		autosave.WithLogger(logger),
		autosave.WithPublisher(bus),
		autosave.WithObserver(s.metrics.Autosave),
	)
	d.poller = autopopulate.New(repo, d.fields,
		autopopulate.WithInterval(tuning.PollInterval),
		autopopulate.WithMaxAttempts(tuning.PollMaxAttempts),
		autopopulate.WithLogger(logger),
		autopopulate.WithPublisher(bus),
		autopopulate.WithNormalizer(func(fields model.Fields) model.Fields {
			d.mu.RLock()
			tpl := d.template
			d.mu.RUnlock()
			return normalizeFields(tpl, fields)
		}),
		autopopulate.WithObserver(func(outcome autopopulate.Outcome, attempts int) {
			s.metrics.PollFinished(string(outcome), attempts)
		}),
	)
	d.machine = workflow.New(draftID, s.steps, workflow.WithLogger(logger), workflow.WithPublisher(bus))
	d.sections = sections.New(draftID, repo,
		sections.WithLogger(logger),
		sections.WithPublisher(bus),
		sections.WithActivity(d.activity),
		sections.WithAutoValidate(tuning.AutoValidate),
		sections.WithObserver(s.metrics.Generation),
	)
	d.machine.Guard(model.StepSectionConfig, d.sections.PersistAll)

	pipelineOpts := []assembly.Option{
		assembly.WithLogger(logger),
		assembly.WithPublisher(bus),
		assembly.WithActivity(d.activity),
		assembly.WithEmbedFlag(d.machine),
		assembly.WithExporter(s.newExporter(repo)),
		assembly.WithTokens(s.newCollab(token)),
		assembly.WithObserver(s.metrics.Assembly),
	}
	if s.archive != nil {
		pipelineOpts = append(pipelineOpts, assembly.WithArchive(s.archive))
	}
	if s.store != nil {
		pipelineOpts = append(pipelineOpts, assembly.WithSnapshots(s.store))
	}
	if s.indexer != nil {
		pipelineOpts = append(pipelineOpts, assembly.WithIndexer(s.indexer))
	}
	d.assembly = assembly.New(draftID, repo, pipelineOpts...)
	return d
}

// load performs the page-load sequence: draft, template, fields, step, sections and
// any previous assembly. The autopopulation poller starts when the draft has context
// but no field data.
func (d *DraftSession) load(ctx context.Context) error {
	draft, err := d.repo.GetDraft(ctx, d.draftID)
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	var tpl model.Template
	if draft.TemplateID != "" {
		tpl, err = d.repo.GetTemplate(ctx, draft.TemplateID)
		if err != nil {
			return fmt.Errorf("load template: %w", err)
		}
	}

	fields := draft.Fields.Clone()
	if fields == nil {
		fields = model.Fields{}
	}
	if draft.TemplateID != "" {
		scoped, err := d.repo.GetTemplateFieldValues(ctx, draft.TemplateID, d.draftID)
		if err != nil {
			d.logger.Warn("load template field values failed", "error", err)
		} else {
			fields = model.Overlay(scoped, fields)
		}
	}
	fields = normalizeFields(tpl, fields)

	d.mu.Lock()
	d.draft = draft
	d.template = tpl
	d.mu.Unlock()

	d.fields.Load(fields, draft.UpdatedAt)
	d.machine.Restore(ctx)
	if err := d.sections.Load(ctx, tpl); err != nil {
		return fmt.Errorf("load sections: %w", err)
	}
	if _, _, err := d.assembly.Load(ctx); err != nil {
		d.logger.Warn("load assembly failed", "error", err)
	}
	if autopopulate.ShouldStart(draft, fields) {
		d.startPoller()
	}
	return nil
}

func (d *DraftSession) startPoller() {
	d.mu.RLock()
	target := autopopulate.Target{DraftID: d.draftID, TemplateID: d.draft.TemplateID}
	d.mu.RUnlock()
	d.poller.Start(d.ctx, target)
}

// spawn runs fn in the session's background context, bounded by timeout. Panics are
// logged and reported as a notice.
func (d *DraftSession) spawn(op string, timeout time.Duration, fn func(ctx context.Context)) bool {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return false
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("background operation panicked", "op", op, "panic", r)
				d.bus.Publish(events.Event{Type: events.Notice, DraftID: d.draftID, Message: op + " failed unexpectedly"})
			}
		}()
		ctx, cancel := context.WithTimeout(d.ctx, timeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// Close cancels the poller, drops any pending debounced save and waits for
// background work to stop.
func (d *DraftSession) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.poller.Stop()
	d.fields.Close()
	d.cancel()
	d.wg.Wait()
	d.poller.Wait()
	d.bus.Close()
}

func (d *DraftSession) Subscribe() (<-chan events.Event, func()) {
	return d.bus.Subscribe()
}

type FieldsState struct {
	Values         model.Fields      `json:"values"`
	Display        map[string]string `json:"display,omitempty"`
	Dirty          bool              `json:"dirty"`
	SavePending    bool              `json:"savePending"`
	LastSaved      time.Time         `json:"lastSaved,omitempty"`
	SaveError      string            `json:"saveError,omitempty"`
	Autopopulating bool              `json:"autopopulating"`
}

type WorkflowState struct {
	Step        model.Step   `json:"step"`
	Name        string       `json:"name"`
	Completed   []model.Step `json:"completed"`
	CollabEmbed bool         `json:"collabEmbed"`
}

type SectionsState struct {
	Items        []model.Section `json:"items"`
	ActiveID     string          `json:"activeId,omitempty"`
	OrderPending bool            `json:"orderPending"`
	Ready        bool            `json:"ready"`
	Unmet        []string        `json:"unmet,omitempty"`
}

type AssemblyState struct {
	Result       *model.AssemblyResult `json:"result,omitempty"`
	Fragments    []string              `json:"fragments,omitempty"`
	View         assembly.View         `json:"view"`
	Assembling   bool                  `json:"assembling"`
	CollabPrompt string                `json:"collabPrompt,omitempty"`
}

type State struct {
	DraftID  string              `json:"draftId"`
	Title    string              `json:"title"`
	Metadata model.DraftMetadata `json:"metadata"`
	Template model.Template      `json:"template"`
	Fields   FieldsState         `json:"fields"`
	Workflow WorkflowState       `json:"workflow"`
	Sections SectionsState       `json:"sections"`
	Assembly AssemblyState       `json:"assembly"`
	OpenedAt time.Time           `json:"openedAt"`
}

// State is the full renderable snapshot. A pending collaborative-document prompt is
// delivered once.
func (d *DraftSession) State() State {
	d.mu.RLock()
	draft := d.draft
	tpl := d.template
	openedAt := d.openedAt
	d.mu.RUnlock()

	values := d.fields.Fields()
	fields := FieldsState{
		Values:         values,
		Display:        displayFields(tpl, values),
		Dirty:          d.fields.Dirty(),
		SavePending:    d.fields.Pending(),
		LastSaved:      d.fields.LastSaved(),
		Autopopulating: d.poller.Active(),
	}
	if err := d.fields.LastError(); err != nil {
		fields.SaveError = err.Error()
	}

	step := d.machine.Current()
	ready, unmet := d.sections.Ready()

	asm := AssemblyState{View: d.assembly.View(), Assembling: d.assembly.Assembling()}
	if result, ok := d.assembly.Result(); ok {
		asm.Result = &result
		asm.Fragments = d.assembly.Fragments()
	}
	if prompt, ok := d.assembly.ConsumeCollabPrompt(); ok {
		asm.CollabPrompt = prompt
	}

	return State{
		DraftID:  d.draftID,
		Title:    draft.Title,
		Metadata: draft.Metadata,
		Template: tpl,
		Fields:   fields,
		Workflow: WorkflowState{
			Step:        step,
			Name:        step.String(),
			Completed:   d.machine.Completed(),
			CollabEmbed: d.machine.CollabEmbed(),
		},
		Sections: SectionsState{
			Items:        d.sections.Sections(),
			ActiveID:     d.sections.ActiveID(),
			OrderPending: d.sections.OrderPending(),
			Ready:        ready,
			Unmet:        unmet,
		},
		Assembly: asm,
		OpenedAt: openedAt,
	}
}

// EditFields applies user edits. Values of list-like fields may be sent as display
// text and are turned back into the structured form of the current value.
func (d *DraftSession) EditFields(edits model.Fields) model.Fields {
	d.mu.RLock()
	tpl := d.template
	d.mu.RUnlock()

	current := d.fields.Fields()
	normalized := make(model.Fields, len(edits))
	for key, value := range edits {
		if _, ok := structuredTypes[tpl.FieldType(key)]; !ok {
			normalized[key] = value
			continue
		}
		if text, ok := value.(string); ok {
			prev := fieldvalue.Normalize(current[key])
			if prev.Kind == fieldvalue.KindEmpty {
				prev.Kind = fieldvalue.KindList
			}
			normalized[key] = fieldvalue.FromDisplay(text, prev)
			continue
		}
		normalized[key] = fieldvalue.Normalize(value).Structured()
	}
	d.fields.Update(normalized)
	return d.fields.Fields()
}

func (d *DraftSession) Save(ctx context.Context) error {
	return d.fields.SaveNow(ctx)
}

func (d *DraftSession) Rename(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if err := d.repo.RenameDraft(ctx, d.draftID, title); err != nil {
		return err
	}
	d.mu.Lock()
	d.draft.Title = title
	d.mu.Unlock()
	return nil
}

// AttachCase links a case and restarts autopopulation.
func (d *DraftSession) AttachCase(ctx context.Context, caseID, caseTitle string) error {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "caseId is required", nil)
	}
	if err := d.repo.AttachCase(ctx, d.draftID, caseID, caseTitle); err != nil {
		return err
	}
	d.mu.Lock()
	d.draft.Metadata.CaseID = caseID
	d.draft.Metadata.CaseTitle = caseTitle
	d.mu.Unlock()
	d.startPoller()
	return nil
}

// Upload stores a source document and restarts autopopulation.
func (d *DraftSession) Upload(ctx context.Context, fileName string, content io.Reader) (backend.UploadedFile, error) {
	uploaded, err := d.repo.UploadDocument(ctx, d.draftID, fileName, content)
	if err != nil {
		return backend.UploadedFile{}, err
	}
	d.mu.Lock()
	d.draft.Metadata.SourceFileID = uploaded.FileID
	d.draft.Metadata.SourceFileName = uploaded.FileName
	d.mu.Unlock()
	d.startPoller()
	return uploaded, nil
}

func (d *DraftSession) GoTo(ctx context.Context, step model.Step) error {
	return d.machine.GoTo(ctx, step)
}

func (d *DraftSession) Advance(ctx context.Context, from model.Step) (model.Step, error) {
	return d.machine.Advance(ctx, from)
}

func (d *DraftSession) Sections() *sections.Orchestrator {
	return d.sections
}

// Generate validates synchronously and runs the backend call in the background.
func (d *DraftSession) Generate(sectionID string) error {
	section, ok := d.sections.Section(sectionID)
	if !ok {
		return fmt.Errorf("%w: %s", sections.ErrUnknownSection, sectionID)
	}
	if section.State.Busy() {
		return sections.ErrBusy
	}
	started := d.spawn("generate", d.tuning.GenerationTimeout, func(ctx context.Context) {
		if _, err := d.sections.Generate(ctx, sectionID); err != nil {
			d.logger.Info("generate section failed", "section_id", sectionID, "error", err)
		}
	})
	if !started {
		return errSessionNotFound
	}
	return nil
}

func (d *DraftSession) Refine(sectionID, feedback string) error {
	if strings.TrimSpace(feedback) == "" {
		return sections.ErrEmptyFeedback
	}
	section, ok := d.sections.Section(sectionID)
	if !ok {
		return fmt.Errorf("%w: %s", sections.ErrUnknownSection, sectionID)
	}
	if section.State.Busy() {
		return sections.ErrBusy
	}
	if section.State != model.StateGenerated {
		return sections.ErrNotGenerated
	}
	started := d.spawn("refine", d.tuning.GenerationTimeout, func(ctx context.Context) {
		if _, err := d.sections.Refine(ctx, sectionID, feedback); err != nil {
			d.logger.Info("refine section failed", "section_id", sectionID, "error", err)
		}
	})
	if !started {
		return errSessionNotFound
	}
	return nil
}

// Assemble fails immediately when the draft is not ready; otherwise the backend call
// runs in the background.
func (d *DraftSession) Assemble() error {
	if ready, _ := d.sections.Ready(); !ready {
		_, err := d.assembly.Assemble(d.ctx, d.sections)
		return err
	}
	if d.assembly.Assembling() {
		return assembly.ErrBusy
	}
	started := d.spawn("assemble", d.tuning.AssemblyTimeout, func(ctx context.Context) {
		if _, err := d.assembly.Assemble(ctx, d.sections); err != nil {
			d.logger.Info("assemble failed", "error", err)
		}
	})
	if !started {
		return errSessionNotFound
	}
	return nil
}

func (d *DraftSession) Assembly() *assembly.Pipeline {
	return d.assembly
}

func (d *DraftSession) Export(ctx context.Context, format export.Format) (*export.Result, error) {
	d.mu.RLock()
	title := d.draft.Title
	d.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, d.tuning.AssemblyTimeout)
	defer cancel()
	return d.assembly.Export(ctx, title, format)
}

func (d *DraftSession) Share(ctx context.Context) (assembly.Share, error) {
	return d.assembly.Share(ctx)
}

func (d *DraftSession) History(limit int) ([]archive.Entry, error) {
	return d.assembly.History(limit)
}

func (d *DraftSession) Activity() []model.ActivityEvent {
	return d.activity.Events()
}

func normalizeFields(tpl model.Template, fields model.Fields) model.Fields {
	out := fields.Clone()
	for key, value := range out {
		if _, ok := structuredTypes[tpl.FieldType(key)]; ok {
			out[key] = fieldvalue.Normalize(value).Structured()
		}
	}
	return out
}

func displayFields(tpl model.Template, fields model.Fields) map[string]string {
	display := map[string]string{}
	for key, value := range fields {
		if _, ok := structuredTypes[tpl.FieldType(key)]; ok {
			display[key] = fieldvalue.Normalize(value).Display()
		}
	}
	if len(display) == 0 {
		return nil
	}
	return display
}
