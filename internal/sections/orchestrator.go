// Package sections owns the ordered section list of a draft and the generation
// lifecycle of each section.
package sections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lexdraft/api/internal/backend"
	"lexdraft/api/internal/events"
	"lexdraft/api/internal/model"
	"lexdraft/api/internal/util"
)

var (
	ErrUnknownSection     = errors.New("unknown section")
	ErrNotCustom          = errors.New("only custom sections can be deleted")
	ErrBusy               = errors.New("section has a generation in progress")
	ErrNotGenerated       = errors.New("section has no generated content")
	ErrEmptyFeedback      = errors.New("feedback is required")
	ErrEmptyTitle         = errors.New("section title is required")
	ErrInvalidDetailLevel = errors.New("invalid detail level")
)

const customPrefix = "custom"

// Repository is the part of the backend the orchestrator needs.
type Repository interface {
	ListSectionRecords(ctx context.Context, draftID string) ([]model.SectionRecord, error)
	UpsertSectionRecord(ctx context.Context, draftID string, record model.SectionRecord) error
	SaveSectionOrder(ctx context.Context, draftID string, sectionIDs []string) error
	LatestVersions(ctx context.Context, draftID string) (map[string]model.SectionVersion, error)
	GenerateSection(ctx context.Context, draftID, sectionID string, req backend.GenerateRequest) (model.SectionVersion, error)
	RefineSection(ctx context.Context, draftID, sectionID string, req backend.RefineRequest) (model.SectionVersion, error)
	UpdateVersion(ctx context.Context, versionID, content string) (model.SectionVersion, error)
}

// Activity receives generation progress entries.
type Activity interface {
	Start(agent, category, action string) string
	Complete(id string)
}

type noActivity struct{}

func (noActivity) Start(string, string, string) string { return "" }
func (noActivity) Complete(string)                     {}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.events = p
	}
}

func WithActivity(a Activity) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.activity = a
		}
	}
}

// WithAutoValidate controls whether generation asks the backend for a critic review.
func WithAutoValidate(on bool) Option {
	return func(o *Orchestrator) {
		o.autoValidate = on
	}
}

// WithObserver is told the duration and outcome of every generate and refine call.
func WithObserver(fn func(op string, err error, took time.Duration)) Option {
	return func(o *Orchestrator) {
		o.observe = fn
	}
}

type entry struct {
	model.Section
	templateIndex int
	customIndex   int
	ordered       bool
}

type Orchestrator struct {
	draftID      string
	repo         Repository
	logger       *slog.Logger
	events       events.Publisher
	activity     Activity
	autoValidate bool
	observe      func(string, error, time.Duration)
	reviews      *ReviewRenderer

	// orderMu serializes full-order writes; each write snapshots the list at send time.
	orderMu sync.Mutex

	mu           sync.Mutex
	list         []*entry
	active       string
	orderPending bool
}

func New(draftID string, repo Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		draftID:      draftID,
		repo:         repo,
		logger:       slog.Default(),
		events:       events.Discard{},
		activity:     noActivity{},
		autoValidate: true,
		reviews:      NewReviewRenderer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Load builds the section list from the template, the persisted customization records
// and the latest stored versions.
func (o *Orchestrator) Load(ctx context.Context, tpl model.Template) error {
	var (
		records  []model.SectionRecord
		versions map[string]model.SectionVersion
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = o.repo.ListSectionRecords(gctx, o.draftID)
		if err != nil {
			return fmt.Errorf("list section records: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		versions, err = o.repo.LatestVersions(gctx, o.draftID)
		if err != nil {
			return fmt.Errorf("latest versions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	list := buildList(tpl, records)
	for _, e := range list {
		if version, ok := versions[e.ID]; ok && strings.TrimSpace(version.Content) != "" {
			e.State = model.StateGenerated
			e.VersionID = version.VersionID
			e.Content = version.Content
			e.Review = o.reviews.Render(version.Review)
		}
	}
	renumber(list)

	o.mu.Lock()
	o.list = list
	o.orderPending = false
	if len(list) > 0 {
		o.active = list[0].ID
	} else {
		o.active = ""
	}
	o.mu.Unlock()

	o.logger.Debug("sections loaded", "draft_id", o.draftID, "sections", len(list), "records", len(records))
	o.publishList()
	return nil
}

func buildList(tpl model.Template, records []model.SectionRecord) []*entry {
	byID := make(map[string]model.SectionRecord, len(records))
	for _, rec := range records {
		byID[rec.SectionID] = rec
	}

	list := make([]*entry, 0, len(tpl.Sections)+len(records))
	known := make(map[string]bool, len(tpl.Sections))
	for i, def := range tpl.Sections {
		known[def.ID] = true
		e := &entry{
			Section: model.Section{
				ID:            def.ID,
				Title:         def.Name,
				Description:   def.Purpose,
				DefaultPrompt: def.DefaultPrompt,
				DetailLevel:   model.DetailConcise,
				State:         model.StateIdle,
			},
			templateIndex: i,
			customIndex:   -1,
		}
		if rec, ok := byID[def.ID]; ok {
			applyRecord(e, rec)
		}
		list = append(list, e)
	}

	custom := 0
	for _, rec := range records {
		if known[rec.SectionID] {
			continue
		}
		// Hard-deleted custom sections are stored flagged and without a position.
		if rec.IsDeleted && rec.SortOrder == nil {
			continue
		}
		e := &entry{
			Section: model.Section{
				ID:          rec.SectionID,
				Title:       rec.Name,
				Description: rec.Description,
				IsCustom:    true,
				DetailLevel: model.DetailConcise,
				State:       model.StateIdle,
			},
			templateIndex: -1,
			customIndex:   custom,
		}
		custom++
		applyRecord(e, rec)
		list = append(list, e)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return less(list[i], list[j])
	})
	return list
}

func applyRecord(e *entry, rec model.SectionRecord) {
	if strings.TrimSpace(rec.Name) != "" {
		e.Title = rec.Name
	}
	if strings.TrimSpace(rec.Description) != "" {
		e.Description = rec.Description
	}
	e.CustomPrompt = rec.CustomPrompt
	e.HasCustom = strings.TrimSpace(rec.CustomPrompt) != ""
	e.IsDeleted = rec.IsDeleted
	e.DetailLevel = model.NormalizeDetailLevel(string(rec.DetailLevel))
	e.Language = rec.Language
	if rec.SortOrder != nil {
		e.SortOrder = *rec.SortOrder
		e.ordered = true
	}
}

// less places sections with a persisted position first, then never-reordered template
// sections in template order, then never-reordered custom sections.
func less(a, b *entry) bool {
	if a.ordered != b.ordered {
		return a.ordered
	}
	if a.ordered && a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	// An excluded section shares the sort order of the included one it follows.
	if a.ordered && a.IsDeleted != b.IsDeleted {
		return !a.IsDeleted
	}
	if a.IsCustom != b.IsCustom {
		return !a.IsCustom
	}
	if !a.IsCustom {
		return a.templateIndex < b.templateIndex
	}
	return a.customIndex < b.customIndex
}

// renumber gives included sections a dense sort order and a 1-based display number.
// Excluded sections take the sort order of the nearest included section above them,
// or -1 at the top, and get number 0. It returns the excluded sections whose sort
// order changed.
func renumber(list []*entry) []*entry {
	var shifted []*entry
	n := 0
	anchor := -1
	for _, e := range list {
		if e.IsDeleted {
			e.Number = 0
			if !e.ordered || e.SortOrder != anchor {
				e.SortOrder = anchor
				e.ordered = true
				shifted = append(shifted, e)
			}
			continue
		}
		e.SortOrder = n
		e.ordered = true
		anchor = n
		n++
		e.Number = n
	}
	return shifted
}

func recordsOf(entries []*entry, skip string) []model.SectionRecord {
	out := make([]model.SectionRecord, 0, len(entries))
	for _, e := range entries {
		if e.ID != skip {
			out = append(out, e.Record())
		}
	}
	return out
}

// Sections returns a copy of the list in display order, excluded sections included.
func (o *Orchestrator) Sections() []model.Section {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Section, len(o.list))
	for i, e := range o.list {
		out[i] = e.Section
	}
	return out
}

func (o *Orchestrator) Section(id string) (model.Section, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e := o.find(id); e != nil {
		return e.Section, true
	}
	return model.Section{}, false
}

// IncludedIDs is the authoritative active order.
func (o *Orchestrator) IncludedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.includedLocked()
}

func (o *Orchestrator) includedLocked() []string {
	ids := make([]string, 0, len(o.list))
	for _, e := range o.list {
		if !e.IsDeleted {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (o *Orchestrator) ActiveID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) SetActive(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.find(id) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	o.active = id
	return nil
}

// OrderPending reports whether the last order write failed and has not been resent.
func (o *Orchestrator) OrderPending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orderPending
}

func (o *Orchestrator) find(id string) *entry {
	for _, e := range o.list {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (o *Orchestrator) indexOf(id string) int {
	for i, e := range o.list {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// ToggleInclusion flips the exclusion flag. Content and versions are untouched.
func (o *Orchestrator) ToggleInclusion(ctx context.Context, id string) (model.Section, error) {
	o.mu.Lock()
	e := o.find(id)
	if e == nil {
		o.mu.Unlock()
		return model.Section{}, fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	e.IsDeleted = !e.IsDeleted
	shifted := recordsOf(renumber(o.list), id)
	record := e.Record()
	section := e.Section
	o.mu.Unlock()
	o.publishList()

	if err := o.saveRecords(ctx, append([]model.SectionRecord{record}, shifted...)); err != nil {
		return section, err
	}
	return section, o.persistOrder(ctx)
}

// MoveUp moves a section before the nearest included section above it.
func (o *Orchestrator) MoveUp(ctx context.Context, id string) error {
	return o.step(ctx, id, -1)
}

// MoveDown moves a section after the nearest included section below it.
func (o *Orchestrator) MoveDown(ctx context.Context, id string) error {
	return o.step(ctx, id, 1)
}

func (o *Orchestrator) step(ctx context.Context, id string, dir int) error {
	o.mu.Lock()
	idx := o.indexOf(id)
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	target := -1
	for i := idx + dir; i >= 0 && i < len(o.list); i += dir {
		if !o.list[i].IsDeleted || o.list[idx].IsDeleted {
			target = i
			break
		}
	}
	o.mu.Unlock()
	if target < 0 {
		return nil
	}
	return o.MoveTo(ctx, id, target)
}

// MoveTo relocates a section to position (an index into Sections()).
func (o *Orchestrator) MoveTo(ctx context.Context, id string, position int) error {
	o.mu.Lock()
	idx := o.indexOf(id)
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	if position < 0 {
		position = 0
	}
	if position >= len(o.list) {
		position = len(o.list) - 1
	}
	if position == idx {
		o.mu.Unlock()
		return nil
	}
	moved := o.list[idx]
	o.list = append(o.list[:idx], o.list[idx+1:]...)
	o.list = append(o.list[:position], append([]*entry{moved}, o.list[position:]...)...)
	records := recordsOf(renumber(o.list), moved.ID)
	if moved.IsDeleted {
		records = append(records, moved.Record())
	}
	o.mu.Unlock()
	o.publishList()

	if err := o.saveRecords(ctx, records); err != nil {
		return err
	}
	return o.persistOrder(ctx)
}

// saveRecords writes the records of sections whose stored position or state changed.
func (o *Orchestrator) saveRecords(ctx context.Context, records []model.SectionRecord) error {
	for _, rec := range records {
		if err := o.repo.UpsertSectionRecord(ctx, o.draftID, rec); err != nil {
			o.logger.Warn("save section record failed", "draft_id", o.draftID, "section_id", rec.SectionID, "error", err)
			o.markOrderPending()
			o.notifyOrderFailure(err)
			return fmt.Errorf("save section: %w", err)
		}
	}
	return nil
}

type NewSection struct {
	Title       string
	Description string
	Prompt      string
	DetailLevel model.DetailLevel
	Language    string
}

// AddCustom appends a user-defined section and persists its record and the new order.
func (o *Orchestrator) AddCustom(ctx context.Context, in NewSection) (model.Section, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Section{}, ErrEmptyTitle
	}
	detail := model.DetailConcise
	if in.DetailLevel != "" {
		if !in.DetailLevel.Valid() {
			return model.Section{}, fmt.Errorf("%w: %s", ErrInvalidDetailLevel, in.DetailLevel)
		}
		detail = in.DetailLevel
	}
	e := &entry{
		Section: model.Section{
			ID:           util.NewID(customPrefix),
			Title:        title,
			Description:  strings.TrimSpace(in.Description),
			CustomPrompt: in.Prompt,
			HasCustom:    strings.TrimSpace(in.Prompt) != "",
			IsCustom:     true,
			DetailLevel:  detail,
			Language:     in.Language,
			State:        model.StateIdle,
		},
		templateIndex: -1,
	}

	o.mu.Lock()
	e.customIndex = len(o.list)
	o.list = append(o.list, e)
	renumber(o.list)
	o.active = e.ID
	record := e.Record()
	section := e.Section
	o.mu.Unlock()
	o.publishList()

	if err := o.repo.UpsertSectionRecord(ctx, o.draftID, record); err != nil {
		o.logger.Warn("save custom section failed", "draft_id", o.draftID, "section_id", section.ID, "error", err)
		o.markOrderPending()
		o.notifyOrderFailure(err)
		return section, fmt.Errorf("save section: %w", err)
	}
	return section, o.persistOrder(ctx)
}

// Delete removes a custom section. The backend keeps it flagged as deleted with no
// position so it is dropped on the next load.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.mu.Lock()
	idx := o.indexOf(id)
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	e := o.list[idx]
	if !e.IsCustom {
		o.mu.Unlock()
		return ErrNotCustom
	}
	if e.State.Busy() {
		o.mu.Unlock()
		return ErrBusy
	}
	record := e.Record()
	record.IsDeleted = true
	record.SortOrder = nil
	o.list = append(o.list[:idx], o.list[idx+1:]...)
	shifted := recordsOf(renumber(o.list), "")
	if o.active == id {
		o.active = ""
		if len(o.list) > 0 {
			o.active = o.list[0].ID
		}
	}
	o.mu.Unlock()
	o.publishList()

	if err := o.repo.UpsertSectionRecord(ctx, o.draftID, record); err != nil {
		o.logger.Warn("delete section failed", "draft_id", o.draftID, "section_id", id, "error", err)
		o.markOrderPending()
		o.notifyOrderFailure(err)
		return fmt.Errorf("delete section: %w", err)
	}
	if err := o.saveRecords(ctx, shifted); err != nil {
		return err
	}
	return o.persistOrder(ctx)
}

// Settings carries optional changes; nil fields are left alone.
type Settings struct {
	Title        *string            `json:"title,omitempty"`
	Description  *string            `json:"description,omitempty"`
	CustomPrompt *string            `json:"customPrompt,omitempty"`
	DetailLevel  *model.DetailLevel `json:"detailLevel,omitempty"`
	Language     *string            `json:"language,omitempty"`
}

func (o *Orchestrator) UpdateSettings(ctx context.Context, id string, s Settings) (model.Section, error) {
	if s.DetailLevel != nil && !s.DetailLevel.Valid() {
		return model.Section{}, fmt.Errorf("%w: %s", ErrInvalidDetailLevel, *s.DetailLevel)
	}
	if s.Title != nil && strings.TrimSpace(*s.Title) == "" {
		return model.Section{}, ErrEmptyTitle
	}

	o.mu.Lock()
	e := o.find(id)
	if e == nil {
		o.mu.Unlock()
		return model.Section{}, fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	if s.Title != nil {
		e.Title = strings.TrimSpace(*s.Title)
	}
	if s.Description != nil {
		e.Description = *s.Description
	}
	if s.CustomPrompt != nil {
		e.CustomPrompt = *s.CustomPrompt
		e.HasCustom = strings.TrimSpace(*s.CustomPrompt) != ""
	}
	if s.DetailLevel != nil {
		e.DetailLevel = *s.DetailLevel
	}
	if s.Language != nil {
		e.Language = *s.Language
	}
	record := e.Record()
	section := e.Section
	resend := o.orderPending
	o.mu.Unlock()
	o.publishList()

	if err := o.repo.UpsertSectionRecord(ctx, o.draftID, record); err != nil {
		o.logger.Warn("save section settings failed", "draft_id", o.draftID, "section_id", id, "error", err)
		return section, fmt.Errorf("save section: %w", err)
	}
	if resend {
		return section, o.persistOrder(ctx)
	}
	return section, nil
}

// PersistAll writes every section record and then the full order. It is the batch the
// finalize transition waits on.
func (o *Orchestrator) PersistAll(ctx context.Context) error {
	o.mu.Lock()
	records := make([]model.SectionRecord, len(o.list))
	for i, e := range o.list {
		records[i] = e.Record()
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rec := range records {
		g.Go(func() error {
			if err := o.repo.UpsertSectionRecord(gctx, o.draftID, rec); err != nil {
				return fmt.Errorf("save section %s: %w", rec.SectionID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Warn("finalize sections failed", "draft_id", o.draftID, "error", err)
		return err
	}
	return o.persistOrder(ctx)
}

// persistOrder sends the current included order as one call. Local state is never
// rolled back; a failure leaves the order pending until the next write succeeds.
func (o *Orchestrator) persistOrder(ctx context.Context) error {
	o.orderMu.Lock()
	defer o.orderMu.Unlock()

	ids := o.IncludedIDs()
	err := o.repo.SaveSectionOrder(ctx, o.draftID, ids)

	o.mu.Lock()
	o.orderPending = err != nil
	o.mu.Unlock()
	if err != nil {
		o.logger.Warn("save section order failed", "draft_id", o.draftID, "sections", len(ids), "error", err)
		o.notifyOrderFailure(err)
		return fmt.Errorf("save section order: %w", err)
	}
	return nil
}

func (o *Orchestrator) markOrderPending() {
	o.mu.Lock()
	o.orderPending = true
	o.mu.Unlock()
}

func (o *Orchestrator) notifyOrderFailure(err error) {
	o.events.Publish(events.Event{
		Type:    events.OrderPersistFailed,
		DraftID: o.draftID,
		Message: "The section changes could not be saved. They will be saved again with your next change.",
		Data:    map[string]any{"error": err.Error()},
	})
}

func (o *Orchestrator) publishList() {
	o.events.Publish(events.Event{Type: events.SectionsChanged, DraftID: o.draftID, Data: o.Sections()})
}
