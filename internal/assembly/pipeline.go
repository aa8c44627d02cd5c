// Package assembly compiles the included sections into one document and exposes the
// export and sharing that hang off it.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lexdraft/api/internal/archive"
	"lexdraft/api/internal/backend"
	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/events"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/model"
)

const agentAssembly = "Assembly Agent"

var (
	ErrNotReady      = errors.New("draft is not ready to assemble")
	ErrBusy          = errors.New("assembly already in progress")
	ErrNoAssembly    = errors.New("draft has not been assembled")
	ErrNoExternalDoc = errors.New("assembly has no collaborative document")
	ErrInvalidView   = errors.New("invalid assembly view")
)

// PreconditionError names the included sections that are not generated yet.
type PreconditionError struct {
	Unmet []string
}

func (e *PreconditionError) Error() string {
	if len(e.Unmet) == 0 {
		return "draft is not ready to assemble: no sections are included"
	}
	return fmt.Sprintf("draft is not ready to assemble: sections not generated: %s", strings.Join(e.Unmet, ", "))
}

func (e *PreconditionError) Unwrap() error {
	return ErrNotReady
}

// View is how the assembled document is shown.
type View string

const (
	ViewStatic View = "static"
	ViewLive   View = "live"
)

// Source is the section list being assembled.
// Source reports the included section ids in order, the included sections without
// content, and whether assembly may proceed, all from one snapshot.
type Source interface {
	ReadyIDs() (ids, unmet []string, ready bool)
}

type Repository interface {
	Assemble(ctx context.Context, draftID string, sectionIDs []string) (model.AssemblyResult, error)
	GetAssembly(ctx context.Context, draftID string) (model.AssemblyResult, bool, error)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// EmbedFlag is the collaborative-embed switch owned by the workflow machine. Setting it
// may be refused outside the assembly step; a preference waits for the step instead.
type EmbedFlag interface {
	CollabEmbed() bool
	SetCollabEmbed(on bool) error
	PreferCollabEmbed(on bool)
}

type Archiver interface {
	Commit(draftID string, result model.AssemblyResult, author string) (archive.Entry, error)
	History(draftID string, limit int) ([]archive.Entry, error)
}

// Snapshots persists assemblies and export audit rows.
type Snapshots interface {
	SaveAssembly(ctx context.Context, result model.AssemblyResult, archiveHash string) (int64, error)
	RecordExport(ctx context.Context, draftID string, result *export.Result, format export.Format) error
}

type Indexer interface {
	IndexAssembly(ctx context.Context, result model.AssemblyResult) error
}

type Activity interface {
	Start(agent, category, action string) string
	Complete(id string)
}

type noActivity struct{}

func (noActivity) Start(string, string, string) string { return "" }
func (noActivity) Complete(string)                     {}

// localEmbed is used when no workflow machine is attached.
type localEmbed struct {
	mu sync.Mutex
	on bool
}

func (l *localEmbed) CollabEmbed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

func (l *localEmbed) SetCollabEmbed(on bool) error {
	l.mu.Lock()
	l.on = on
	l.mu.Unlock()
	return nil
}

func (l *localEmbed) PreferCollabEmbed(on bool) {
	_ = l.SetCollabEmbed(on)
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) {
		p.events = pub
	}
}

func WithActivity(a Activity) Option {
	return func(p *Pipeline) {
		p.activity = a
	}
}

func WithExporter(e Exporter) Option {
	return func(p *Pipeline) {
		p.exporter = e
	}
}

func WithTokens(t collab.TokenProvider) Option {
	return func(p *Pipeline) {
		p.tokens = t
	}
}

func WithEmbedFlag(f EmbedFlag) Option {
	return func(p *Pipeline) {
		p.embed = f
	}
}

func WithArchive(a Archiver) Option {
	return func(p *Pipeline) {
		p.archive = a
	}
}

func WithSnapshots(s Snapshots) Option {
	return func(p *Pipeline) {
		p.snapshots = s
	}
}

func WithIndexer(i Indexer) Option {
	return func(p *Pipeline) {
		p.indexer = i
	}
}

// WithObserver is told the outcome of every assemble call.
func WithObserver(fn func(outcome string)) Option {
	return func(p *Pipeline) {
		p.observe = fn
	}
}

// Pipeline holds the assembly of one draft.
type Pipeline struct {
	draftID   string
	repo      Repository
	exporter  Exporter
	tokens    collab.TokenProvider
	embed     EmbedFlag
	archive   Archiver
	snapshots Snapshots
	indexer   Indexer
	activity  Activity
	events    events.Publisher
	logger    *slog.Logger
	observe   func(string)

	mu           sync.Mutex
	result       *model.AssemblyResult
	assembling   bool
	collabPrompt bool
}

func New(draftID string, repo Repository, opts ...Option) *Pipeline {
	p := &Pipeline{
		draftID:  draftID,
		repo:     repo,
		embed:    &localEmbed{},
		activity: noActivity{},
		events:   events.Discard{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load restores a previous assembly on a cold page load. It always starts in the
// static view; a linked collaborative document only raises a one-time prompt.
func (p *Pipeline) Load(ctx context.Context) (model.AssemblyResult, bool, error) {
	result, ok, err := p.repo.GetAssembly(ctx, p.draftID)
	if err != nil {
		return model.AssemblyResult{}, false, fmt.Errorf("load assembly: %w", err)
	}
	if !ok {
		return model.AssemblyResult{}, false, nil
	}

	p.mu.Lock()
	p.result = &result
	p.collabPrompt = result.HasExternalDoc()
	p.mu.Unlock()
	_ = p.embed.SetCollabEmbed(false)

	if result.HasExternalDoc() {
		p.events.Publish(events.Event{
			Type:    events.CollabPrompt,
			DraftID: p.draftID,
			Message: "This draft has a collaborative document. Open it?",
			Data:    map[string]string{"externalDocId": result.ExternalDocID, "embedUrl": result.EmbedURL},
		})
	}
	return result, true, nil
}

// Assemble compiles the included sections in order. Nothing is sent when the source is
// not ready. A linked collaborative document switches the view to live.
func (p *Pipeline) Assemble(ctx context.Context, src Source) (model.AssemblyResult, error) {
	ids, unmet, ready := src.ReadyIDs()
	if !ready {
		err := &PreconditionError{Unmet: unmet}
		p.report("not_ready")
		p.events.Publish(events.Event{Type: events.AssemblyFailed, DraftID: p.draftID, Message: err.Error(), Data: unmet})
		return model.AssemblyResult{}, err
	}

	p.mu.Lock()
	if p.assembling {
		p.mu.Unlock()
		return model.AssemblyResult{}, ErrBusy
	}
	p.assembling = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.assembling = false
		p.mu.Unlock()
	}()

	activityID := p.activity.Start(agentAssembly, "assembly", fmt.Sprintf("Assembling %d sections", len(ids)))
	result, err := p.repo.Assemble(ctx, p.draftID, ids)
	p.activity.Complete(activityID)
	if err != nil {
		p.report("failure")
		p.events.Publish(events.Event{
			Type:    events.AssemblyFailed,
			DraftID: p.draftID,
			Message: "Assembling the document failed: " + describe(err),
		})
		return model.AssemblyResult{}, fmt.Errorf("assemble: %w", err)
	}

	p.mu.Lock()
	p.result = &result
	p.collabPrompt = false
	p.mu.Unlock()
	p.embed.PreferCollabEmbed(result.HasExternalDoc())

	p.report("success")
	p.events.Publish(events.Event{Type: events.AssemblyCompleted, DraftID: p.draftID, Data: result})
	p.persist(ctx, result)
	return result, nil
}

// persist runs the best-effort side work of an explicit assembly. Failures are logged.
func (p *Pipeline) persist(ctx context.Context, result model.AssemblyResult) {
	ctx = context.WithoutCancel(ctx)
	var archiveHash string
	if p.archive != nil {
		entry, err := p.archive.Commit(p.draftID, result, "")
		if err != nil {
			p.logger.Warn("archive assembly failed", "draft_id", p.draftID, "error", err)
		} else {
			archiveHash = entry.Hash
		}
	}

	var g errgroup.Group
	if p.snapshots != nil {
		g.Go(func() error {
			if _, err := p.snapshots.SaveAssembly(ctx, result, archiveHash); err != nil {
				p.logger.Warn("snapshot assembly failed", "draft_id", p.draftID, "error", err)
			}
			return nil
		})
	}
	if p.indexer != nil {
		g.Go(func() error {
			if err := p.indexer.IndexAssembly(ctx, result); err != nil {
				p.logger.Warn("index assembly failed", "draft_id", p.draftID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) report(outcome string) {
	if p.observe != nil {
		p.observe(outcome)
	}
}

// Assembling reports whether an assembly request is in flight.
func (p *Pipeline) Assembling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assembling
}

// Result returns the current assembly, if any.
func (p *Pipeline) Result() (model.AssemblyResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return model.AssemblyResult{}, false
	}
	return *p.result, true
}

// Fragments splits the assembled body back into its sections.
func (p *Pipeline) Fragments() []string {
	result, ok := p.Result()
	if !ok {
		return []string{}
	}
	return result.Fragments()
}

func (p *Pipeline) View() View {
	result, ok := p.Result()
	if ok && result.HasExternalDoc() && p.embed.CollabEmbed() {
		return ViewLive
	}
	return ViewStatic
}

// SetView switches between the static preview and the live embed. The live view needs a
// linked collaborative document.
func (p *Pipeline) SetView(v View) error {
	switch v {
	case ViewStatic:
		return p.embed.SetCollabEmbed(false)
	case ViewLive:
		result, ok := p.Result()
		if !ok {
			return ErrNoAssembly
		}
		if !result.HasExternalDoc() {
			return ErrNoExternalDoc
		}
		if err := p.embed.SetCollabEmbed(true); err != nil {
			return err
		}
		p.mu.Lock()
		p.collabPrompt = false
		p.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidView, v)
	}
}

// ConsumeCollabPrompt returns the pending open-document prompt once.
func (p *Pipeline) ConsumeCollabPrompt() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.collabPrompt || p.result == nil {
		return "", false
	}
	p.collabPrompt = false
	if p.result.EmbedURL != "" {
		return p.result.EmbedURL, true
	}
	return p.result.ExternalDocID, true
}

// Export renders the static assembled HTML. It does not depend on the collaborative
// document.
func (p *Pipeline) Export(ctx context.Context, title string, format export.Format) (*export.Result, error) {
	if p.exporter == nil {
		return nil, export.ErrUnsupportedFormat
	}
	result, ok := p.Result()
	if !ok {
		return nil, ErrNoAssembly
	}
	if format == "" {
		format = export.FormatDOCX
	}
	out, err := p.exporter.Export(ctx, export.Request{
		DraftID: p.draftID,
		Title:   title,
		HTML:    result.Body,
		CSS:     result.CSS,
		Format:  format,
	})
	if err != nil {
		p.events.Publish(events.Event{Type: events.Notice, DraftID: p.draftID, Message: "Export failed: " + describe(err)})
		return nil, fmt.Errorf("export: %w", err)
	}
	if p.snapshots != nil {
		if err := p.snapshots.RecordExport(context.WithoutCancel(ctx), p.draftID, out, format); err != nil {
			p.logger.Warn("record export failed", "draft_id", p.draftID, "error", err)
		}
	}
	return out, nil
}

// Share is what the sharing collaborator needs: the document id and an access token
// minted elsewhere.
type Share struct {
	ExternalDocID string    `json:"externalDocId"`
	EmbedURL      string    `json:"embedUrl,omitempty"`
	AccessToken   string    `json:"accessToken"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
}

// Share fails with collab.ErrTokenExpired or collab.ErrNotConnected when the user has to
// reconnect rather than retry.
func (p *Pipeline) Share(ctx context.Context) (Share, error) {
	result, ok := p.Result()
	if !ok {
		return Share{}, ErrNoAssembly
	}
	if !result.HasExternalDoc() {
		return Share{}, ErrNoExternalDoc
	}
	if p.tokens == nil {
		return Share{}, collab.ErrNotConnected
	}
	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		message := "Sharing failed: " + describe(err)
		if collab.Reconnect(err) {
			message = "Your collaborative document access has expired. Reconnect to share."
		}
		p.events.Publish(events.Event{Type: events.Notice, DraftID: p.draftID, Message: message})
		return Share{}, fmt.Errorf("share: %w", err)
	}
	return Share{
		ExternalDocID: result.ExternalDocID,
		EmbedURL:      result.EmbedURL,
		AccessToken:   token.AccessToken,
		ExpiresAt:     token.ExpiresAt,
	}, nil
}

// History lists archived assemblies, newest first.
func (p *Pipeline) History(limit int) ([]archive.Entry, error) {
	if p.archive == nil {
		return []archive.Entry{}, nil
	}
	return p.archive.History(p.draftID, limit)
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case backend.IsUnauthorized(err):
		return "your session has expired"
	default:
		return err.Error()
	}
}
