package app

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lexdraft/api/internal/activity"
	"lexdraft/api/internal/assembly"
	"lexdraft/api/internal/auth"
	"lexdraft/api/internal/backend"
	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/config"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/metrics"
	"lexdraft/api/internal/model"
	"lexdraft/api/internal/search"
	"lexdraft/api/internal/store"
	"lexdraft/api/internal/util"
	"lexdraft/api/internal/workflow"
)

// Store is the durable side of a session: activity mirror, assembly snapshots and the
// export audit trail.
type Store interface {
	activity.Sink
	assembly.Snapshots
	ListActivity(ctx context.Context, draftID string, limit int) ([]model.ActivityEvent, error)
	ListExportRecords(ctx context.Context, draftID string, limit int) ([]store.ExportRecord, error)
}

type Searcher interface {
	Search(q search.Query) search.Response
}

// Check reports the health of one dependency for /api/ready.
type Check func(ctx context.Context) error

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithStepStore(steps workflow.StepStore) Option {
	return func(s *Service) {
		s.steps = steps
	}
}

func WithStore(st Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

func WithArchive(a assembly.Archiver) Option {
	return func(s *Service) {
		s.archive = a
	}
}

// WithSearch enables the search endpoint and indexing of explicit assemblies.
func WithSearch(svc *search.Service) Option {
	return func(s *Service) {
		s.searcher = svc
		s.indexer = svc
	}
}

func WithArtifacts(a export.Artifacts) Option {
	return func(s *Service) {
		s.artifacts = a
	}
}

// WithBackendFactory replaces the drafting backend client built for each session.
func WithBackendFactory(fn func(token, userID string) Backend) Option {
	return func(s *Service) {
		s.newBackend = fn
	}
}

func WithCollabFactory(fn func(token string) collab.TokenProvider) Option {
	return func(s *Service) {
		s.newCollab = fn
	}
}

func WithCheck(name string, check Check) Option {
	return func(s *Service) {
		s.checks[name] = check
	}
}

// Service is the registry of open draft sessions, one per draft.
type Service struct {
	cfg          config.Config
	logger       *slog.Logger
	metrics      *metrics.Metrics
	steps        workflow.StepStore
	store        Store
	archive      assembly.Archiver
	searcher     Searcher
	indexer      assembly.Indexer
	artifacts    export.Artifacts
	newBackend   func(token, userID string) Backend
	newCollab    func(token string) collab.TokenProvider
	checks       map[string]Check
	streamSecret []byte
	opening      singleflight.Group

	mu       sync.Mutex
	sessions map[string]*DraftSession
}

func New(cfg config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   slog.Default(),
		checks:   map[string]Check{},
		sessions: map[string]*DraftSession{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.steps == nil {
		s.steps = workflow.NewMemoryStore()
	}
	if s.newBackend == nil {
		s.newBackend = func(token, userID string) Backend {
			return backend.New(cfg.BackendURL,
				backend.WithToken(token),
				backend.WithUserID(userID),
				backend.WithLogger(s.logger),
			)
		}
	}
	if s.newCollab == nil {
		s.newCollab = func(token string) collab.TokenProvider {
			return collab.New(cfg.CollabURL, collab.WithToken(token), collab.WithLogger(s.logger))
		}
	}
	if secret := strings.TrimSpace(cfg.StreamSecret); secret != "" {
		s.streamSecret = []byte(secret)
	} else {
		s.streamSecret = make([]byte, 32)
		_, _ = rand.Read(s.streamSecret)
	}
	return s
}

func (s *Service) newExporter(repo Backend) assembly.Exporter {
	local := export.NewLocal()
	opts := []export.Option{
		export.WithLogger(s.logger),
		export.WithObserver(func(format export.Format, err error) {
			s.metrics.Export(string(format), err)
		}),
	}
	if s.artifacts != nil {
		opts = append(opts, export.WithArtifacts(s.artifacts))
	}
	if strings.EqualFold(s.cfg.ExportMode, "local") {
		return export.NewService(local, opts...)
	}
	opts = append(opts, export.WithFallback(local))
	return export.NewService(export.NewRemote(repo), opts...)
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

type openResult struct {
	session     *DraftSession
	fingerprint string
	err         error
}

// Open loads a draft for the holder of token. Reopening with the same credentials
// returns the live session; other credentials replace it, as a fresh page load would.
// Opens of one draft are serialized, so a draft never has two live sessions.
func (s *Service) Open(ctx context.Context, draftID, token, userID string) (*DraftSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	fingerprint := auth.Fingerprint(token)
	for {
		v, _, _ := s.opening.Do(draftID, func() (any, error) {
			d, err := s.open(ctx, draftID, token, userID, fingerprint)
			return openResult{session: d, fingerprint: fingerprint, err: err}, nil
		})
		res := v.(openResult)
		if res.fingerprint == fingerprint {
			return res.session, res.err
		}
		// Joined an open made with other credentials; run our own after it.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (s *Service) open(ctx context.Context, draftID, token, userID, fingerprint string) (*DraftSession, error) {
	s.mu.Lock()
	existing := s.sessions[draftID]
	s.mu.Unlock()
	if existing != nil && existing.fingerprint == fingerprint {
		return existing, nil
	}
	if existing != nil {
		s.closeSession(draftID, existing)
	}

	d := s.newDraftSession(draftID, token, userID)
	if err := d.load(ctx); err != nil {
		d.Close()
		return nil, err
	}
	s.mu.Lock()
	replaced := s.sessions[draftID]
	s.sessions[draftID] = d
	s.mu.Unlock()
	if replaced != nil && replaced != d {
		s.closeSession(draftID, replaced)
	}
	s.metrics.SessionOpened()
	s.logger.Info("draft session opened", "draft_id", draftID)
	return d, nil
}

// Session returns the open session of a draft if token opened it.
func (s *Service) Session(draftID, token string) (*DraftSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	s.mu.Lock()
	d := s.sessions[draftID]
	s.mu.Unlock()
	if d == nil {
		return nil, errSessionNotFound
	}
	if d.fingerprint != auth.Fingerprint(token) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Draft is open with other credentials", nil)
	}
	return d, nil
}

func (s *Service) CloseSession(draftID, token string) error {
	d, err := s.Session(draftID, token)
	if err != nil {
		return err
	}
	s.closeSession(draftID, d)
	return nil
}

func (s *Service) closeSession(draftID string, d *DraftSession) {
	s.mu.Lock()
	if s.sessions[draftID] == d {
		delete(s.sessions, draftID)
	}
	s.mu.Unlock()
	d.Close()
	s.metrics.SessionClosed()
	s.logger.Info("draft session closed", "draft_id", draftID)
}

// Shutdown closes every open session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	open := make(map[string]*DraftSession, len(s.sessions))
	for id, d := range s.sessions {
		open[id] = d
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, d := range open {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.closeSession(id, d)
		}()
	}
	wg.Wait()
}

func (s *Service) OpenDrafts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ready runs every registered check. The map holds nil for healthy dependencies.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, check := range s.checks {
		results[name] = check(ctx)
	}
	return results
}

func (s *Service) Search(q search.Query) search.Response {
	if s.searcher == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.searcher.Search(q)
}

// StreamTicket lets a browser open the event stream of a session it already holds.
func (s *Service) StreamTicket(draftID, token string) (string, time.Time, error) {
	d, err := s.Session(draftID, token)
	if err != nil {
		return "", time.Time{}, err
	}
	expires := time.Now().Add(auth.DefaultTicketTTL)
	ticket, err := auth.IssueToken(s.streamSecret, auth.Claims{
		DraftID: draftID,
		Holder:  d.fingerprint,
		JTI:     util.NewID("tkt"),
		Exp:     expires.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return ticket, expires, nil
}

// StreamSession resolves a session from a stream ticket instead of a bearer token.
// The ticket only opens the session of the credentials it was issued to.
func (s *Service) StreamSession(draftID, ticket string) (*DraftSession, error) {
	claims, err := auth.ParseToken(s.streamSecret, ticket, draftID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	d := s.sessions[draftID]
	s.mu.Unlock()
	if d == nil {
		return nil, errSessionNotFound
	}
	if d.fingerprint != claims.Holder {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Draft is open with other credentials", nil)
	}
	return d, nil
}

// ActivityHistory reads the durable activity mirror, for drafts that are not open.
// The backend decides whether token may read the draft.
func (s *Service) ActivityHistory(ctx context.Context, draftID, token, userID string, limit int) ([]model.ActivityEvent, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if _, err := s.newBackend(token, userID).GetDraft(ctx, draftID); err != nil {
		return nil, err
	}
	if s.store == nil {
		return []model.ActivityEvent{}, nil
	}
	return s.store.ListActivity(ctx, draftID, limit)
}

func (s *Service) ExportHistory(ctx context.Context, draftID string, limit int) ([]store.ExportRecord, error) {
	if s.store == nil {
		return []store.ExportRecord{}, nil
	}
	return s.store.ListExportRecords(ctx, draftID, limit)
}
