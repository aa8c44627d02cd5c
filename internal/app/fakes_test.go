package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lexdraft/api/internal/backend"
	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/config"
	"lexdraft/api/internal/model"
)

// fakeBackend is an in-memory drafting backend. Hooks override single calls.
type fakeBackend struct {
	mu          sync.Mutex
	draft       model.Draft
	template    model.Template
	records     map[string]model.SectionRecord
	order       []string
	versions    map[string]model.SectionVersion
	assembly    *model.AssemblyResult
	savedFields []model.Fields
	exported    []string

	getDraftFn      func(ctx context.Context, draftID string) (model.Draft, error)
	generateFn      func(ctx context.Context, sectionID string) (model.SectionVersion, error)
	assembleFn      func(ctx context.Context, sectionIDs []string) (model.AssemblyResult, error)
	templateValueFn func() (model.Fields, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		draft: model.Draft{
			ID:         "draft-1",
			TemplateID: "tpl-1",
			Title:      "Plaint",
			Fields:     model.Fields{"court": "High Court", "plaintiffs": []any{map[string]any{"name": "Asha Rao"}, "B. Menon"}},
		},
		template: model.Template{
			ID:   "tpl-1",
			Name: "Civil plaint",
			Fields: []model.FieldDef{
				{Name: "court", Label: "Court", Type: "text"},
				{Name: "plaintiffs", Label: "Plaintiffs", Type: "party"},
			},
			Sections: []model.SectionDef{
				{ID: "parties", Name: "Parties", DefaultPrompt: "List the parties"},
				{ID: "facts", Name: "Facts", DefaultPrompt: "State the facts"},
			},
		},
		records:  map[string]model.SectionRecord{},
		versions: map[string]model.SectionVersion{},
	}
}

func (f *fakeBackend) GetDraft(ctx context.Context, draftID string) (model.Draft, error) {
	if f.getDraftFn != nil {
		return f.getDraftFn(ctx, draftID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	draft := f.draft
	draft.Fields = f.draft.Fields.Clone()
	return draft, nil
}

func (f *fakeBackend) UpdateFields(_ context.Context, _ string, fields model.Fields, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedFields = append(f.savedFields, fields.Clone())
	f.draft.Fields = fields.Clone()
	return nil
}

func (f *fakeBackend) saves() []model.Fields {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Fields(nil), f.savedFields...)
}

func (f *fakeBackend) RenameDraft(_ context.Context, _ string, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draft.Title = title
	return nil
}

func (f *fakeBackend) AttachCase(_ context.Context, _ string, caseID, caseTitle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draft.Metadata.CaseID = caseID
	f.draft.Metadata.CaseTitle = caseTitle
	return nil
}

func (f *fakeBackend) UploadDocument(_ context.Context, _ string, fileName string, content io.Reader) (backend.UploadedFile, error) {
	if _, err := io.ReadAll(content); err != nil {
		return backend.UploadedFile{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draft.Metadata.SourceFileID = "file-1"
	f.draft.Metadata.SourceFileName = fileName
	return backend.UploadedFile{FileID: "file-1", FileName: fileName}, nil
}

func (f *fakeBackend) GetTemplate(context.Context, string) (model.Template, error) {
	return f.template, nil
}

func (f *fakeBackend) GetTemplateFieldValues(context.Context, string, string) (model.Fields, error) {
	if f.templateValueFn != nil {
		return f.templateValueFn()
	}
	return model.Fields{}, nil
}

func (f *fakeBackend) SaveTemplateFieldValues(context.Context, string, string, model.Fields) error {
	return nil
}

func (f *fakeBackend) ListSectionRecords(context.Context, string) ([]model.SectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.SectionRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeBackend) UpsertSectionRecord(_ context.Context, _ string, rec model.SectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.SectionID] = rec
	return nil
}

func (f *fakeBackend) SaveSectionOrder(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append([]string(nil), ids...)
	return nil
}

func (f *fakeBackend) LatestVersions(context.Context, string) (map[string]model.SectionVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.SectionVersion, len(f.versions))
	for k, v := range f.versions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBackend) GenerateSection(ctx context.Context, _ string, sectionID string, _ backend.GenerateRequest) (model.SectionVersion, error) {
	if f.generateFn != nil {
		return f.generateFn(ctx, sectionID)
	}
	version := model.SectionVersion{
		VersionID: "v-" + sectionID,
		SectionID: sectionID,
		Content:   "<h2>" + sectionID + "</h2><p>text</p>",
		CreatedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.versions[sectionID] = version
	f.mu.Unlock()
	return version, nil
}

func (f *fakeBackend) RefineSection(_ context.Context, _ string, sectionID string, req backend.RefineRequest) (model.SectionVersion, error) {
	version := model.SectionVersion{
		VersionID: "v2-" + sectionID,
		SectionID: sectionID,
		Content:   "<p>" + req.Feedback + "</p>",
		CreatedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.versions[sectionID] = version
	f.mu.Unlock()
	return version, nil
}

func (f *fakeBackend) UpdateVersion(_ context.Context, versionID, content string) (model.SectionVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, v := range f.versions {
		if v.VersionID == versionID {
			v.Content = content
			f.versions[id] = v
			return v, nil
		}
	}
	return model.SectionVersion{}, &backend.Error{Status: http.StatusNotFound, Message: "no version"}
}

func (f *fakeBackend) Assemble(ctx context.Context, draftID string, sectionIDs []string) (model.AssemblyResult, error) {
	if f.assembleFn != nil {
		return f.assembleFn(ctx, sectionIDs)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := make([]string, 0, len(sectionIDs))
	for _, id := range sectionIDs {
		parts = append(parts, f.versions[id].Content)
	}
	result := model.AssemblyResult{
		DraftID:     draftID,
		Body:        strings.Join(parts, model.SectionDelimiter),
		SectionIDs:  append([]string(nil), sectionIDs...),
		AssembledAt: time.Now().UTC(),
	}
	f.assembly = &result
	return result, nil
}

func (f *fakeBackend) GetAssembly(context.Context, string) (model.AssemblyResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assembly == nil {
		return model.AssemblyResult{}, false, nil
	}
	return *f.assembly, true, nil
}

func (f *fakeBackend) Export(_ context.Context, _ string, html, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = append(f.exported, html)
	return []byte("DOCX-BYTES"), nil
}

type fakeTokens struct {
	token collab.Token
	err   error
}

func (f fakeTokens) AccessToken(context.Context) (collab.Token, error) {
	return f.token, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		ExportMode:   "remote",
		StreamSecret: "test-secret",
		Workflow: config.Workflow{
			AutosaveDelay:     20 * time.Millisecond,
			PollInterval:      10 * time.Millisecond,
			PollMaxAttempts:   5,
			GenerationTimeout: 2 * time.Second,
			AssemblyTimeout:   2 * time.Second,
			AutoValidate:      true,
		},
	}
}

func newTestService(fb *fakeBackend, opts ...Option) *Service {
	base := []Option{
		WithLogger(discardLogger()),
		WithBackendFactory(func(string, string) Backend { return fb }),
		WithCollabFactory(func(string) collab.TokenProvider { return fakeTokens{err: collab.ErrNotConnected} }),
	}
	return New(testConfig(), append(base, opts...)...)
}

func newTestServer(t *testing.T, svc *Service) http.Handler {
	t.Helper()
	t.Cleanup(svc.Shutdown)
	return NewHTTPServer(svc, "*").Handler()
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func serve(handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
