package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lexdraft/api/internal/model"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Plaint for Recovery", "Plaint-for-Recovery"},
		{"Suit No. 42/2024", "Suit-No-422024"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "draft"},
		{"  padded  ", "padded"},
		{strings.Repeat("a", 90), strings.Repeat("a", 80)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"§", "%C2%A7"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{"": FormatDOCX, "DOCX": FormatDOCX, " pdf ": FormatPDF} {
		got, err := ParseFormat(input)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := ParseFormat("odt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestRenderDocumentHTML(t *testing.T) {
	body := "<h2>Parties</h2><p>A v B</p>" + model.SectionDelimiter + "<h2>Prayer</h2>"
	html, err := RenderDocumentHTML("Plaint", body, "h2 { color: navy; }", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}

	if !strings.Contains(html, "<title>Plaint</title>") {
		t.Error("HTML missing title")
	}
	if strings.Contains(html, model.SectionDelimiter) {
		t.Error("section delimiter should become a page break")
	}
	if strings.Count(html, `class="page-break"`) != 1 {
		t.Error("expected exactly one page break")
	}
	if !strings.Contains(html, "h2 { color: navy; }") {
		t.Error("HTML missing assembly css")
	}
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("HTML content was escaped - should be rendered as raw HTML")
	}
	if !strings.Contains(html, "4 Mar 2026") {
		t.Error("HTML missing export date")
	}
}

func TestContentKey(t *testing.T) {
	base := Request{DraftID: "d-1", Title: "Plaint", HTML: "<p>x</p>", CSS: "p{}", Format: FormatDOCX}
	if ContentKey(base) != ContentKey(base) {
		t.Fatal("content key must be deterministic")
	}
	if len(ContentKey(base)) != 64 {
		t.Errorf("expected 32-byte hex key, got %q", ContentKey(base))
	}
	other := base
	other.Format = FormatPDF
	if ContentKey(base) == ContentKey(other) {
		t.Error("format must change the key")
	}
	other = base
	other.DraftID = "d-2"
	if ContentKey(base) != ContentKey(other) {
		t.Error("draft id must not change the key")
	}
	// The separator keeps field boundaries distinct.
	a := Request{HTML: "ab", CSS: "c"}
	b := Request{HTML: "a", CSS: "bc"}
	if ContentKey(a) == ContentKey(b) {
		t.Error("field boundaries must be part of the key")
	}
}

type exporterFunc func(ctx context.Context, req Request) (*Result, error)

func (f exporterFunc) Export(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

type memoryArtifacts struct {
	objects map[string]*Result
	puts    int
}

func (m *memoryArtifacts) Get(_ context.Context, draftID, key string, format Format) (*Result, bool, error) {
	r, ok := m.objects[draftID+"/"+key+"."+string(format)]
	if !ok {
		return nil, false, nil
	}
	copied := *r
	return &copied, true, nil
}

func (m *memoryArtifacts) Put(_ context.Context, draftID, key string, result *Result) (string, error) {
	m.puts++
	format := FormatDOCX
	if result.MimeType == FormatPDF.MimeType() {
		format = FormatPDF
	}
	m.objects[draftID+"/"+key+"."+string(format)] = result
	return "https://files.example/" + key, nil
}

func TestServiceExportIsIdempotent(t *testing.T) {
	calls := 0
	primary := exporterFunc(func(_ context.Context, req Request) (*Result, error) {
		calls++
		return &Result{Data: []byte("PK"), Filename: "plaint.docx", MimeType: FormatDOCX.MimeType()}, nil
	})
	store := &memoryArtifacts{objects: map[string]*Result{}}
	svc := NewService(primary, WithArtifacts(store))
	req := Request{DraftID: "d-1", Title: "Plaint", HTML: "<p>x</p>", Format: FormatDOCX}

	first, err := svc.Export(context.Background(), req)
	if err != nil {
		t.Fatalf("first export: %v", err)
	}
	second, err := svc.Export(context.Background(), req)
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if calls != 1 || store.puts != 1 {
		t.Errorf("expected one render and one upload, got %d renders %d uploads", calls, store.puts)
	}
	if first.Key != second.Key || first.URL == "" {
		t.Errorf("expected same key and a link, got %+v and %+v", first, second)
	}
}

func TestServiceFallsBackOnPrimaryFailure(t *testing.T) {
	var events []Format
	primary := exporterFunc(func(context.Context, Request) (*Result, error) {
		return nil, errors.New("backend 503")
	})
	local := exporterFunc(func(_ context.Context, req Request) (*Result, error) {
		return &Result{Data: []byte("%PDF"), MimeType: req.Format.MimeType()}, nil
	})
	svc := NewService(primary, WithFallback(local), WithObserver(func(f Format, err error) {
		if err == nil {
			events = append(events, f)
		}
	}))

	result, err := svc.Export(context.Background(), Request{HTML: "<p>x</p>", Format: FormatPDF})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(result.Data) != "%PDF" {
		t.Errorf("expected fallback output, got %q", result.Data)
	}
	if len(events) != 1 || events[0] != FormatPDF {
		t.Errorf("expected one successful pdf observation, got %v", events)
	}

	if _, err := svc.Export(context.Background(), Request{HTML: "  "}); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("expected ErrEmptyDocument, got %v", err)
	}
}

type fakeBackend struct {
	html, css string
}

func (f *fakeBackend) Export(_ context.Context, _ string, html, css string) ([]byte, error) {
	f.html, f.css = html, css
	return []byte("PK\x03\x04"), nil
}

func TestRemoteSendsStaticHTMLAndOnlyDoesDOCX(t *testing.T) {
	backend := &fakeBackend{}
	remote := NewRemote(backend)

	result, err := remote.Export(context.Background(), Request{Title: "Plaint", HTML: "<p>x</p>", CSS: "p{}", Format: FormatDOCX})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if backend.html != "<p>x</p>" || backend.css != "p{}" {
		t.Errorf("backend got html=%q css=%q", backend.html, backend.css)
	}
	if result.Filename != "Plaint.docx" {
		t.Errorf("unexpected filename %q", result.Filename)
	}

	if _, err := remote.Export(context.Background(), Request{HTML: "<p>x</p>", Format: FormatPDF}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}
