package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexdraft/api/internal/model"
)

func TestGetDraftForwardsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/drafts/d-1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "u-9", r.Header.Get("X-User-ID"))
		_, _ = w.Write([]byte(`{"id":"d-1","templateId":"t-1","metadata":{"caseId":"c-1"}}`))
	}))
	defer srv.Close()

	client := New(srv.URL, WithToken("tok"), WithUserID("u-9"))
	draft, err := client.GetDraft(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", draft.TemplateID)
	assert.NotNil(t, draft.Fields)
	assert.True(t, draft.HasContext())
}

func TestUpdateFieldsSendsFullMappingAndChangedKeys(t *testing.T) {
	var got struct {
		Fields      map[string]any `json:"fields"`
		ChangedKeys []string       `json:"changedKeys"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/drafts/d-1/fields", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := New(srv.URL).UpdateFields(context.Background(), "d-1", model.Fields{"a": "1", "b": nil}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": nil}, got.Fields)
	assert.Equal(t, []string{}, got.ChangedKeys)
}

func TestErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/drafts/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"NOT_FOUND","error":"draft not found"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`token expired`))
		}
	}))
	defer srv.Close()

	client := New(srv.URL)
	_, err := client.GetDraft(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "draft not found", apiErr.Message)

	_, err = client.GetTemplate(context.Background(), "t-1")
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "token expired")
}

func TestAssembleKeepsRequestedOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SectionIDs []string `json:"sectionIds"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"B", "A"}, body.SectionIDs)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"html":          "<p>b</p>" + model.SectionDelimiter + "<p>a</p>",
			"externalDocId": "gdoc-1",
		})
	}))
	defer srv.Close()

	result, err := New(srv.URL).Assemble(context.Background(), "d-1", []string{"B", "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, result.SectionIDs)
	assert.Equal(t, "gdoc-1", result.ExternalDocID)
	assert.Len(t, result.Fragments(), 2)
	assert.False(t, result.AssembledAt.IsZero())
}

func TestGetAssemblyMissingIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, ok, err := New(srv.URL).GetAssembly(context.Background(), "d-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportReturnsRawBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
		_, _ = w.Write([]byte("PK\x03\x04docx"))
	}))
	defer srv.Close()

	data, err := New(srv.URL).Export(context.Background(), "d-1", "<p>x</p>", "p{}")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "PK"))
}

func TestUploadDocumentLinksFile(t *testing.T) {
	var linked UploadedFile
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files":
			file, header, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				return
			}
			content, _ := io.ReadAll(file)
			assert.Equal(t, "plaint.pdf", header.Filename)
			assert.Equal(t, "PDFDATA", string(content))
			_, _ = w.Write([]byte(`{"fileId":"f-1"}`))
		case "/api/drafts/d-1/file":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&linked))
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	uploaded, err := New(srv.URL).UploadDocument(context.Background(), "d-1", "plaint.pdf", strings.NewReader("PDFDATA"))
	require.NoError(t, err)
	assert.Equal(t, "f-1", uploaded.FileID)
	assert.Equal(t, UploadedFile{FileID: "f-1", FileName: "plaint.pdf"}, linked)
}
