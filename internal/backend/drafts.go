package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"lexdraft/api/internal/model"
)

func (c *Client) GetDraft(ctx context.Context, draftID string) (model.Draft, error) {
	var draft model.Draft
	if err := c.do(ctx, http.MethodGet, "/api/drafts/"+pathEscape(draftID), nil, &draft); err != nil {
		return model.Draft{}, err
	}
	if draft.Fields == nil {
		draft.Fields = model.Fields{}
	}
	return draft, nil
}

// UpdateFields persists the full mapping; changedKeys tells the backend which fields
// were edited since the last save.
func (c *Client) UpdateFields(ctx context.Context, draftID string, fields model.Fields, changedKeys []string) error {
	body := map[string]any{
		"fields":      fields,
		"changedKeys": nonNilStrings(changedKeys),
	}
	return c.do(ctx, http.MethodPut, "/api/drafts/"+pathEscape(draftID, "fields"), body, nil)
}

func (c *Client) RenameDraft(ctx context.Context, draftID, title string) error {
	return c.do(ctx, http.MethodPatch, "/api/drafts/"+pathEscape(draftID), map[string]string{"title": title}, nil)
}

func (c *Client) AttachCase(ctx context.Context, draftID, caseID, caseTitle string) error {
	body := map[string]string{"caseId": caseID, "caseTitle": caseTitle}
	return c.do(ctx, http.MethodPost, "/api/drafts/"+pathEscape(draftID, "case"), body, nil)
}

type UploadedFile struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

// UploadDocument stores a source document and links it to the draft.
func (c *Client) UploadDocument(ctx context.Context, draftID, fileName string, content io.Reader) (UploadedFile, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return UploadedFile{}, fmt.Errorf("copy upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return UploadedFile{}, fmt.Errorf("close multipart: %w", err)
	}

	var uploaded UploadedFile
	if err := c.send(ctx, http.MethodPost, "/api/files", &buf, writer.FormDataContentType(), &uploaded); err != nil {
		return UploadedFile{}, err
	}
	if uploaded.FileName == "" {
		uploaded.FileName = fileName
	}
	if err := c.do(ctx, http.MethodPost, "/api/drafts/"+pathEscape(draftID, "file"), uploaded, nil); err != nil {
		return UploadedFile{}, err
	}
	return uploaded, nil
}

func (c *Client) GetTemplate(ctx context.Context, templateID string) (model.Template, error) {
	var tpl model.Template
	if err := c.do(ctx, http.MethodGet, "/api/templates/"+pathEscape(templateID), nil, &tpl); err != nil {
		return model.Template{}, err
	}
	return tpl, nil
}

func (c *Client) GetTemplateFieldValues(ctx context.Context, templateID, draftID string) (model.Fields, error) {
	var body struct {
		Values model.Fields `json:"values"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/templates/"+pathEscape(templateID, "drafts", draftID, "values"), nil, &body); err != nil {
		return nil, err
	}
	if body.Values == nil {
		body.Values = model.Fields{}
	}
	return body.Values, nil
}

func (c *Client) SaveTemplateFieldValues(ctx context.Context, templateID, draftID string, values model.Fields) error {
	body := map[string]any{"values": values}
	return c.do(ctx, http.MethodPut, "/api/templates/"+pathEscape(templateID, "drafts", draftID, "values"), body, nil)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
