package backend

import (
	"context"
	"net/http"
	"time"

	"lexdraft/api/internal/model"
)

type assemblyPayload struct {
	HTML          string    `json:"html"`
	CSS           string    `json:"css"`
	SectionIDs    []string  `json:"sectionIds"`
	ExternalDocID string    `json:"externalDocId"`
	EmbedURL      string    `json:"embedUrl"`
	AssembledAt   time.Time `json:"assembledAt"`
}

func (p assemblyPayload) result(draftID string) model.AssemblyResult {
	assembledAt := p.AssembledAt
	if assembledAt.IsZero() {
		assembledAt = time.Now().UTC()
	}
	return model.AssemblyResult{
		DraftID:       draftID,
		Body:          p.HTML,
		CSS:           p.CSS,
		SectionIDs:    p.SectionIDs,
		ExternalDocID: p.ExternalDocID,
		EmbedURL:      p.EmbedURL,
		AssembledAt:   assembledAt,
	}
}

// Assemble compiles the given sections, in order, into one document.
func (c *Client) Assemble(ctx context.Context, draftID string, sectionIDs []string) (model.AssemblyResult, error) {
	var payload assemblyPayload
	body := map[string]any{"sectionIds": nonNilStrings(sectionIDs)}
	if err := c.do(ctx, http.MethodPost, "/api/drafts/"+pathEscape(draftID, "assembly"), body, &payload); err != nil {
		return model.AssemblyResult{}, err
	}
	if len(payload.SectionIDs) == 0 {
		payload.SectionIDs = sectionIDs
	}
	return payload.result(draftID), nil
}

// GetAssembly returns the last assembly of a draft; ok is false when none exists.
func (c *Client) GetAssembly(ctx context.Context, draftID string) (model.AssemblyResult, bool, error) {
	var payload assemblyPayload
	err := c.do(ctx, http.MethodGet, "/api/drafts/"+pathEscape(draftID, "assembly"), nil, &payload)
	if IsNotFound(err) {
		return model.AssemblyResult{}, false, nil
	}
	if err != nil {
		return model.AssemblyResult{}, false, err
	}
	if payload.HTML == "" {
		return model.AssemblyResult{}, false, nil
	}
	return payload.result(draftID), true, nil
}

// Export converts combined HTML and CSS into a DOCX document.
func (c *Client) Export(ctx context.Context, draftID, html, css string) ([]byte, error) {
	var data []byte
	body := map[string]string{"html": html, "css": css}
	if err := c.do(ctx, http.MethodPost, "/api/drafts/"+pathEscape(draftID, "export"), body, &data); err != nil {
		return nil, err
	}
	return data, nil
}
