package backend

import (
	"context"
	"net/http"

	"lexdraft/api/internal/model"
)

func (c *Client) ListSectionRecords(ctx context.Context, draftID string) ([]model.SectionRecord, error) {
	var body struct {
		Sections []model.SectionRecord `json:"sections"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/drafts/"+pathEscape(draftID, "sections"), nil, &body); err != nil {
		return nil, err
	}
	return body.Sections, nil
}

func (c *Client) UpsertSectionRecord(ctx context.Context, draftID string, record model.SectionRecord) error {
	return c.do(ctx, http.MethodPut, "/api/drafts/"+pathEscape(draftID, "sections", record.SectionID), record, nil)
}

// SaveSectionOrder replaces the persisted order with the complete list of ids.
func (c *Client) SaveSectionOrder(ctx context.Context, draftID string, sectionIDs []string) error {
	body := map[string]any{"sectionIds": nonNilStrings(sectionIDs)}
	return c.do(ctx, http.MethodPut, "/api/drafts/"+pathEscape(draftID, "sections", "order"), body, nil)
}

// LatestVersions returns the newest stored version per section id.
func (c *Client) LatestVersions(ctx context.Context, draftID string) (map[string]model.SectionVersion, error) {
	var body struct {
		Versions []model.SectionVersion `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/drafts/"+pathEscape(draftID, "versions", "latest"), nil, &body); err != nil {
		return nil, err
	}
	out := make(map[string]model.SectionVersion, len(body.Versions))
	for _, version := range body.Versions {
		out[version.SectionID] = version
	}
	return out, nil
}

type GenerateRequest struct {
	Prompt       string            `json:"prompt"`
	AutoValidate bool              `json:"autoValidate"`
	DetailLevel  model.DetailLevel `json:"detailLevel,omitempty"`
	Language     string            `json:"language,omitempty"`
}

func (c *Client) GenerateSection(ctx context.Context, draftID, sectionID string, req GenerateRequest) (model.SectionVersion, error) {
	var version model.SectionVersion
	if err := c.do(ctx, http.MethodPost, "/api/drafts/"+pathEscape(draftID, "sections", sectionID, "generate"), req, &version); err != nil {
		return model.SectionVersion{}, err
	}
	if version.SectionID == "" {
		version.SectionID = sectionID
	}
	return version, nil
}

type RefineRequest struct {
	Feedback  string `json:"feedback"`
	Query     string `json:"query"`
	VersionID string `json:"versionId,omitempty"`
}

func (c *Client) RefineSection(ctx context.Context, draftID, sectionID string, req RefineRequest) (model.SectionVersion, error) {
	var version model.SectionVersion
	if err := c.do(ctx, http.MethodPost, "/api/drafts/"+pathEscape(draftID, "sections", sectionID, "refine"), req, &version); err != nil {
		return model.SectionVersion{}, err
	}
	if version.SectionID == "" {
		version.SectionID = sectionID
	}
	return version, nil
}

func (c *Client) GetVersion(ctx context.Context, versionID string) (model.SectionVersion, error) {
	var version model.SectionVersion
	if err := c.do(ctx, http.MethodGet, "/api/versions/"+pathEscape(versionID), nil, &version); err != nil {
		return model.SectionVersion{}, err
	}
	return version, nil
}

// UpdateVersion replaces the content of a stored version with edited HTML.
func (c *Client) UpdateVersion(ctx context.Context, versionID, content string) (model.SectionVersion, error) {
	var version model.SectionVersion
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPut, "/api/versions/"+pathEscape(versionID), body, &version); err != nil {
		return model.SectionVersion{}, err
	}
	if version.VersionID == "" {
		version.VersionID = versionID
	}
	if version.Content == "" {
		version.Content = content
	}
	return version, nil
}
