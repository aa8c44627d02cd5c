// Package search indexes assembled drafts section by section and answers full-text
// queries over them.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	DraftID   string `json:"draftId"`
	SectionID string `json:"sectionId"`
	Heading   string `json:"heading"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text    string
	DraftID string // empty = all drafts
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SectionRecord is the data we index for one section of an assembled draft.
type SectionRecord struct {
	ID          string `json:"id"`
	DraftID     string `json:"draftId"`
	SectionID   string `json:"sectionId"`
	Position    int    `json:"position"`
	Heading     string `json:"heading"`
	Text        string `json:"text"`
	AssembledAt int64  `json:"assembledAt"`
}

// index is the primary engine; fallback also keeps the authoritative record set.
type index interface {
	Searcher
	IndexSections(records []SectionRecord) error
	DeleteSection(id string) error
}

type fallback interface {
	Search(q Query) ([]Result, int, error)
	Replace(ctx context.Context, draftID string, records []SectionRecord) ([]string, error)
}
