package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxSections = "lexdraft_sections"

// Meili implements Searcher and indexing via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An unreachable
// server is not an error; the health loop picks it up when it comes back.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSections,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxSections, "error", err)
	}

	index := m.client.Index(idxSections)
	filterable := []interface{}{"draftId", "sectionId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxSections, "error", err)
	}
	searchable := []string{"heading", "text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxSections, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxSections,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"heading", "text"},
		AttributesToCrop:      []string{"text"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.DraftID != "" {
		sr.Filter = []string{fmt.Sprintf("draftId = %q", q.DraftID)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:        decodeString(hit, "id"),
		DraftID:   decodeString(hit, "draftId"),
		SectionID: decodeString(hit, "sectionId"),
		Heading:   firstNonBlank(decodeFormattedString(hit, "heading"), decodeString(hit, "heading")),
		Snippet:   firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSections adds or updates section records.
func (m *Meili) IndexSections(records []SectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSections).AddDocuments(records, nil)
	return err
}

// DeleteSection removes one section record from the index.
func (m *Meili) DeleteSection(id string) error {
	_, err := m.client.Index(idxSections).DeleteDocument(id, nil)
	return err
}
