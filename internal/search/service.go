package search

import (
	"context"
	"fmt"
	"log/slog"

	"lexdraft/api/internal/model"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary   index
	fallback  fallback
	extractor *Extractor
	logger    *slog.Logger
}

// NewService creates a search service. Either backend may be nil when it is not
// configured.
func NewService(m *Meili, pg *PgFTS, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{extractor: NewExtractor(), logger: logger}
	if m != nil {
		s.primary = m
	}
	if pg != nil {
		s.fallback = pg
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexAssembly replaces the indexed sections of a draft with those of result.
// Postgres is written synchronously; Meilisearch is fire-and-forget.
func (s *Service) IndexAssembly(ctx context.Context, result model.AssemblyResult) error {
	records, err := s.extractor.Records(result)
	if err != nil {
		return fmt.Errorf("extract sections: %w", err)
	}

	var removed []string
	if s.fallback != nil {
		removed, err = s.fallback.Replace(ctx, result.DraftID, records)
		if err != nil {
			return fmt.Errorf("store sections: %w", err)
		}
	}

	if s.primary == nil || !s.primary.Healthy() {
		return nil
	}
	go func() {
		if err := s.primary.IndexSections(records); err != nil {
			s.logger.Warn("index sections failed", "draft_id", result.DraftID, "error", err)
		}
		for _, id := range removed {
			if err := s.primary.DeleteSection(id); err != nil {
				s.logger.Warn("delete section from index failed", "id", id, "error", err)
			}
		}
	}()
	return nil
}

// Reindex pushes every stored section into Meilisearch. It is run at startup when
// both backends are present.
func (s *Service) Reindex(ctx context.Context) {
	pg, ok := s.fallback.(*PgFTS)
	if s.primary == nil || !s.primary.Healthy() || !ok {
		return
	}
	records, err := pg.LoadAll(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", "error", err)
		return
	}
	if err := s.primary.IndexSections(records); err != nil {
		s.logger.Warn("reindex sections failed", "error", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
