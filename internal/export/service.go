package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type Option func(*Service)

// WithFallback sets the exporter used when the primary fails or does not support a
// format.
func WithFallback(e Exporter) Option {
	return func(s *Service) {
		s.fallback = e
	}
}

func WithArtifacts(a Artifacts) Option {
	return func(s *Service) {
		s.artifacts = a
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithObserver is told the format and outcome of every export.
func WithObserver(fn func(format Format, err error)) Option {
	return func(s *Service) {
		s.observe = fn
	}
}

// Service picks an exporter and caches results by content.
type Service struct {
	primary   Exporter
	fallback  Exporter
	artifacts Artifacts
	logger    *slog.Logger
	observe   func(Format, error)
}

func NewService(primary Exporter, opts ...Option) *Service {
	s := &Service{primary: primary, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export is idempotent: the same HTML, CSS, title and format yield the same artifact.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	result, err := s.export(ctx, req)
	if s.observe != nil {
		s.observe(req.Format, err)
	}
	return result, err
}

func (s *Service) export(ctx context.Context, req Request) (*Result, error) {
	if req.Format == "" {
		req.Format = FormatDOCX
	}
	if strings.TrimSpace(req.HTML) == "" {
		return nil, ErrEmptyDocument
	}
	key := ContentKey(req)

	if s.artifacts != nil {
		cached, ok, err := s.artifacts.Get(ctx, req.DraftID, key, req.Format)
		if err != nil {
			s.logger.Warn("export cache lookup failed", "draft_id", req.DraftID, "key", key, "error", err)
		} else if ok {
			if cached.Filename == "" {
				cached.Filename = sanitizeFilename(req.Title) + "." + string(req.Format)
			}
			return cached, nil
		}
	}

	result, err := s.render(ctx, req)
	if err != nil {
		return nil, err
	}
	result.Key = key

	if s.artifacts != nil {
		link, err := s.artifacts.Put(ctx, req.DraftID, key, result)
		if err != nil {
			s.logger.Warn("store export artifact failed", "draft_id", req.DraftID, "key", key, "error", err)
		} else {
			result.URL = link
		}
	}
	return result, nil
}

func (s *Service) render(ctx context.Context, req Request) (*Result, error) {
	result, err := s.primary.Export(ctx, req)
	if err == nil {
		return result, nil
	}
	if s.fallback == nil || !fallbackAllowed(err) {
		return nil, err
	}
	s.logger.Info("export falling back", "draft_id", req.DraftID, "format", string(req.Format), "error", err)
	result, fbErr := s.fallback.Export(ctx, req)
	if fbErr != nil {
		return nil, fmt.Errorf("%w (fallback: %v)", err, fbErr)
	}
	return result, nil
}

// fallbackAllowed excludes failures another renderer cannot fix.
func fallbackAllowed(err error) bool {
	switch {
	case errors.Is(err, ErrEmptyDocument):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
