package export

import (
	"context"
	"fmt"
	"strings"
)

// Backend is the drafting backend's HTML-to-DOCX endpoint.
type Backend interface {
	Export(ctx context.Context, draftID, html, css string) ([]byte, error)
}

// Remote exports through the drafting backend. It only produces DOCX.
type Remote struct {
	backend Backend
}

func NewRemote(backend Backend) *Remote {
	return &Remote{backend: backend}
}

func (r *Remote) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatDOCX {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if strings.TrimSpace(req.HTML) == "" {
		return nil, ErrEmptyDocument
	}
	data, err := r.backend.Export(ctx, req.DraftID, req.HTML, req.CSS)
	if err != nil {
		return nil, fmt.Errorf("backend export: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("backend export: %w", ErrEmptyDocument)
	}
	return &Result{
		Data:     data,
		Filename: sanitizeFilename(req.Title) + ".docx",
		MimeType: FormatDOCX.MimeType(),
	}, nil
}
