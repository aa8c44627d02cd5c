package export

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Local renders documents in-process with pandoc (DOCX) and headless Chrome (PDF).
type Local struct {
	now func() time.Time
}

func NewLocal() *Local {
	return &Local{now: func() time.Time { return time.Now().UTC() }}
}

func (l *Local) Export(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.HTML) == "" {
		return nil, ErrEmptyDocument
	}
	html, err := RenderDocumentHTML(req.Title, req.HTML, req.CSS, l.now())
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	switch req.Format {
	case FormatPDF:
		return exportPDF(ctx, html, req.Title)
	case FormatDOCX:
		return exportDOCX(ctx, html, req.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
