// Package export renders an assembled draft into a downloadable document.
package export

import (
	"context"
	"errors"
	"strings"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts "docx" or "pdf" in any case; empty means DOCX.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatDOCX:
		return FormatDOCX, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

func (f Format) MimeType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
}

// Request carries the static assembled HTML. Export never depends on the
// collaborative copy.
type Request struct {
	DraftID string
	Title   string
	HTML    string
	CSS     string
	Format  Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// Key is the content address of the artifact; URL is a download link when the
	// artifact is held in object storage.
	Key string
	URL string
}

// Exporter produces one document from a request.
type Exporter interface {
	Export(ctx context.Context, req Request) (*Result, error)
}

var (
	ErrEmptyDocument     = errors.New("export document is empty")
	ErrUnsupportedFormat = errors.New("export format not supported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
