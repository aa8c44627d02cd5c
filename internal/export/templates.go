package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"lexdraft/api/internal/model"
)

// pageBreak replaces the section delimiter so each section starts a new page.
const pageBreak = `<div class="page-break"></div>`

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(documentHTML))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	CSS         template.CSS
	ContentHTML template.HTML
	ExportedAt  time.Time
}

// RenderDocumentHTML wraps the assembled body in a standalone page. The body and CSS
// come from the assembly service and are trusted.
func RenderDocumentHTML(title, body, css string, exportedAt time.Time) (string, error) {
	data := TemplateData{
		Title:       title,
		CSS:         template.CSS(css),
		ContentHTML: template.HTML(strings.ReplaceAll(body, model.SectionDelimiter, pageBreak)),
		ExportedAt:  exportedAt,
	}
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: "Times New Roman", serif; font-size: 12pt; line-height: 1.8; }
    .page-break { page-break-after: always; break-after: page; }
    .meta { color: #666; font-size: 9pt; }
  </style>
  {{if .CSS}}<style>{{.CSS}}</style>{{end}}
</head>
<body>
  {{.ContentHTML}}
  <p class="meta">Exported {{formatDate .ExportedAt "2 Jan 2006"}}</p>
</body>
</html>`
