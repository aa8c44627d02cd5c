// Package model holds the domain types shared by the drafting workflow components.
package model

import (
	"strings"
	"time"
)

// Fields maps a template field name to its value. Values are string, float64 or nil.
type Fields map[string]any

// Clone returns a shallow copy that is safe to hand to another goroutine.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys returns the field names in no particular order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	return keys
}

// AllBlank reports whether every value is empty or whitespace.
func (f Fields) AllBlank() bool {
	for _, v := range f {
		if !IsBlank(v) {
			return false
		}
	}
	return true
}

// NonBlank returns only the entries carrying data.
func (f Fields) NonBlank() Fields {
	out := Fields{}
	for k, v := range f {
		if !IsBlank(v) {
			out[k] = v
		}
	}
	return out
}

// IsBlank treats nil, empty strings and whitespace-only strings as absent.
func IsBlank(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(value) == ""
	case []any:
		return len(value) == 0
	case []string:
		return len(value) == 0
	default:
		return false
	}
}

// Overlay merges top onto base. Non-blank values in top win; blank values in top
// never erase what base already holds. Neither input is modified.
func Overlay(base, top Fields) Fields {
	out := base.Clone()
	for k, v := range top {
		if IsBlank(v) {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
			continue
		}
		out[k] = v
	}
	return out
}

type DraftMetadata struct {
	CaseID         string         `json:"caseId,omitempty"`
	CaseTitle      string         `json:"caseTitle,omitempty"`
	SourceFileID   string         `json:"sourceFileId,omitempty"`
	SourceFileName string         `json:"sourceFileName,omitempty"`
	IsFresh        bool           `json:"isFresh,omitempty"`
	Flags          map[string]any `json:"flags,omitempty"`
}

type Draft struct {
	ID         string        `json:"id"`
	TemplateID string        `json:"templateId"`
	Title      string        `json:"title"`
	Fields     Fields        `json:"fields"`
	Metadata   DraftMetadata `json:"metadata"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// HasContext reports whether a case or a source file is attached.
func (d Draft) HasContext() bool {
	return strings.TrimSpace(d.Metadata.CaseID) != "" || strings.TrimSpace(d.Metadata.SourceFileID) != "" ||
		strings.TrimSpace(d.Metadata.SourceFileName) != ""
}

type FieldDef struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Type  string `json:"type"`
	Group string `json:"group,omitempty"`
}

type SectionDef struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Purpose       string `json:"purpose"`
	DefaultPrompt string `json:"defaultPrompt,omitempty"`
}

type Template struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Fields   []FieldDef   `json:"fields"`
	Sections []SectionDef `json:"sections"`
}

// FieldType returns the declared type of a field, or "" when the template does not
// define it.
func (t Template) FieldType(name string) string {
	for _, f := range t.Fields {
		if f.Name == name {
			return f.Type
		}
	}
	return ""
}

type ActivityStatus string

const (
	ActivityPending    ActivityStatus = "pending"
	ActivityInProgress ActivityStatus = "in_progress"
	ActivityCompleted  ActivityStatus = "completed"
)

// ActivityEvent is one entry of the append-only observability feed.
type ActivityEvent struct {
	ID          string         `json:"id"`
	DraftID     string         `json:"draftId"`
	Agent       string         `json:"agent"`
	Category    string         `json:"category"`
	Action      string         `json:"action"`
	Status      ActivityStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}
