package model

import (
	"strconv"
	"strings"
	"time"
)

// Step is one of the six authoring steps, numbered from 1.
type Step int

const (
	StepInitialization Step = iota + 1
	StepFormInputs
	StepSectionConfig
	StepValidation
	StepReview
	StepAssembly
)

var stepNames = map[Step]string{
	StepInitialization: "initialization",
	StepFormInputs:     "form_inputs",
	StepSectionConfig:  "section_config",
	StepValidation:     "validation",
	StepReview:         "review",
	StepAssembly:       "assembly",
}

func (s Step) Valid() bool {
	return s >= StepInitialization && s <= StepAssembly
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "step(" + strconv.Itoa(int(s)) + ")"
}

// ParseStep accepts either the numeric form ("3") or the name ("section_config").
func ParseStep(value string) (Step, bool) {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		step := Step(n)
		return step, step.Valid()
	}
	for step, name := range stepNames {
		if strings.EqualFold(name, value) {
			return step, true
		}
	}
	return 0, false
}

// SectionDelimiter separates sections inside an assembled document body.
const SectionDelimiter = "<!-- section-break -->"

type AssemblyResult struct {
	DraftID       string    `json:"draftId"`
	Body          string    `json:"body"`
	CSS           string    `json:"css,omitempty"`
	SectionIDs    []string  `json:"sectionIds"`
	ExternalDocID string    `json:"externalDocId,omitempty"`
	EmbedURL      string    `json:"embedUrl,omitempty"`
	AssembledAt   time.Time `json:"assembledAt"`
}

// HasExternalDoc reports whether a collaborative document is linked.
func (r AssemblyResult) HasExternalDoc() bool {
	return strings.TrimSpace(r.ExternalDocID) != ""
}

// Fragments splits the body back into its per-section chunks, skipping blanks.
func (r AssemblyResult) Fragments() []string {
	parts := strings.Split(r.Body, SectionDelimiter)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		out = append(out, strings.TrimSpace(part))
	}
	return out
}
