package model

import (
	"strings"
	"time"
)

type DetailLevel string

const (
	DetailDetailed DetailLevel = "detailed"
	DetailConcise  DetailLevel = "concise"
	DetailShort    DetailLevel = "short"
)

func (d DetailLevel) Valid() bool {
	switch d {
	case DetailDetailed, DetailConcise, DetailShort:
		return true
	default:
		return false
	}
}

// NormalizeDetailLevel maps unknown or empty values to concise.
func NormalizeDetailLevel(value string) DetailLevel {
	level := DetailLevel(strings.ToLower(strings.TrimSpace(value)))
	if level.Valid() {
		return level
	}
	return DetailConcise
}

const (
	SectionTypeTemplate = "template"
	SectionTypeCustom   = "custom"
)

// SectionRecord is the persisted per-draft customization of one section.
type SectionRecord struct {
	SectionID    string      `json:"sectionId"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Type         string      `json:"type"`
	CustomPrompt string      `json:"customPrompt,omitempty"`
	IsDeleted    bool        `json:"isDeleted"`
	DetailLevel  DetailLevel `json:"detailLevel,omitempty"`
	Language     string      `json:"language,omitempty"`
	SortOrder    *int        `json:"sortOrder"`
}

type GenerationState string

const (
	StateIdle       GenerationState = "idle"
	StateGenerating GenerationState = "generating"
	StateGenerated  GenerationState = "generated"
	StateRefining   GenerationState = "refining"
)

// Busy reports whether a generation or refine call is in flight.
func (s GenerationState) Busy() bool {
	return s == StateGenerating || s == StateRefining
}

type ReviewStatus string

const (
	ReviewPass ReviewStatus = "PASS"
	ReviewFail ReviewStatus = "FAIL"
)

type Citation struct {
	Title  string `json:"title"`
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
}

// CriticReview is the automated assessment attached to a generated version.
type CriticReview struct {
	Status       ReviewStatus `json:"status"`
	Score        float64      `json:"score"`
	Feedback     string       `json:"feedback"`
	FeedbackHTML string       `json:"feedbackHtml,omitempty"`
	Issues       []string     `json:"issues"`
	Suggestions  []string     `json:"suggestions"`
	Citations    []Citation   `json:"citations"`
}

type SectionVersion struct {
	VersionID string        `json:"versionId"`
	SectionID string        `json:"sectionId"`
	Content   string        `json:"content"`
	Review    *CriticReview `json:"review,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Section is the runtime view of one section of a draft.
type Section struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	DefaultPrompt string          `json:"-"`
	CustomPrompt  string          `json:"-"`
	HasCustom     bool            `json:"hasCustomPrompt"`
	IsCustom      bool            `json:"isCustom"`
	IsDeleted     bool            `json:"isDeleted"`
	DetailLevel   DetailLevel     `json:"detailLevel"`
	Language      string          `json:"language,omitempty"`
	SortOrder     int             `json:"sortOrder"`
	Number        int             `json:"number"`
	State         GenerationState `json:"state"`
	VersionID     string          `json:"versionId,omitempty"`
	Content       string          `json:"content,omitempty"`
	Review        *CriticReview   `json:"review,omitempty"`
}

// EffectivePrompt is the custom override when set, otherwise the template default.
func (s Section) EffectivePrompt() string {
	if strings.TrimSpace(s.CustomPrompt) != "" {
		return s.CustomPrompt
	}
	return s.DefaultPrompt
}

// Record converts the section to its persisted customization form.
func (s Section) Record() SectionRecord {
	order := s.SortOrder
	kind := SectionTypeTemplate
	if s.IsCustom {
		kind = SectionTypeCustom
	}
	return SectionRecord{
		SectionID:    s.ID,
		Name:         s.Title,
		Description:  s.Description,
		Type:         kind,
		CustomPrompt: s.CustomPrompt,
		IsDeleted:    s.IsDeleted,
		DetailLevel:  s.DetailLevel,
		Language:     s.Language,
		SortOrder:    &order,
	}
}
