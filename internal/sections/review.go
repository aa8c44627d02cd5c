package sections

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"lexdraft/api/internal/model"
)

// ReviewRenderer turns the critic's markdown feedback into HTML for display.
type ReviewRenderer struct {
	md goldmark.Markdown
}

func NewReviewRenderer() *ReviewRenderer {
	return &ReviewRenderer{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

// Render returns a copy of review with FeedbackHTML filled in. Raw HTML in the
// feedback is not passed through.
func (r *ReviewRenderer) Render(review *model.CriticReview) *model.CriticReview {
	if review == nil {
		return nil
	}
	out := *review
	out.Issues = append([]string(nil), review.Issues...)
	out.Suggestions = append([]string(nil), review.Suggestions...)
	out.Citations = append([]model.Citation(nil), review.Citations...)
	if strings.TrimSpace(review.Feedback) == "" {
		out.FeedbackHTML = ""
		return &out
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(review.Feedback), &buf); err != nil {
		out.FeedbackHTML = ""
		return &out
	}
	out.FeedbackHTML = strings.TrimSpace(buf.String())
	return &out
}
