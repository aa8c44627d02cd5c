package search

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"lexdraft/api/internal/model"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

var headingTags = map[string]bool{"h1": true, "h2": true, "h3": true, "h4": true}

// Extractor turns an assembled document into one record per section fragment.
type Extractor struct {
	converter *md.Converter
}

func NewExtractor() *Extractor {
	return &Extractor{converter: md.NewConverter("", true, nil)}
}

// Records splits the body on the section delimiter. Fragment i belongs to
// result.SectionIDs[i] when the counts agree; otherwise it is keyed by position.
func (e *Extractor) Records(result model.AssemblyResult) ([]SectionRecord, error) {
	fragments := result.Fragments()
	records := make([]SectionRecord, 0, len(fragments))
	for i, fragment := range fragments {
		text, err := e.converter.ConvertString(fragment)
		if err != nil {
			return nil, fmt.Errorf("convert section %d: %w", i, err)
		}
		sectionID := fmt.Sprintf("part-%d", i+1)
		if len(fragments) == len(result.SectionIDs) {
			sectionID = result.SectionIDs[i]
		}
		records = append(records, SectionRecord{
			ID:          recordID(result.DraftID, sectionID),
			DraftID:     result.DraftID,
			SectionID:   sectionID,
			Position:    i,
			Heading:     firstHeading(fragment),
			Text:        strings.TrimSpace(excessiveLinesRe.ReplaceAllString(text, "\n\n")),
			AssembledAt: result.AssembledAt.Unix(),
		})
	}
	return records, nil
}

// recordID is a valid Meilisearch primary key: alphanumerics, hyphens and underscores.
func recordID(draftID, sectionID string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '-'
			}
		}, s)
	}
	return clean(draftID) + "_" + clean(sectionID)
}

func firstHeading(fragment string) string {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return ""
	}
	var heading string
	var find func(*html.Node)
	find = func(n *html.Node) {
		if heading != "" {
			return
		}
		if n.Type == html.ElementNode && headingTags[n.Data] {
			heading = strings.Join(strings.Fields(textOf(n)), " ")
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	for _, n := range nodes {
		find(n)
	}
	return heading
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textOf(c))
		sb.WriteByte(' ')
	}
	return sb.String()
}
