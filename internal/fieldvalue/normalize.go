// Package fieldvalue normalizes heterogeneous case fields (parties, judges, counsel)
// that the backend returns as a string, a list of strings or a list of objects.
package fieldvalue

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Kind int

const (
	KindEmpty Kind = iota
	KindString
	KindList
)

// nameKeys are tried in order when an object stands for a named entity.
var nameKeys = []string{"name", "full_name", "fullName", "party_name", "judge_name", "title", "label", "value"}

const (
	separator = ", "
	// altSeparator joins items when one of them contains a comma.
	altSeparator = "; "
)

// Value is the canonical form of a heterogeneous field.
type Value struct {
	Kind  Kind
	Text  string
	Items []string
}

// Normalize accepts nil, string, number, []string, []any and []map[string]any.
func Normalize(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Value{Kind: KindEmpty}
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return Value{Kind: KindEmpty}
		}
		return Value{Kind: KindString, Text: text}
	case float64:
		return Value{Kind: KindString, Text: strconv.FormatFloat(v, 'f', -1, 64)}
	case int:
		return Value{Kind: KindString, Text: strconv.Itoa(v)}
	case []string:
		return listValue(v)
	case []map[string]any:
		items := make([]string, 0, len(v))
		for _, obj := range v {
			items = append(items, objectName(obj))
		}
		return listValue(items)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			switch entry := item.(type) {
			case map[string]any:
				items = append(items, objectName(entry))
			case nil:
			default:
				items = append(items, Normalize(entry).Display())
			}
		}
		return listValue(items)
	case map[string]any:
		name := objectName(v)
		if name == "" {
			return Value{Kind: KindEmpty}
		}
		return Value{Kind: KindString, Text: name}
	default:
		return Value{Kind: KindString, Text: strings.TrimSpace(fmt.Sprint(v))}
	}
}

func listValue(raw []string) Value {
	items := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return Value{Kind: KindEmpty}
	}
	return Value{Kind: KindList, Items: items}
}

func objectName(obj map[string]any) string {
	for _, key := range nameKeys {
		if value, ok := obj[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	// Fall back to the first string value in key order so output is stable.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if value, ok := obj[k].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// Display renders the value for a form input.
func (v Value) Display() string {
	switch v.Kind {
	case KindString:
		return v.Text
	case KindList:
		for _, item := range v.Items {
			if strings.Contains(item, ",") {
				return strings.Join(v.Items, altSeparator)
			}
		}
		return strings.Join(v.Items, separator)
	default:
		return ""
	}
}

// Structured is the canonical edit form: nil, string or []string.
func (v Value) Structured() any {
	switch v.Kind {
	case KindString:
		return v.Text
	case KindList:
		out := make([]string, len(v.Items))
		copy(out, v.Items)
		return out
	default:
		return nil
	}
}

// FromDisplay converts edited display text back into the structured form of prev's
// kind. Text equal to prev's display keeps prev's items. Otherwise list items are
// split on semicolons when the text has one, and on commas when it does not.
func FromDisplay(text string, prev Value) any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if prev.Kind != KindList {
		return text
	}
	if text == prev.Display() {
		return prev.Structured()
	}
	sep := ","
	if strings.Contains(text, ";") {
		sep = ";"
	}
	return listValue(strings.Split(text, sep)).Structured()
}
