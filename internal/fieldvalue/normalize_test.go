package fieldvalue

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeShapes(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		kind    Kind
		display string
	}{
		{"nil", nil, KindEmpty, ""},
		{"blank string", "   ", KindEmpty, ""},
		{"string", " State of X ", KindString, "State of X"},
		{"number", 42.0, KindString, "42"},
		{"strings", []string{"Alice", "Bob"}, KindList, "Alice, Bob"},
		{"names with commas", []any{map[string]any{"name": "Tata Motors Ltd., Mumbai"}, map[string]any{"name": "State of Maharashtra"}}, KindList, "Tata Motors Ltd., Mumbai; State of Maharashtra"},
		{"any strings", []any{"Alice", nil, "Bob"}, KindList, "Alice, Bob"},
		{"objects name", []any{map[string]any{"name": "Alice"}, map[string]any{"party_name": "Bob"}}, KindList, "Alice, Bob"},
		{"typed objects", []map[string]any{{"judge_name": "Hon. C"}}, KindList, "Hon. C"},
		{"object without name key", []any{map[string]any{"zeta": "Z", "alpha": "A"}}, KindList, "A"},
		{"empty list", []any{}, KindEmpty, ""},
		{"single object", map[string]any{"full_name": "Dana"}, KindString, "Dana"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.input)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.display, got.Display())
		})
	}
}

func TestFromDisplayKeepsKind(t *testing.T) {
	list := Value{Kind: KindList}
	assert.Equal(t, []string{"Alice", "Bob"}, FromDisplay("Alice,  Bob ", list))
	assert.Equal(t, "Alice, Bob", FromDisplay("Alice, Bob", Value{Kind: KindString}))
	assert.Nil(t, FromDisplay("  ", list))
}

func TestListItemsKeepTheirCommas(t *testing.T) {
	value := Normalize([]any{
		map[string]any{"name": "Tata Motors Ltd., Mumbai"},
		map[string]any{"name": "State of Maharashtra"},
	})
	assert.Equal(t, []string{"Tata Motors Ltd., Mumbai", "State of Maharashtra"}, value.Structured())

	single := Normalize([]string{"Tata Motors Ltd., Mumbai"})
	assert.Equal(t, []string{"Tata Motors Ltd., Mumbai"}, FromDisplay(single.Display(), single))

	edited := FromDisplay("Tata Motors Ltd., Pune; State of Maharashtra", value)
	assert.Equal(t, []string{"Tata Motors Ltd., Pune", "State of Maharashtra"}, edited)
	assert.Equal(t, []string{"Tata Motors Ltd., Pune"}, FromDisplay("Tata Motors Ltd., Pune;", value))
}

// randomShape produces one of the supported backend payload shapes.
func randomShape(r *rand.Rand) any {
	word := func() string {
		letters := "abcdefghij ,"
		n := r.Intn(8)
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteByte(letters[r.Intn(len(letters))])
		}
		return b.String()
	}
	switch r.Intn(6) {
	case 0:
		return nil
	case 1:
		return word()
	case 2:
		items := make([]string, r.Intn(4))
		for i := range items {
			items[i] = word()
		}
		return items
	case 3:
		items := make([]any, r.Intn(4))
		for i := range items {
			items[i] = word()
		}
		return items
	case 4:
		items := make([]any, r.Intn(4))
		for i := range items {
			key := nameKeys[r.Intn(len(nameKeys))]
			items[i] = map[string]any{key: word(), "id": fmt.Sprint(i)}
		}
		return items
	default:
		return float64(r.Intn(1000))
	}
}

func TestRoundTripProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		input := randomShape(r)
		first := Normalize(input)

		again := Normalize(first.Structured())
		if !assert.Equal(t, first.Display(), again.Display(), "structured round trip for %#v", input) {
			return
		}

		edited := Normalize(FromDisplay(first.Display(), first))
		if !assert.Equal(t, first.Display(), edited.Display(), "display round trip for %#v", input) {
			return
		}
		assert.Equal(t, first.Kind, edited.Kind)
		assert.Equal(t, first.Items, edited.Items)

		if first.Kind == KindList && len(first.Items) > 1 {
			retyped := Normalize(FromDisplay(first.Display(), Value{Kind: KindList}))
			if !assert.Equal(t, first.Items, retyped.Items, "retyped display for %#v", input) {
				return
			}
		}
	}
}
