package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayKeepsExistingValuesAgainstBlanks(t *testing.T) {
	base := Fields{"court_name": "High Court", "judge": "A. Rao"}
	top := Fields{"court_name": "  ", "judge": "B. Sen", "case_no": nil}

	merged := Overlay(base, top)

	assert.Equal(t, "High Court", merged["court_name"])
	assert.Equal(t, "B. Sen", merged["judge"])
	assert.Contains(t, merged, "case_no")
	assert.Equal(t, "High Court", base["court_name"], "base must not be modified")
}

func TestFieldsAllBlank(t *testing.T) {
	assert.True(t, Fields{}.AllBlank())
	assert.True(t, Fields{"a": "", "b": " \t", "c": nil}.AllBlank())
	assert.False(t, Fields{"a": "", "b": 0.0}.AllBlank())
	assert.False(t, Fields{"a": "x"}.AllBlank())
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		input string
		want  Step
		ok    bool
	}{
		{"1", StepInitialization, true},
		{"6", StepAssembly, true},
		{"section_config", StepSectionConfig, true},
		{"REVIEW", StepReview, true},
		{"0", 0, false},
		{"7", 7, false},
		{"nope", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseStep(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestAssemblyFragments(t *testing.T) {
	result := AssemblyResult{
		Body: "<h2>A</h2><p>one</p>" + SectionDelimiter + "\n<h2>B</h2><p>two</p>" + SectionDelimiter + "  ",
	}
	fragments := result.Fragments()
	require.Len(t, fragments, 2)
	assert.Equal(t, "<h2>A</h2><p>one</p>", fragments[0])
	assert.Equal(t, "<h2>B</h2><p>two</p>", fragments[1])
}

func TestEffectivePrompt(t *testing.T) {
	s := Section{DefaultPrompt: "default"}
	assert.Equal(t, "default", s.EffectivePrompt())
	s.CustomPrompt = "custom"
	assert.Equal(t, "custom", s.EffectivePrompt())
}
