package upstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateReasoningEffort(t *testing.T) {
	tests := []struct {
		name       string
		effort     string
		wantBudget float64
	}{
		{name: "low", effort: "low", wantBudget: 1024},
		{name: "medium", effort: "medium", wantBudget: 8192},
		{name: "high", effort: "high", wantBudget: 24576},
		{name: "unknown_goes_dynamic", effort: "blazing", wantBudget: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(map[string]any{
				"model":            "gemini-1.5-pro",
				"messages":         []any{},
				"reasoning_effort": tt.effort,
			})
			require.NoError(t, err)

			translated, err := TranslateReasoningEffort(body)
			require.NoError(t, err)

			var payload map[string]any
			require.NoError(t, json.Unmarshal(translated, &payload))

			_, hasKnob := payload[reasoningEffortField]
			assert.False(t, hasKnob, "original knob must be stripped")

			extra := payload["extra_body"].(map[string]any)
			google := extra["google"].(map[string]any)
			thinkingConfig := google["thinking_config"].(map[string]any)
			assert.Equal(t, tt.wantBudget, thinkingConfig["thinking_budget"])
		})
	}
}

func TestTranslateReasoningEffort_PassesThroughWithoutKnob(t *testing.T) {
	body := []byte(`{"model":"gemini-1.5-pro","messages":[]}`)
	translated, err := TranslateReasoningEffort(body)
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(translated))
}

func TestSubstituteThoughtMarkers(t *testing.T) {
	in := "<thought>reasoning here</thought>final answer"
	want := "<think>reasoning here</think>final answer"
	assert.Equal(t, want, SubstituteThoughtMarkers(in))
}

func TestSubstituteThoughtMarkers_NoMarkersIsNoop(t *testing.T) {
	in := "just plain text"
	assert.Equal(t, in, SubstituteThoughtMarkers(in))
}

func TestTranslateModelID_StripsNamespacePrefix(t *testing.T) {
	assert.Equal(t, "gemini-1.5-pro", TranslateModelID("models/gemini-1.5-pro"))
	assert.Equal(t, "gemini-1.5-pro", TranslateModelID("gemini-1.5-pro"))
}
