package upstream

import (
	"encoding/json"
	"strings"
)

// thinkingBudgets maps the OpenAI-style reasoning_effort knob onto the
// upstream's thinking-budget extension.
var thinkingBudgets = map[string]int{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

const dynamicThinkingBudget = -1

// reasoningEffortField is the public knob this proxy accepts and strips
// before forwarding upstream.
const reasoningEffortField = "reasoning_effort"

// thinkingExtensionField is the namespaced field injected in its place.
const thinkingExtensionField = "extra_body"

// TranslateReasoningEffort rewrites a chat-completions request body: if it
// carries reasoning_effort, translate it to a thinking-budget under a
// namespaced extension field and strip the original knob. Bodies without
// the knob pass through unchanged.
func TranslateReasoningEffort(body []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body, err
	}

	raw, ok := payload[reasoningEffortField]
	if !ok {
		return body, nil
	}
	delete(payload, reasoningEffortField)

	effort, _ := raw.(string)
	budget, known := thinkingBudgets[effort]
	if !known {
		budget = dynamicThinkingBudget
	}

	extension, _ := payload[thinkingExtensionField].(map[string]any)
	if extension == nil {
		extension = map[string]any{}
	}
	extension["google"] = map[string]any{
		"thinking_config": map[string]any{"thinking_budget": budget},
	}
	payload[thinkingExtensionField] = extension

	return json.Marshal(payload)
}

// thoughtOpen/thoughtClose are the upstream's marker pair; thinkOpen/Close
// are the OpenAI-convention pair clients expect.
const (
	thoughtOpen  = "<thought>"
	thoughtClose = "</thought>"
	thinkOpen    = "<think>"
	thinkClose   = "</think>"
)

// SubstituteThoughtMarkers performs the character-wise textual substitution
// of the upstream's <thought> marker pair for the OpenAI-convention <think>
// pair. Applied to both streamed SSE chunks and serialized JSON bodies.
func SubstituteThoughtMarkers(s string) string {
	s = strings.ReplaceAll(s, thoughtOpen, thinkOpen)
	s = strings.ReplaceAll(s, thoughtClose, thinkClose)
	return s
}

// ModelListEntry is the OpenAI-shaped model descriptor the proxy returns
// from /v1/models.
type ModelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// modelsNamespacePrefix is the upstream's resource-name prefix stripped
// from each listed model id.
const modelsNamespacePrefix = "models/"

// TranslateModelID strips the upstream's namespace prefix, if present.
func TranslateModelID(id string) string {
	return strings.TrimPrefix(id, modelsNamespacePrefix)
}
