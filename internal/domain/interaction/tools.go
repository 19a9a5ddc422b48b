package interaction

import (
	"fmt"
	"strings"
)

// Tool identifiers the reasoning engine may invoke.
const (
	ToolGraphQuery       = "graph_query"
	ToolEvidenceRetrieve = "evidence_retrieve"
)

// ParameterSpec declares the shape of one tool argument. It is translated
// into the reasoning backend's native schema type by the adapter.
type ParameterSpec struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Items       *ParameterSpec `json:"items,omitempty"`
}

// ToolDefinition declares one tool: its name, what it does, and the
// argument shape calls are validated against before dispatch.
type ToolDefinition struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]ParameterSpec `json:"parameters"`
	Required    []string                 `json:"required"`
}

// ToolCatalogue returns the declared tools for a DDI screen. The patient
// context is deliberately not an argument of graph_query: the orchestrator
// always supplies the authoritative context from the request, so the engine
// cannot fabricate patient flags.
func ToolCatalogue() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: ToolGraphQuery,
			Description: "Queries the interaction knowledge graph for direct drug-drug " +
				"interactions, mechanisms, clinical consequences, and patient-specific " +
				"exacerbations among the given medication names.",
			Parameters: map[string]ParameterSpec{
				"medications": {
					Type:        "array",
					Description: "Medication names to check pairwise for known interactions.",
					Items:       &ParameterSpec{Type: "string"},
				},
			},
			Required: []string{"medications"},
		},
		{
			Name: ToolEvidenceRetrieve,
			Description: "Retrieves evidence text snippets from the vector index by " +
				"semantic similarity to the query, e.g. 'interaction between X and Y mechanism'.",
			Parameters: map[string]ParameterSpec{
				"query": {
					Type:        "string",
					Description: "Semantic query describing the interaction to find evidence for.",
				},
				"top_k": {
					Type:        "number",
					Description: "How many snippets to return (default 3).",
				},
			},
			Required: []string{"query"},
		},
	}
}

// DecodeGraphQueryArgs validates graph_query arguments and extracts the
// medication name list.
func DecodeGraphQueryArgs(args map[string]any) ([]string, error) {
	raw, ok := args["medications"]
	if !ok {
		return nil, fmt.Errorf("graph_query: medications is required")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("graph_query: medications must be an array of strings")
	}
	var meds []string
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("graph_query: medications must be an array of strings")
		}
		if strings.TrimSpace(s) != "" {
			meds = append(meds, s)
		}
	}
	if len(meds) == 0 {
		return nil, fmt.Errorf("graph_query: medications must not be empty")
	}
	return meds, nil
}

// DecodeEvidenceArgs validates evidence_retrieve arguments. A missing or
// non-positive top_k falls back to defaultTopK.
func DecodeEvidenceArgs(args map[string]any, defaultTopK int) (string, int, error) {
	raw, ok := args["query"]
	if !ok {
		return "", 0, fmt.Errorf("evidence_retrieve: query is required")
	}
	query, ok := raw.(string)
	if !ok || strings.TrimSpace(query) == "" {
		return "", 0, fmt.Errorf("evidence_retrieve: query must be a non-empty string")
	}

	topK := defaultTopK
	if v, ok := args["top_k"]; ok {
		switch n := v.(type) {
		case float64:
			topK = int(n)
		case int:
			topK = n
		default:
			return "", 0, fmt.Errorf("evidence_retrieve: top_k must be a number")
		}
	}
	if topK < 1 {
		topK = defaultTopK
	}
	if topK < 1 {
		topK = 1
	}
	return query, topK, nil
}
