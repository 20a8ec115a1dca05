package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tool describes a capability the planner may choose.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
}

// Registry manages the set of available tools.
type Registry struct {
	Tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		Tools: make(map[string]Tool),
	}
}

func (r *Registry) Register(t Tool) {
	r.Tools[t.Name()] = t
}

func (r *Registry) Get(name string) Tool {
	return r.Tools[name]
}

// Describe renders the catalog for a planner prompt, sorted by name.
func (r *Registry) Describe() string {
	names := make([]string, 0, len(r.Tools))
	for name := range r.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		t := r.Tools[name]
		params, err := json.Marshal(t.Parameters())
		if err != nil {
			params = []byte("{}")
		}
		fmt.Fprintf(&b, "%d. `%s`: %s Params schema: %s\n", i+1, name, t.Description(), params)
	}
	return b.String()
}

// FinishTool is the terminal pseudo-tool; it has no backing service.
type FinishTool struct{}

func (FinishTool) Name() string { return "finish" }

func (FinishTool) Description() string {
	return "End the task and reply to the user."
}

func (FinishTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response": map[string]any{
				"type":        "string",
				"description": "The final reply shown to the user",
			},
		},
		"required": []string{"response"},
	}
}
