package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTool is returned when a tool tag is not one of the known capabilities.
var ErrUnknownTool = errors.New("unknown tool")

// Tool selects the capability a step invokes.
type Tool string

const (
	ToolSegment     Tool = "segment"
	ToolVisualQuery Tool = "visual_query"
	ToolFinish      Tool = "finish"
)

// ParseTool maps a planner-supplied tag onto a Tool. The legacy names
// "sam3" and "vlm" are accepted as aliases.
func ParseTool(tag string) (Tool, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "segment", "sam3":
		return ToolSegment, nil
	case "visual_query", "vlm":
		return ToolVisualQuery, nil
	case "finish":
		return ToolFinish, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, tag)
}

// Status is the execution state of a step.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is a final outcome.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Step represents a single planned or executed tool invocation.
type Step struct {
	ID          string         `json:"step_id"`
	Description string         `json:"description"`
	Tool        Tool           `json:"tool"`
	Params      map[string]any `json:"params"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewStep returns a pending step.
func NewStep(id, description string, tool Tool, params map[string]any) Step {
	if params == nil {
		params = map[string]any{}
	}
	return Step{
		ID:          id,
		Description: description,
		Tool:        tool,
		Params:      params,
		Status:      StatusPending,
	}
}

// Chain is the ordered plan and execution history of a session.
// Steps are never removed one by one; only the unexecuted tail is replaced.
type Chain struct {
	steps []Step
}

// Len returns the number of steps in the chain.
func (c *Chain) Len() int {
	return len(c.steps)
}

// Steps returns a copy of the chain.
func (c *Chain) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// At returns the step at index i.
func (c *Chain) At(i int) (Step, bool) {
	if i < 0 || i >= len(c.steps) {
		return Step{}, false
	}
	return c.steps[i], true
}

// Append adds a step to the end of the chain.
func (c *Chain) Append(s Step) {
	c.steps = append(c.steps, s)
}

// ReplaceTail drops every step at or after from and appends steps in order.
// Steps before from are preserved.
func (c *Chain) ReplaceTail(from int, steps []Step) {
	if from < 0 {
		from = 0
	}
	if from > len(c.steps) {
		from = len(c.steps)
	}
	kept := c.steps[:from:from]
	c.steps = append(kept, steps...)
}

// UpdateResult records the outcome of the step at index. Out of range
// indexes are ignored since the tail may have been replaced meanwhile.
func (c *Chain) UpdateResult(index int, status Status, result any, errMsg string) {
	if index < 0 || index >= len(c.steps) {
		return
	}
	c.steps[index].Status = status
	c.steps[index].Result = result
	c.steps[index].Error = errMsg
}

// setStatus changes only the status of the step at index.
func (c *Chain) setStatus(index int, status Status) {
	if index < 0 || index >= len(c.steps) {
		return
	}
	c.steps[index].Status = status
}

// rebind points the step at index at the tool call that is actually executed.
func (c *Chain) rebind(index int, tool Tool, params map[string]any) {
	if index < 0 || index >= len(c.steps) {
		return
	}
	if params == nil {
		params = map[string]any{}
	}
	c.steps[index].Tool = tool
	c.steps[index].Params = params
}
