package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rahul/matseg/internal/observability"
	"github.com/rahul/matseg/internal/store"
	"github.com/rahul/matseg/internal/tools"
)

// ContinueTrigger is sent to the planner on every iteration after the first.
// It is never recorded as a user turn.
const ContinueTrigger = "Continue processing based on the previous step result."

// recentTurns is how much chat history accompanies the summary.
const recentTurns = 3

// Action is the single tool call the planner wants executed now.
type Action struct {
	Tool   store.Tool     `json:"tool"`
	Params map[string]any `json:"params"`
}

// Decision is a validated planner answer.
type Decision struct {
	Thought string
	Action  Action
	// Plan holds the steps spliced into the chain, if any.
	Plan []store.Step
}

type rawDecision struct {
	Thought    string        `json:"thought"`
	UpdatePlan []rawPlanStep `json:"update_plan"`
	Action     *rawAction    `json:"action"`
}

type rawPlanStep struct {
	Desc   string         `json:"desc"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

type rawAction struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// Planner turns session state into the next action via the Oracle.
type Planner struct {
	Oracle  Oracle
	Prompts *PromptManager
	Tools   *tools.Registry
	Logger  *observability.Logger
}

func NewPlanner(oracle Oracle, prompts *PromptManager, registry *tools.Registry, logger *observability.Logger) *Planner {
	return &Planner{
		Oracle:  oracle,
		Prompts: prompts,
		Tools:   registry,
		Logger:  logger,
	}
}

// Decide asks the oracle for the next action. A non-empty update_plan
// replaces the chain from the cursor onwards. Every error wraps ErrPlanning.
func (p *Planner) Decide(ctx context.Context, trigger string, mem *store.SessionMemory) (Decision, error) {
	if trigger != ContinueTrigger {
		mem.RecordUserTurn(trigger)
	}

	prompt, err := p.buildPrompt(trigger, mem)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrPlanning, err)
	}

	raw, err := p.Oracle.Complete(ctx, prompt)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrPlanning, err)
	}
	p.Logger.LogLLM(mem.ID, prompt, raw)

	decision, err := parseDecision(raw, mem.Cursor())
	if err == nil {
		err = p.checkRegistered(decision)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrPlanning, err)
	}
	p.Logger.LogReasoning(mem.ID, "", decision.Thought)

	if len(decision.Plan) > 0 {
		mem.ReplaceTail(mem.Cursor(), decision.Plan)
		p.Logger.LogPlan(mem.ID, decision.Plan)
	}
	return decision, nil
}

// checkRegistered rejects tools that are valid tags but not offered by the
// registry of this process.
func (p *Planner) checkRegistered(d Decision) error {
	if p.Tools == nil {
		return nil
	}
	if p.Tools.Get(string(d.Action.Tool)) == nil {
		return fmt.Errorf("%w: %q is not available", ErrUnknownTool, d.Action.Tool)
	}
	for _, s := range d.Plan {
		if p.Tools.Get(string(s.Tool)) == nil {
			return fmt.Errorf("%w: %q is not available", ErrUnknownTool, s.Tool)
		}
	}
	return nil
}

func (p *Planner) buildPrompt(trigger string, mem *store.SessionMemory) (string, error) {
	instructions, err := p.Prompts.GetPlannerPrompt()
	if err != nil {
		return "", err
	}

	var chat bytes.Buffer
	enc := json.NewEncoder(&chat)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(mem.RecentTurns(recentTurns)); err != nil {
		return "", fmt.Errorf("encode chat history: %w", err)
	}

	var b strings.Builder
	b.WriteString(instructions)
	if p.Tools != nil {
		b.WriteString("\n\n## Available Tools:\n")
		b.WriteString(p.Tools.Describe())
	}
	fmt.Fprintf(&b, "\n[Current Context]\n%s\n[Recent Chat]\n%s\n[System Trigger]\n%s\n",
		mem.Summarize(), strings.TrimSpace(chat.String()), trigger)
	return b.String(), nil
}

// parseDecision decodes and validates oracle output. New plan steps are
// numbered from cursor+1.
func parseDecision(raw string, cursor int) (Decision, error) {
	var rd rawDecision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &rd); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if rd.Action == nil {
		return Decision{}, fmt.Errorf("%w: missing action", ErrInvalidDecision)
	}

	tool, err := store.ParseTool(rd.Action.Tool)
	if err != nil {
		return Decision{}, err
	}
	params := rd.Action.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := validateParams(tool, params); err != nil {
		return Decision{}, err
	}

	d := Decision{
		Thought: rd.Thought,
		Action:  Action{Tool: tool, Params: params},
	}
	for i, s := range rd.UpdatePlan {
		stepTool, err := store.ParseTool(s.Tool)
		if err != nil {
			return Decision{}, fmt.Errorf("update_plan[%d]: %w", i, err)
		}
		desc := strings.TrimSpace(s.Desc)
		if desc == "" {
			desc = "No description"
		}
		d.Plan = append(d.Plan, store.NewStep(fmt.Sprintf("plan_%d", cursor+i+1), desc, stepTool, s.Params))
	}
	return d, nil
}

func validateParams(tool store.Tool, params map[string]any) error {
	switch tool {
	case store.ToolSegment:
		prompts, ok := stringList(params["prompts"])
		if !ok || len(prompts) == 0 {
			return fmt.Errorf("%w: segment requires a non-empty prompts list", ErrInvalidDecision)
		}
	case store.ToolVisualQuery:
		if q, ok := params["query"].(string); !ok || strings.TrimSpace(q) == "" {
			return fmt.Errorf("%w: visual_query requires a query", ErrInvalidDecision)
		}
	case store.ToolFinish:
		if v, present := params["response"]; present {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%w: finish response must be a string", ErrInvalidDecision)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return nil
}

// stringList accepts []string or a JSON array of strings.
func stringList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// extractJSON strips markdown fences and surrounding prose.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}
