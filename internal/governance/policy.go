package governance

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rahul/matseg/internal/store"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes a tool dispatch awaiting approval.
type Request struct {
	Tool      string
	Arguments string // JSON-encoded params
	SessionID string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

func (r Result) Allowed() bool { return r.Effect == EffectAllow }

// PolicyEngine evaluates tool dispatches against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies listed tools and any arguments matching a pattern.
type DefaultPolicyEngine struct {
	DeniedTools map[string]bool
	DeniedRegex []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedTools: make(map[string]bool),
		DeniedRegex: make([]*regexp.Regexp, 0),
	}
}

// NewPolicyEngine builds an engine from configured rules.
func NewPolicyEngine(deniedTools, deniedPatterns []string) (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	for _, name := range deniedTools {
		e.DenyTool(name)
	}
	for _, p := range deniedPatterns {
		if err := e.DenyArguments(p); err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
	}
	return e, nil
}

// DenyTool blocks a tool by name. Aliases resolve to the canonical tag.
func (e *DefaultPolicyEngine) DenyTool(name string) {
	if t, err := store.ParseTool(name); err == nil {
		name = string(t)
	}
	e.DeniedTools[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedTools[req.Tool] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("tool '%s' is disabled by policy", req.Tool),
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "approved by default policy",
	}, nil
}
