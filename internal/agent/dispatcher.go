package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rahul/matseg/internal/governance"
	"github.com/rahul/matseg/internal/observability"
	"github.com/rahul/matseg/internal/store"
	"github.com/rahul/matseg/internal/tools"
)

// Segmenter is the segmentation service.
type Segmenter interface {
	PredictByText(ctx context.Context, sessionID string, prompts []string) (tools.SegmentResult, error)
	PredictByPoints(ctx context.Context, sessionID string, points []tools.Point) (tools.SegmentResult, error)
}

// VisualAnswerer is the vision question answering service.
type VisualAnswerer interface {
	AnswerVisualQuestion(ctx context.Context, imagePath, question string) (tools.VisionResult, error)
}

// Outcome is the normalised result of one dispatch.
type Outcome struct {
	Status store.Status
	Result any
	Error  string

	// Final is the user-facing reply of a finish step.
	Final string

	MaskURL string
	Stats   *tools.SegmentStats
	Answer  string
}

// Dispatcher executes a decided action and records the outcome in the chain.
type Dispatcher struct {
	Segmenter Segmenter
	Vision    VisualAnswerer
	Policy    governance.PolicyEngine
	Logger    *observability.Logger
}

func NewDispatcher(seg Segmenter, vision VisualAnswerer, policy governance.PolicyEngine, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{
		Segmenter: seg,
		Vision:    vision,
		Policy:    policy,
		Logger:    logger,
	}
}

// Dispatch runs action for the step at index and writes the outcome back
// with UpdateResult whatever it is. Only an unknown tool returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, mem *store.SessionMemory, index int, action Action) (Outcome, error) {
	stepID := ""
	if step, ok := mem.StepAt(index); ok {
		stepID = step.ID
	}
	d.Logger.LogToolCall(mem.ID, stepID, string(action.Tool), action.Params)

	var out Outcome
	switch action.Tool {
	case store.ToolFinish:
		out = Outcome{Status: store.StatusSuccess, Result: "Finished"}
		out.Final, _ = action.Params["response"].(string)
	case store.ToolSegment:
		out = d.guard(ctx, mem.ID, action, d.segment)
	case store.ToolVisualQuery:
		out = d.guard(ctx, mem.ID, action, func(ctx context.Context, _ string, params map[string]any) Outcome {
			return d.visualQuery(ctx, mem.ImagePath, params)
		})
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownTool, action.Tool)
		mem.UpdateResult(index, store.StatusFailed, nil, err.Error())
		d.Logger.LogToolResult(mem.ID, stepID, string(action.Tool), string(store.StatusFailed), err.Error())
		return Outcome{Status: store.StatusFailed, Error: err.Error()}, err
	}

	mem.UpdateResult(index, out.Status, out.Result, out.Error)
	d.Logger.LogToolResult(mem.ID, stepID, string(action.Tool), string(out.Status), out.Error)
	return out, nil
}

// guard evaluates the policy before calling run.
func (d *Dispatcher) guard(ctx context.Context, sessionID string, action Action, run func(context.Context, string, map[string]any) Outcome) Outcome {
	if d.Policy != nil {
		args, err := json.Marshal(action.Params)
		if err != nil {
			return failed(fmt.Sprintf("encode params: %v", err))
		}
		res, err := d.Policy.Evaluate(ctx, governance.Request{
			Tool:      string(action.Tool),
			Arguments: string(args),
			SessionID: sessionID,
		})
		if err != nil {
			return failed(fmt.Sprintf("policy check: %v", err))
		}
		if !res.Allowed() {
			return failed("blocked: " + res.Reason)
		}
	}
	return run(ctx, sessionID, action.Params)
}

func (d *Dispatcher) segment(ctx context.Context, sessionID string, params map[string]any) Outcome {
	prompts, _ := stringList(params["prompts"])
	res, err := d.Segmenter.PredictByText(ctx, sessionID, prompts)
	if err != nil {
		return failed(err.Error())
	}

	if !res.Success || !res.Found {
		msg := res.Message
		if msg == "" {
			msg = "No objects found."
		}
		return Outcome{Status: store.StatusFailed, Result: res, Error: msg}
	}
	return Outcome{
		Status:  store.StatusSuccess,
		Result:  res,
		MaskURL: res.MaskURL,
		Stats:   res.Stats,
	}
}

func (d *Dispatcher) visualQuery(ctx context.Context, imagePath string, params map[string]any) Outcome {
	if imagePath == "" {
		return failed("image file not found: no image loaded for this session")
	}
	if _, err := os.Stat(imagePath); err != nil {
		return failed("image file not found at: " + imagePath)
	}

	query, _ := params["query"].(string)
	res, err := d.Vision.AnswerVisualQuestion(ctx, imagePath, query)
	if err != nil {
		return failed(err.Error())
	}
	if !res.Success {
		return failed(res.Message)
	}
	return Outcome{Status: store.StatusSuccess, Result: res.Answer, Answer: res.Answer}
}

func failed(msg string) Outcome {
	return Outcome{Status: store.StatusFailed, Error: msg}
}
