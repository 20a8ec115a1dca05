package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rahul/matseg/internal/observability"
	"github.com/rahul/matseg/internal/store"
	"github.com/rahul/matseg/internal/tools"
)

// DefaultMaxSteps bounds the planning iterations of one run.
const DefaultMaxSteps = 5

const maxStepsMessage = "Task loop finished (max steps reached)."

// Brain answers a chat message for a session.
type Brain interface {
	Think(ctx context.Context, sessionID string, input string) (string, error)
}

// Journal receives an audit copy of turns and executed steps.
type Journal interface {
	AddMessage(sessionID string, role string, content string) error
	RecordStep(sessionID string, index int, step store.Step) error
}

// ImageWarmer prepares the segmentation service for a new session image.
type ImageWarmer interface {
	SetImage(ctx context.Context, sessionID, imagePath string) error
}

// Response is the result of one instruction run or interaction.
type Response struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	MaskURL string              `json:"mask_url,omitempty"`
	Stats   *tools.SegmentStats `json:"stats,omitempty"`
	Answer  string              `json:"answer,omitempty"`
	// Iterations is the number of planning iterations used.
	Iterations int `json:"iterations"`
}

// Orchestrator drives the plan/dispatch loop for instructions.
type Orchestrator struct {
	Sessions   *store.Sessions
	Planner    *Planner
	Dispatcher *Dispatcher
	Journal    Journal
	Warmer     ImageWarmer
	Logger     *observability.Logger
	MaxSteps   int
}

func NewOrchestrator(sessions *store.Sessions, planner *Planner, dispatcher *Dispatcher, logger *observability.Logger) *Orchestrator {
	return &Orchestrator{
		Sessions:   sessions,
		Planner:    planner,
		Dispatcher: dispatcher,
		Logger:     logger,
		MaxSteps:   DefaultMaxSteps,
	}
}

// InitSession registers a session for an uploaded image and warms up the
// segmentation service. Warm-up failures are logged only.
func (o *Orchestrator) InitSession(ctx context.Context, sessionID, imagePath string) *store.SessionMemory {
	mem := o.Sessions.Init(sessionID, imagePath)
	o.Logger.LogSession(sessionID, "created")
	if o.Warmer != nil && imagePath != "" {
		if err := o.Warmer.SetImage(ctx, sessionID, imagePath); err != nil {
			o.Logger.Zap().Sugar().Warnf("segmentation warm-up for session %s: %v", sessionID, err)
		}
	}
	return mem
}

// Think runs instruction and returns only the reply text.
func (o *Orchestrator) Think(ctx context.Context, sessionID string, input string) (string, error) {
	resp, err := o.Run(ctx, sessionID, input)
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Run executes one instruction against the session, creating the session
// if needed. Runs on the same session are serialised. Tool failures are
// recorded in the chain; a planning failure ends the run with
// Success=false. The error is non-nil only when ctx is done.
func (o *Orchestrator) Run(ctx context.Context, sessionID, instruction string) (resp Response, err error) {
	mem := o.Sessions.Get(sessionID)
	mem.Lock()
	defer mem.Unlock()

	observability.RunStarted()
	defer observability.RunFinished()

	ctx, span := startRunSpan(ctx, sessionID)
	defer func() { endRunSpan(span, resp, err) }()

	o.journalMessage(sessionID, store.RoleUser, instruction)

	// The previous run left the cursor on its finish step.
	skipTerminal(mem)

	maxSteps := o.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	var (
		final    string
		finished bool
		thought  string
	)
	trigger := instruction
	for iteration := 1; iteration <= maxSteps; iteration++ {
		if err := ctx.Err(); err != nil {
			resp.Iterations = iteration - 1
			return resp, err
		}
		resp.Iterations = iteration
		if iteration > 1 {
			trigger = ContinueTrigger
		}

		observability.SetStatus(observability.RolePlanning, instruction)
		planCtx, planSpan := startPlanSpan(ctx, iteration)
		decision, perr := o.Planner.Decide(planCtx, trigger, mem)
		endSpan(planSpan, perr)
		if perr != nil {
			o.Logger.Zap().Sugar().Warnf("session %s: %v", sessionID, perr)
			return Response{
				Success:    false,
				Message:    "Planning Failed: " + planningReason(perr),
				Iterations: iteration,
			}, nil
		}
		thought = decision.Thought

		index := materialize(mem, decision.Action, iteration)
		step, _ := mem.StepAt(index)
		mem.MarkRunning(index)
		o.Logger.LogStep(sessionID, step.ID, iteration, "dispatching")

		observability.SetStatus(observability.RoleDispatching, string(step.Tool))
		dispatchCtx, dispatchSpan := startDispatchSpan(ctx, string(step.Tool), step.ID)
		outcome, derr := o.Dispatcher.Dispatch(dispatchCtx, mem, index, decision.Action)
		endSpan(dispatchSpan, derr)
		o.journalStep(mem, index)

		if decision.Action.Tool == store.ToolFinish {
			final = outcome.Final
			finished = true
			break
		}
		mem.Advance()
		if outcome.Status != store.StatusSuccess {
			continue
		}
		switch decision.Action.Tool {
		case store.ToolSegment:
			resp.MaskURL = outcome.MaskURL
			resp.Stats = outcome.Stats
		case store.ToolVisualQuery:
			resp.Answer = outcome.Answer
		}
	}

	if !finished || strings.TrimSpace(final) == "" {
		final = maxStepsMessage
	}
	mem.RecordAssistantTurn(final)
	o.journalMessage(sessionID, store.RoleAssistant, final)

	resp.Success = true
	resp.Message = final
	if thought != "" {
		resp.Message = fmt.Sprintf("%s\n\n(Thinking: %s)", final, thought)
	}
	return resp, nil
}

// skipTerminal moves the cursor past executed steps.
func skipTerminal(mem *store.SessionMemory) {
	for {
		step, ok := mem.StepAt(mem.Cursor())
		if !ok || !step.Status.Terminal() {
			return
		}
		mem.Advance()
	}
}

// planningReason is the planner error text without the ErrPlanning prefix.
func planningReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrPlanning.Error()+": ")
}

// materialize returns the chain index the action executes under. The
// pending step at the cursor is reused and bound to the action; otherwise
// an auto step is appended. Terminal steps at the cursor are skipped so the
// returned index always equals the cursor.
func materialize(mem *store.SessionMemory, action Action, iteration int) int {
	skipTerminal(mem)

	cursor := mem.Cursor()
	if _, ok := mem.StepAt(cursor); ok {
		mem.Rebind(cursor, action.Tool, action.Params)
		return cursor
	}
	mem.AppendStep(store.NewStep(
		fmt.Sprintf("auto_%d", iteration),
		fmt.Sprintf("auto-generated step for %s", action.Tool),
		action.Tool,
		action.Params,
	))
	return cursor
}

// Interact runs point-based segmentation directly, outside the planning
// loop. No step is recorded.
func (o *Orchestrator) Interact(ctx context.Context, sessionID string, points []tools.Point) (Response, error) {
	if len(points) == 0 {
		return Response{}, ErrNoPoints
	}
	if _, ok := o.Sessions.Lookup(sessionID); !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	res, err := o.Dispatcher.Segmenter.PredictByPoints(ctx, sessionID, points)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrSegmentation, err)
	}
	if !res.Success {
		return Response{}, fmt.Errorf("%w: %s", ErrSegmentation, res.Message)
	}
	return Response{
		Success: true,
		Message: "Segmentation updated from your clicks.",
		MaskURL: res.MaskURL,
		Stats:   res.Stats,
	}, nil
}

func (o *Orchestrator) journalMessage(sessionID, role, content string) {
	if o.Journal == nil {
		return
	}
	if err := o.Journal.AddMessage(sessionID, role, content); err != nil {
		o.Logger.Zap().Sugar().Warnf("journal message for session %s: %v", sessionID, err)
	}
}

func (o *Orchestrator) journalStep(mem *store.SessionMemory, index int) {
	if o.Journal == nil {
		return
	}
	step, ok := mem.StepAt(index)
	if !ok {
		return
	}
	if err := o.Journal.RecordStep(mem.ID, index, step); err != nil {
		o.Logger.Zap().Sugar().Warnf("journal step %s for session %s: %v", step.ID, mem.ID, err)
	}
}
