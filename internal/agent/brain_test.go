package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rahul/matseg/internal/store"
	"github.com/rahul/matseg/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(oracle Oracle, seg *fakeSegmenter, vision *fakeVision) (*Orchestrator, *memJournal) {
	sessions := store.NewSessions(16, time.Hour)
	o := NewOrchestrator(sessions, newTestPlanner(oracle), NewDispatcher(seg, vision, nil, nil), nil)
	journal := &memJournal{}
	o.Journal = journal
	o.Warmer = seg
	return o, journal
}

const finishReply = `{"thought":"nothing to do","action":{"tool":"finish","params":{"response":"Hello there."}}}`

func TestRun_FinishImmediately(t *testing.T) {
	oracle := newScriptedOracle(finishReply)
	o, journal := newTestOrchestrator(oracle, &fakeSegmenter{}, &fakeVision{})

	resp, err := o.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "Hello there.\n\n(Thinking: nothing to do)", resp.Message)
	assert.Equal(t, 1, resp.Iterations)
	assert.Equal(t, 1, oracle.calls())

	mem, ok := o.Sessions.Lookup("s1")
	require.True(t, ok)
	steps := mem.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, "auto_1", steps[0].ID)
	assert.Equal(t, store.ToolFinish, steps[0].Tool)
	assert.Equal(t, store.StatusSuccess, steps[0].Status)
	assert.Equal(t, 0, mem.Cursor())

	assert.Equal(t, []store.Turn{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "Hello there."},
	}, mem.History())
	assert.Equal(t, mem.History(), journal.messages)
	assert.Len(t, journal.steps, 1)
}

func TestRun_RecoversFromFailedStep(t *testing.T) {
	oracle := newScriptedOracle(
		`{"thought":"segment first","action":{"tool":"segment","params":{"prompts":["carbide"]}}}`,
		`{"thought":"ask instead","action":{"tool":"visual_query","params":{"query":"Are carbides visible?"}}}`,
		`{"thought":"answer","action":{"tool":"finish","params":{"response":"No carbides, only ferrite."}}}`,
	)
	seg := &fakeSegmenter{}
	vision := &fakeVision{answer: "Only ferrite grains are visible."}
	o, journal := newTestOrchestrator(oracle, seg, vision)
	o.InitSession(context.Background(), "s1", writeTestImage(t))

	resp, err := o.Run(context.Background(), "s1", "find carbides")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.Iterations)
	assert.Equal(t, "No carbides, only ferrite.\n\n(Thinking: answer)", resp.Message)
	assert.Equal(t, "Only ferrite grains are visible.", resp.Answer)
	assert.Empty(t, resp.MaskURL)
	assert.Equal(t, 1, vision.calls)

	mem, _ := o.Sessions.Lookup("s1")
	var statuses []store.Status
	for _, s := range mem.Steps() {
		statuses = append(statuses, s.Status)
	}
	assert.Equal(t, []store.Status{store.StatusFailed, store.StatusSuccess, store.StatusSuccess}, statuses)

	assert.Contains(t, oracle.prompts[0], "[System Trigger]\nfind carbides")
	for _, p := range oracle.prompts[1:] {
		assert.Contains(t, p, "[System Trigger]\n"+ContinueTrigger)
	}
	assert.Contains(t, oracle.prompts[1], "Status: failed")
	assert.Len(t, mem.History(), 2)
	assert.Len(t, journal.steps, 3)
}

func TestRun_StepBudget(t *testing.T) {
	oracle := newScriptedOracle(`{"action":{"tool":"segment","params":{"prompts":["grain"]}}}`)
	seg := &fakeSegmenter{textResults: []tools.SegmentResult{foundResult()}}
	o, _ := newTestOrchestrator(oracle, seg, &fakeVision{})
	o.MaxSteps = 4

	resp, err := o.Run(context.Background(), "s1", "keep segmenting")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, maxStepsMessage, resp.Message)
	assert.Equal(t, 4, resp.Iterations)
	assert.Equal(t, 4, oracle.calls())
	assert.Equal(t, "/static/masks/m.png", resp.MaskURL)
	assert.Equal(t, 31.5, resp.Stats.VolumeFraction)

	mem, _ := o.Sessions.Lookup("s1")
	assert.Equal(t, 4, mem.Len())
	assert.Equal(t, 4, mem.Cursor())
	last := mem.History()[len(mem.History())-1]
	assert.Equal(t, store.Turn{Role: store.RoleAssistant, Content: maxStepsMessage}, last)
}

func TestRun_DefaultBudget(t *testing.T) {
	oracle := newScriptedOracle(`{"action":{"tool":"segment","params":{"prompts":["grain"]}}}`)
	o, _ := newTestOrchestrator(oracle, &fakeSegmenter{}, &fakeVision{})
	o.MaxSteps = 0

	resp, err := o.Run(context.Background(), "s1", "loop")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSteps, resp.Iterations)
	assert.Equal(t, DefaultMaxSteps, oracle.calls())
}

func TestRun_PlanningFailure(t *testing.T) {
	oracle := newScriptedOracle(`{"action":{"tool":"segment","params":{"prompts":["grain"]}}}`)
	oracle.errs[1] = errBoom
	o, journal := newTestOrchestrator(oracle, &fakeSegmenter{}, &fakeVision{})

	resp, err := o.Run(context.Background(), "s1", "segment")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Planning Failed: boom", resp.Message)
	assert.Equal(t, 2, resp.Iterations)

	mem, _ := o.Sessions.Lookup("s1")
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, []store.Turn{{Role: store.RoleUser, Content: "segment"}}, mem.History())
	assert.Len(t, journal.messages, 1)
}

func TestRun_MalformedDecision(t *testing.T) {
	oracle := newScriptedOracle(`not json at all`)
	o, _ := newTestOrchestrator(oracle, &fakeSegmenter{}, &fakeVision{})

	resp, err := o.Run(context.Background(), "s1", "segment")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.Iterations)
	assert.True(t, strings.HasPrefix(resp.Message, "Planning Failed: invalid decision: "), resp.Message)
	assert.NotContains(t, strings.ToLower(resp.Message), "planning failed: planning failed")

	mem, _ := o.Sessions.Lookup("s1")
	assert.Zero(t, mem.Len())
}

func TestRun_FollowsPlan(t *testing.T) {
	oracle := newScriptedOracle(
		`{"thought":"plan it","update_plan":[
			{"desc":"find grains","tool":"segment","params":{"prompts":["grain"]}},
			{"desc":"report","tool":"finish","params":{}}
		],"action":{"tool":"segment","params":{"prompts":["grain"]}}}`,
		`{"action":{"tool":"finish","params":{"response":"Found 4 grains."}}}`,
	)
	seg := &fakeSegmenter{textResults: []tools.SegmentResult{foundResult()}}
	o, _ := newTestOrchestrator(oracle, seg, &fakeVision{})

	resp, err := o.Run(context.Background(), "s1", "count grains")
	require.NoError(t, err)
	assert.Equal(t, "Found 4 grains.", resp.Message)
	assert.Equal(t, "/static/masks/m.png", resp.MaskURL)
	assert.Equal(t, 4, resp.Stats.Count)

	mem, _ := o.Sessions.Lookup("s1")
	steps := mem.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "plan_1", steps[0].ID)
	assert.Equal(t, "find grains", steps[0].Description)
	assert.Equal(t, store.StatusSuccess, steps[0].Status)
	assert.Equal(t, "plan_2", steps[1].ID)
	assert.Equal(t, store.ToolFinish, steps[1].Tool)
	assert.Equal(t, store.StatusSuccess, steps[1].Status)
	assert.Equal(t, 1, mem.Cursor())
}

func TestRun_SecondInstructionExtendsChain(t *testing.T) {
	oracle := newScriptedOracle(finishReply)
	o, _ := newTestOrchestrator(oracle, &fakeSegmenter{}, &fakeVision{})

	_, err := o.Run(context.Background(), "s1", "first")
	require.NoError(t, err)
	_, err = o.Run(context.Background(), "s1", "second")
	require.NoError(t, err)

	mem, _ := o.Sessions.Lookup("s1")
	assert.Equal(t, 2, mem.Len())
	assert.Equal(t, 1, mem.Cursor())
	assert.Len(t, mem.History(), 4)
}

func TestRun_NewPlanKeepsPreviousFinish(t *testing.T) {
	oracle := newScriptedOracle(
		finishReply,
		`{"update_plan":[{"desc":"wrap up","tool":"finish","params":{"response":"again"}}],"action":{"tool":"finish","params":{"response":"again"}}}`,
	)
	o, _ := newTestOrchestrator(oracle, &fakeSegmenter{}, &fakeVision{})

	_, err := o.Run(context.Background(), "s1", "first")
	require.NoError(t, err)
	mem, _ := o.Sessions.Lookup("s1")
	assert.Equal(t, 0, mem.Cursor())

	resp, err := o.Run(context.Background(), "s1", "second")
	require.NoError(t, err)
	assert.Equal(t, "again", resp.Message)

	steps := mem.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "auto_1", steps[0].ID)
	assert.Equal(t, store.StatusSuccess, steps[0].Status)
	assert.Equal(t, "plan_2", steps[1].ID)
	assert.Equal(t, store.StatusSuccess, steps[1].Status)
	assert.Equal(t, 1, mem.Cursor())
}

func TestRun_FinishWithoutResponse(t *testing.T) {
	for _, reply := range []string{
		`{"action":{"tool":"finish","params":{}}}`,
		`{"action":{"tool":"finish","params":{"response":"  "}}}`,
	} {
		o, _ := newTestOrchestrator(newScriptedOracle(reply), &fakeSegmenter{}, &fakeVision{})

		resp, err := o.Run(context.Background(), "s1", "hi")
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, maxStepsMessage, resp.Message)

		mem, _ := o.Sessions.Lookup("s1")
		assert.Equal(t, []store.Turn{
			{Role: store.RoleUser, Content: "hi"},
			{Role: store.RoleAssistant, Content: maxStepsMessage},
		}, mem.History())
	}
}

func TestRun_SerialisesSameSession(t *testing.T) {
	oracle := newScriptedOracle(finishReply)
	o, _ := newTestOrchestrator(oracle, &fakeSegmenter{}, &fakeVision{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := o.Run(context.Background(), "shared", fmt.Sprintf("message %d", i))
			assert.NoError(t, err)
			assert.True(t, resp.Success)
		}(i)
	}
	wg.Wait()

	mem, _ := o.Sessions.Lookup("shared")
	assert.Equal(t, 8, mem.Len())
	assert.Equal(t, 7, mem.Cursor())
	history := mem.History()
	require.Len(t, history, 16)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, store.RoleUser, history[i].Role)
		assert.Equal(t, store.RoleAssistant, history[i+1].Role)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	oracle := newScriptedOracle(finishReply)
	o, _ := newTestOrchestrator(oracle, &fakeSegmenter{}, &fakeVision{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := o.Run(ctx, "s1", "hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, resp.Iterations)
	assert.Zero(t, oracle.calls())
}

func TestRun_JournalErrorsIgnored(t *testing.T) {
	o, journal := newTestOrchestrator(newScriptedOracle(finishReply), &fakeSegmenter{}, &fakeVision{})
	journal.err = errBoom

	resp, err := o.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestThink(t *testing.T) {
	o, _ := newTestOrchestrator(newScriptedOracle(`{"action":{"tool":"finish","params":{"response":"ok"}}}`), &fakeSegmenter{}, &fakeVision{})

	var brain Brain = o
	reply, err := brain.Think(context.Background(), "chat-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
}

func TestMaterialize(t *testing.T) {
	mem := store.NewSessionMemory("s1", "")
	mem.AppendStep(store.NewStep("plan_1", "done already", store.ToolSegment, nil))
	mem.UpdateResult(0, store.StatusSuccess, "ok", "")
	mem.AppendStep(store.NewStep("plan_2", "ask", store.ToolVisualQuery, map[string]any{"query": "q"}))

	action := Action{Tool: store.ToolSegment, Params: map[string]any{"prompts": []any{"pore"}}}
	index := materialize(mem, action, 1)
	assert.Equal(t, 1, index)
	assert.Equal(t, 1, mem.Cursor())
	step, _ := mem.StepAt(1)
	assert.Equal(t, "plan_2", step.ID)
	assert.Equal(t, store.ToolSegment, step.Tool)
	assert.Equal(t, action.Params, step.Params)

	mem.UpdateResult(1, store.StatusSuccess, nil, "")
	mem.Advance()
	index = materialize(mem, Action{Tool: store.ToolFinish, Params: map[string]any{}}, 2)
	assert.Equal(t, 2, index)
	step, _ = mem.StepAt(2)
	assert.Equal(t, "auto_2", step.ID)
	assert.Equal(t, store.ToolFinish, step.Tool)
	assert.Equal(t, store.StatusPending, step.Status)
}

func TestInitSession(t *testing.T) {
	seg := &fakeSegmenter{warmErr: errBoom}
	o, _ := newTestOrchestrator(newScriptedOracle(finishReply), seg, &fakeVision{})

	mem := o.InitSession(context.Background(), "s1", "/uploads/s1.png")
	assert.Equal(t, "/uploads/s1.png", mem.ImagePath)
	assert.Equal(t, []string{"s1"}, seg.warmed)

	got, ok := o.Sessions.Lookup("s1")
	require.True(t, ok)
	assert.Same(t, mem, got)
}

func TestInteract(t *testing.T) {
	points := []tools.Point{{X: 10, Y: 20, Label: 1}}

	t.Run("no points", func(t *testing.T) {
		o, _ := newTestOrchestrator(newScriptedOracle(finishReply), &fakeSegmenter{}, &fakeVision{})
		_, err := o.Interact(context.Background(), "s1", nil)
		assert.ErrorIs(t, err, ErrNoPoints)
	})

	t.Run("unknown session", func(t *testing.T) {
		o, _ := newTestOrchestrator(newScriptedOracle(finishReply), &fakeSegmenter{}, &fakeVision{})
		_, err := o.Interact(context.Background(), "missing", points)
		assert.ErrorIs(t, err, ErrUnknownSession)
	})

	t.Run("service error", func(t *testing.T) {
		seg := &fakeSegmenter{pointErr: errBoom}
		o, _ := newTestOrchestrator(newScriptedOracle(finishReply), seg, &fakeVision{})
		o.InitSession(context.Background(), "s1", "")
		_, err := o.Interact(context.Background(), "s1", points)
		assert.ErrorIs(t, err, ErrSegmentation)
		assert.True(t, errors.Is(err, errBoom))
	})

	t.Run("unsuccessful result", func(t *testing.T) {
		seg := &fakeSegmenter{pointResult: tools.SegmentResult{Success: false, Message: "no image set"}}
		o, _ := newTestOrchestrator(newScriptedOracle(finishReply), seg, &fakeVision{})
		o.InitSession(context.Background(), "s1", "")
		_, err := o.Interact(context.Background(), "s1", points)
		assert.ErrorIs(t, err, ErrSegmentation)
		assert.Contains(t, err.Error(), "no image set")
	})

	t.Run("success", func(t *testing.T) {
		seg := &fakeSegmenter{pointResult: foundResult()}
		o, _ := newTestOrchestrator(newScriptedOracle(finishReply), seg, &fakeVision{})
		mem := o.InitSession(context.Background(), "s1", "")

		resp, err := o.Interact(context.Background(), "s1", points)
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, "/static/masks/m.png", resp.MaskURL)
		assert.Equal(t, 1, seg.pointCalls)
		assert.Zero(t, mem.Len())
	})
}
