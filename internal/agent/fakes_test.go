package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rahul/matseg/internal/store"
	"github.com/rahul/matseg/internal/tools"
	"github.com/stretchr/testify/require"
)

// scriptedOracle replays replies in order and repeats the last one.
type scriptedOracle struct {
	mu      sync.Mutex
	replies []string
	errs    map[int]error
	prompts []string
}

func newScriptedOracle(replies ...string) *scriptedOracle {
	return &scriptedOracle{replies: replies, errs: map[int]error{}}
}

func (o *scriptedOracle) Complete(ctx context.Context, prompt string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	call := len(o.prompts)
	o.prompts = append(o.prompts, prompt)
	if err, ok := o.errs[call]; ok {
		return "", err
	}
	if call >= len(o.replies) {
		return o.replies[len(o.replies)-1], nil
	}
	return o.replies[call], nil
}

func (o *scriptedOracle) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.prompts)
}

type fakeSegmenter struct {
	mu          sync.Mutex
	textResults []tools.SegmentResult
	textErr     error
	textCalls   [][]string
	pointResult tools.SegmentResult
	pointErr    error
	pointCalls  int
	warmErr     error
	warmed      []string
}

func (s *fakeSegmenter) PredictByText(ctx context.Context, sessionID string, prompts []string) (tools.SegmentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textCalls = append(s.textCalls, prompts)
	if s.textErr != nil {
		return tools.SegmentResult{}, s.textErr
	}
	if len(s.textResults) == 0 {
		return tools.SegmentResult{Success: true, Found: false, Message: "No objects found."}, nil
	}
	i := len(s.textCalls) - 1
	if i >= len(s.textResults) {
		i = len(s.textResults) - 1
	}
	return s.textResults[i], nil
}

func (s *fakeSegmenter) PredictByPoints(ctx context.Context, sessionID string, points []tools.Point) (tools.SegmentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointCalls++
	return s.pointResult, s.pointErr
}

func (s *fakeSegmenter) SetImage(ctx context.Context, sessionID, imagePath string) error {
	s.warmed = append(s.warmed, sessionID)
	return s.warmErr
}

type fakeVision struct {
	answer string
	err    error
	calls  int
}

func (v *fakeVision) AnswerVisualQuestion(ctx context.Context, imagePath, question string) (tools.VisionResult, error) {
	v.calls++
	if v.err != nil {
		return tools.VisionResult{}, v.err
	}
	return tools.VisionResult{Success: true, Answer: v.answer}, nil
}

type memJournal struct {
	messages []store.Turn
	steps    []store.Step
	err      error
}

func (j *memJournal) AddMessage(sessionID, role, content string) error {
	j.messages = append(j.messages, store.Turn{Role: role, Content: content})
	return j.err
}

func (j *memJournal) RecordStep(sessionID string, index int, step store.Step) error {
	j.steps = append(j.steps, step)
	return j.err
}

var errBoom = errors.New("boom")

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n"), 0644))
	return path
}

func foundResult() tools.SegmentResult {
	return tools.SegmentResult{
		Success: true,
		Found:   true,
		MaskURL: "/static/masks/m.png",
		Stats:   &tools.SegmentStats{Targets: []string{"grain"}, Count: 4, VolumeFraction: 31.5},
	}
}
