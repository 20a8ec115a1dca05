package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// resultPreviewLimit caps how much of a step result is shown to the planner.
const resultPreviewLimit = 200

// Turn is one entry of the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionMemory holds the conversation and task chain of one session.
//
// The accessors below do not lock; callers that mutate or read a session
// while a run may be in flight hold the session lock (Lock/Unlock).
type SessionMemory struct {
	ID        string
	ImagePath string
	CreatedAt time.Time

	history []Turn
	chain   Chain
	cursor  int

	mu sync.Mutex
}

// NewSessionMemory creates an empty session. imagePath may be empty.
func NewSessionMemory(id, imagePath string) *SessionMemory {
	return &SessionMemory{
		ID:        id,
		ImagePath: imagePath,
		CreatedAt: time.Now(),
	}
}

// Lock serialises runs against the same session.
func (m *SessionMemory) Lock() { m.mu.Lock() }

// Unlock releases the session lock.
func (m *SessionMemory) Unlock() { m.mu.Unlock() }

func (m *SessionMemory) RecordUserTurn(text string) {
	m.history = append(m.history, Turn{Role: RoleUser, Content: text})
}

func (m *SessionMemory) RecordAssistantTurn(text string) {
	m.history = append(m.history, Turn{Role: RoleAssistant, Content: text})
}

// History returns a copy of the chat history.
func (m *SessionMemory) History() []Turn {
	out := make([]Turn, len(m.history))
	copy(out, m.history)
	return out
}

// RecentTurns returns up to n of the most recent turns, oldest first.
func (m *SessionMemory) RecentTurns(n int) []Turn {
	if n <= 0 {
		return nil
	}
	start := len(m.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(m.history)-start)
	copy(out, m.history[start:])
	return out
}

// Cursor is the index of the next step to execute.
func (m *SessionMemory) Cursor() int {
	return m.cursor
}

// Advance moves the cursor past the current step.
func (m *SessionMemory) Advance() {
	if m.cursor < m.chain.Len() {
		m.cursor++
	}
}

func (m *SessionMemory) Len() int {
	return m.chain.Len()
}

func (m *SessionMemory) Steps() []Step {
	return m.chain.Steps()
}

func (m *SessionMemory) StepAt(i int) (Step, bool) {
	return m.chain.At(i)
}

func (m *SessionMemory) AppendStep(s Step) {
	m.chain.Append(s)
}

// ReplaceTail splices steps into the chain from index from onwards.
func (m *SessionMemory) ReplaceTail(from int, steps []Step) {
	m.chain.ReplaceTail(from, steps)
	m.clampCursor()
}

func (m *SessionMemory) UpdateResult(index int, status Status, result any, errMsg string) {
	m.chain.UpdateResult(index, status, result, errMsg)
}

// MarkRunning flags the step at index as in flight.
func (m *SessionMemory) MarkRunning(index int) {
	m.chain.setStatus(index, StatusRunning)
}

// Rebind records the tool call actually executed for the step at index.
func (m *SessionMemory) Rebind(index int, tool Tool, params map[string]any) {
	m.chain.rebind(index, tool, params)
}

func (m *SessionMemory) clampCursor() {
	if m.cursor > m.chain.Len() {
		m.cursor = m.chain.Len()
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// Summarize renders the state shown to the planner. The output only
// depends on the session contents.
func (m *SessionMemory) Summarize() string {
	var b strings.Builder
	b.WriteString("Session Context:\n")
	if m.ImagePath != "" {
		fmt.Fprintf(&b, "- Image Loaded: %s\n\n", m.ImagePath)
	} else {
		b.WriteString("- No Image Loaded\n\n")
	}

	if m.chain.Len() == 0 {
		b.WriteString("Current Task Chain: [Empty (Waiting for plan)]\n")
		return b.String()
	}

	b.WriteString("Current Task Chain:\n")
	for i, step := range m.chain.steps {
		marker := "  "
		if i == m.cursor {
			marker = "->"
		}
		fmt.Fprintf(&b, "%s Step %d: %s | Tool: %s (Status: %s)", marker, i+1, step.Description, step.Tool, step.Status)
		if step.Result != nil {
			fmt.Fprintf(&b, " Result: %s", preview(step.Result))
		}
		if step.Error != "" && step.Status == StatusFailed {
			fmt.Fprintf(&b, " Error: %s", preview(step.Error))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Snapshot is a read-only copy of a session for inspection.
type Snapshot struct {
	ID        string    `json:"session_id"`
	ImagePath string    `json:"image_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Cursor    int       `json:"current_step_index"`
	History   []Turn    `json:"chat_history"`
	Steps     []Step    `json:"task_chain"`
	Summary   string    `json:"summary"`
}

// Snapshot copies the session under the session lock.
func (m *SessionMemory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ID:        m.ID,
		ImagePath: m.ImagePath,
		CreatedAt: m.CreatedAt,
		Cursor:    m.cursor,
		History:   m.History(),
		Steps:     m.Steps(),
		Summary:   m.Summarize(),
	}
}

func preview(v any) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case fmt.Stringer:
		s = t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			s = fmt.Sprint(t)
		} else {
			s = string(data)
		}
	}
	if utf8.RuneCountInString(s) <= resultPreviewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:resultPreviewLimit]) + "..."
}
