package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeReasoning  EventType = "reasoning"
	EventTypeToolCall   EventType = "tool_call"
	EventTypeToolResult EventType = "tool_result"
	EventTypePlan       EventType = "plan"
	EventTypeStep       EventType = "step"
	EventTypeSession    EventType = "session"
	EventTypeHeartbeat  EventType = "heartbeat"
	EventTypeLLM        EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives a copy of every event, e.g. a message bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Logger handles structured logging. A nil *Logger discards events.
type Logger struct {
	z          *zap.Logger
	llmLogPath string
	maxSize    int64
	mu         sync.Mutex

	pub    Publisher
	prefix string
}

// NewLogger writes events through z and keeps a rotating JSONL file of
// LLM exchanges under logDir. An empty logDir disables the file.
func NewLogger(z *zap.Logger, logDir string) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	l := &Logger{
		z:       z,
		maxSize: 10 * 1024 * 1024, // 10MB
	}
	if logDir != "" {
		l.llmLogPath = filepath.Join(logDir, "llm.jsonl")
	}
	return l
}

// WithPublisher fans events out to p on subjects "<prefix>.<event type>".
func (l *Logger) WithPublisher(p Publisher, prefix string) *Logger {
	l.pub = p
	l.prefix = prefix
	return l
}

// Zap exposes the underlying logger for plain diagnostic messages.
func (l *Logger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.z
}

func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	l.z.Info(string(evt.Type),
		zap.String("session_id", evt.SessionID),
		zap.String("step_id", evt.StepID),
		zap.Any("data", evt.Data),
		zap.Time("timestamp", evt.Timestamp),
	)

	if l.pub == nil && (evt.Type != EventTypeLLM || l.llmLogPath == "") {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		l.z.Warn("failed to marshal event", zap.Error(err))
		return
	}
	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		l.writeToFile(data)
	}
	if l.pub != nil {
		if err := l.pub.Publish(l.prefix+"."+string(evt.Type), data); err != nil {
			l.z.Warn("failed to publish event", zap.String("type", string(evt.Type)), zap.Error(err))
		}
	}
}

func (l *Logger) writeToFile(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		l.z.Warn("failed to create log directory", zap.Error(err))
		return
	}

	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.z.Warn("failed to open log file", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.z.Warn("failed to write to log file", zap.Error(err))
	}
}

// rotateLogs keeps a single .old generation.
func (l *Logger) rotateLogs() {
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

func (l *Logger) LogReasoning(sessionID, stepID, thought string) {
	l.Log(Event{
		Type:      EventTypeReasoning,
		SessionID: sessionID,
		StepID:    stepID,
		Data:      map[string]string{"thought": thought},
	})
}

func (l *Logger) LogPlan(sessionID string, steps any) {
	l.Log(Event{
		Type:      EventTypePlan,
		SessionID: sessionID,
		Data:      map[string]any{"steps": steps},
	})
}

func (l *Logger) LogStep(sessionID, stepID string, iteration int, state string) {
	l.Log(Event{
		Type:      EventTypeStep,
		SessionID: sessionID,
		StepID:    stepID,
		Data: map[string]any{
			"iteration": iteration,
			"state":     state,
		},
	})
}

func (l *Logger) LogToolCall(sessionID, stepID, tool string, params any) {
	l.Log(Event{
		Type:      EventTypeToolCall,
		SessionID: sessionID,
		StepID:    stepID,
		Data: map[string]any{
			"tool":   tool,
			"params": params,
		},
	})
}

func (l *Logger) LogToolResult(sessionID, stepID, tool, status, errMsg string) {
	data := map[string]string{
		"tool":   tool,
		"status": status,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	l.Log(Event{
		Type:      EventTypeToolResult,
		SessionID: sessionID,
		StepID:    stepID,
		Data:      data,
	})
}

func (l *Logger) LogSession(sessionID, action string) {
	l.Log(Event{
		Type:      EventTypeSession,
		SessionID: sessionID,
		Data:      map[string]string{"action": action},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(sessionID string, prompt string, response string) {
	l.Log(Event{
		Type:      EventTypeLLM,
		SessionID: sessionID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}
