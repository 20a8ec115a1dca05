package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// HistoryStore is an append-only journal of chat turns and executed steps.
// It is an audit trail; sessions are never rebuilt from it.
type HistoryStore struct {
	DB *sql.DB
}

// StepRecord is one journaled step outcome.
type StepRecord struct {
	Index       int    `json:"index"`
	StepID      string `json:"step_id"`
	Tool        string `json:"tool"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	RecordedAt  string `json:"recorded_at"`
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			role TEXT,
			content TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			step_index INTEGER,
			step_id TEXT,
			tool TEXT,
			description TEXT,
			status TEXT,
			result TEXT,
			error TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("init journal schema: %w", err)
		}
	}

	return &HistoryStore{DB: db}, nil
}

func (h *HistoryStore) Close() error {
	return h.DB.Close()
}

func (h *HistoryStore) AddMessage(sessionID string, role string, content string) error {
	query := `INSERT INTO messages (session_id, role, content) VALUES (?, ?, ?)`
	_, err := h.DB.Exec(query, sessionID, role, content)
	return err
}

// RecordStep journals the state of the step at index.
func (h *HistoryStore) RecordStep(sessionID string, index int, step Step) error {
	var result string
	if step.Result != nil {
		data, err := json.Marshal(step.Result)
		if err != nil {
			return fmt.Errorf("marshal step result: %w", err)
		}
		result = string(data)
	}
	query := `INSERT INTO steps (session_id, step_index, step_id, tool, description, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := h.DB.Exec(query, sessionID, index, step.ID, string(step.Tool), step.Description, string(step.Status), result, step.Error)
	return err
}

// GetHistory returns up to limit of the latest turns in chronological order.
func (h *HistoryStore) GetHistory(sessionID string, limit int) ([]Turn, error) {
	query := `SELECT role, content FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := h.DB.Query(query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, err
		}
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// GetSteps returns every journaled step of a session in write order.
func (h *HistoryStore) GetSteps(sessionID string) ([]StepRecord, error) {
	query := `SELECT step_index, step_id, tool, description, status, result, error, timestamp
		FROM steps WHERE session_id = ? ORDER BY id ASC`
	rows, err := h.DB.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.Index, &r.StepID, &r.Tool, &r.Description, &r.Status, &r.Result, &r.Error, &r.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
