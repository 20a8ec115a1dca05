package observability

import (
	"sync"
	"time"
)

type Role string

const (
	RoleIdle        Role = "IDLE"
	RolePlanning    Role = "PLANNING"
	RoleDispatching Role = "DISPATCHING"
)

type SystemStatus struct {
	mu            sync.RWMutex
	CurrentRole   Role
	ActiveTask    string
	ActiveRuns    int
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	CurrentRole:   RoleIdle,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the global system status.
func SetStatus(role Role, task string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.CurrentRole = role
	globalStatus.ActiveTask = task
}

// RunStarted and RunFinished track how many orchestration runs are in flight.
func RunStarted() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.ActiveRuns++
}

func RunFinished() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if globalStatus.ActiveRuns > 0 {
		globalStatus.ActiveRuns--
	}
	if globalStatus.ActiveRuns == 0 {
		globalStatus.CurrentRole = RoleIdle
		globalStatus.ActiveTask = ""
	}
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() (Role, string, int, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.CurrentRole, globalStatus.ActiveTask, globalStatus.ActiveRuns, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
