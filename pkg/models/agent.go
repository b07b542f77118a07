package models

import "time"

type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// AgentRegistryEntry tracks one agent process sharing the store.
type AgentRegistryEntry struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	SessionID     string      `json:"session_id"`
	Status        AgentStatus `json:"status"`
	CurrentTask   string      `json:"current_task"`
	Branch        string      `json:"branch"`
	Capabilities  []string    `json:"capabilities"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}
