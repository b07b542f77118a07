package models

import "time"

// TaskHistory is an append-only record of a single field change.
type TaskHistory struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

type ActivityKind string

const (
	ActivityCreated   ActivityKind = "created"
	ActivityClaimed   ActivityKind = "claimed"
	ActivityReleased  ActivityKind = "released"
	ActivityCommented ActivityKind = "commented"
	ActivityUpdated   ActivityKind = "updated"
	ActivityClosed    ActivityKind = "closed"
)

// TaskActivity is an append-only agent/task interaction record.
type TaskActivity struct {
	ID        int64        `json:"id"`
	TaskID    string       `json:"task_id"`
	AgentID   string       `json:"agent_id"`
	Activity  ActivityKind `json:"activity"`
	Detail    string       `json:"detail"`
	CreatedAt time.Time    `json:"created_at"`
}
