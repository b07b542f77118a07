package models

import "time"

// TaskSummary is a compacted record standing in for a batch of old
// closed tasks.
type TaskSummary struct {
	ID        string    `json:"id"`
	Period    string    `json:"period"` // e.g. "2026-Q1"
	Summary   string    `json:"summary"`
	Labels    []string  `json:"labels"`
	TaskIDs   []string  `json:"task_ids"`
	TaskCount int       `json:"task_count"`
	CreatedAt time.Time `json:"created_at"`
}
