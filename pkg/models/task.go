package models

import "time"

type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusWontDo     TaskStatus = "wont_do"
)

// Terminal reports whether the status is final. Reopening is unsupported.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusWontDo
}

type TaskType string

const (
	TaskTypeTask    TaskType = "task"
	TaskTypeBug     TaskType = "bug"
	TaskTypeFeature TaskType = "feature"
	TaskTypeEpic    TaskType = "epic"
	TaskTypeChore   TaskType = "chore"
	TaskTypeStory   TaskType = "story"
)

// Rank orders types for merge-order suggestions: bugs land first,
// epics last.
func (t TaskType) Rank() int {
	switch t {
	case TaskTypeBug:
		return 0
	case TaskTypeTask:
		return 1
	case TaskTypeChore:
		return 2
	case TaskTypeFeature:
		return 3
	case TaskTypeStory:
		return 4
	case TaskTypeEpic:
		return 5
	default:
		return 6
	}
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        TaskType   `json:"type"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"` // 0 (critical) .. 4
	Assignee    string     `json:"assignee"`
	Branch      string     `json:"branch"`
	Labels      []string   `json:"labels"`
	Notes       string     `json:"notes"`
	ParentID    *string    `json:"parent_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason *string    `json:"close_reason,omitempty"`
}

// Resource is the identifier the task's work is announced under:
// the branch ref when one is set, otherwise a synthetic task path.
func (t *Task) Resource() string {
	if t.Branch != "" {
		return t.Branch
	}
	return "tasks/" + t.ID
}

// TaskWithRelations is a task with its dependency neighborhood and
// derived blocked/ready flags resolved.
type TaskWithRelations struct {
	Task
	BlockedBy []*Task `json:"blocked_by"`
	Blocks    []*Task `json:"blocks"`
	RelatedTo []*Task `json:"related_to"`
	Children  []*Task `json:"children"`
	Parent    *Task   `json:"parent,omitempty"`
	IsBlocked bool    `json:"is_blocked"`
	IsReady   bool    `json:"is_ready"`
}

// TaskFilter narrows ListTasks. Nil fields match everything.
type TaskFilter struct {
	Status   *TaskStatus
	Type     *TaskType
	Assignee *string
	Label    *string
	ParentID *string
}

type TaskStats struct {
	Total      int                `json:"total"`
	ByStatus   map[TaskStatus]int `json:"by_status"`
	Ready      int                `json:"ready"`
	Blocked    int                `json:"blocked"`
	Summarized int                `json:"summarized"`
}

// TaskScore pairs a ready task with its scheduling score.
type TaskScore struct {
	Task         *Task `json:"task"`
	Score        int   `json:"score"`
	BlockerCount int   `json:"blocker_count"`
	BlocksCount  int   `json:"blocks_count"`
	Announced    bool  `json:"announced"`
}
