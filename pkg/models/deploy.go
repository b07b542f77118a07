package models

import "time"

type DeployKind string

const (
	DeployCommit   DeployKind = "commit"
	DeployPush     DeployKind = "push"
	DeployMerge    DeployKind = "merge"
	DeployDeploy   DeployKind = "deploy"
	DeployWorkflow DeployKind = "workflow"
)

func (k DeployKind) Valid() bool {
	switch k {
	case DeployCommit, DeployPush, DeployMerge, DeployDeploy, DeployWorkflow:
		return true
	}
	return false
}

// Mergeable reports whether two queued actions of this kind against
// the same target may be collapsed into one.
func (k DeployKind) Mergeable() bool {
	return k == DeployCommit || k == DeployPush || k == DeployWorkflow
}

// DeployPayload carries the kind-specific inputs of an action.
type DeployPayload struct {
	Messages       []string          `json:"messages,omitempty"`
	Files          []string          `json:"files,omitempty"`
	Source         string            `json:"source,omitempty"`
	Force          bool              `json:"force,omitempty"`
	Squash         bool              `json:"squash,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	Command        string            `json:"command,omitempty"`
	WorkflowInputs map[string]string `json:"workflow_inputs,omitempty"`
}

// Merge folds other into p: messages concatenate, files union
// (first occurrence wins the position), scalar fields take the
// newer value when set.
func (p *DeployPayload) Merge(other DeployPayload) {
	p.Messages = append(p.Messages, other.Messages...)
	seen := make(map[string]bool, len(p.Files))
	for _, f := range p.Files {
		seen[f] = true
	}
	for _, f := range other.Files {
		if !seen[f] {
			p.Files = append(p.Files, f)
			seen[f] = true
		}
	}
	if other.Source != "" {
		p.Source = other.Source
	}
	if other.Command != "" {
		p.Command = other.Command
	}
	if other.Environment != "" {
		p.Environment = other.Environment
	}
	p.Force = p.Force || other.Force
	p.Squash = p.Squash || other.Squash
	if len(other.WorkflowInputs) > 0 {
		if p.WorkflowInputs == nil {
			p.WorkflowInputs = make(map[string]string, len(other.WorkflowInputs))
		}
		for k, v := range other.WorkflowInputs {
			p.WorkflowInputs[k] = v
		}
	}
}

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionBatched   ActionStatus = "batched"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// DeployAction is a queued side-effecting operation.
type DeployAction struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	Kind          DeployKind    `json:"kind"`
	Target        string        `json:"target"`
	Payload       DeployPayload `json:"payload"`
	Status        ActionStatus  `json:"status"`
	BatchID       *string       `json:"batch_id,omitempty"`
	Priority      int           `json:"priority"`
	DependsOn     []string      `json:"depends_on"`
	QueuedAt      time.Time     `json:"queued_at"`
	EligibleAfter time.Time     `json:"eligible_after"`
	Error         *string       `json:"error,omitempty"`
	ExecutedAt    *time.Time    `json:"executed_at,omitempty"`
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// DeployBatch groups actions claimed together for serial execution.
type DeployBatch struct {
	ID        string          `json:"id"`
	Status    BatchStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	Executed  int             `json:"executed"`
	Failed    int             `json:"failed"`
	Errors    []string        `json:"errors"`
	Actions   []*DeployAction `json:"actions,omitempty"`
}

// BatchResult is the aggregate outcome of executing one batch.
type BatchResult struct {
	BatchID  string   `json:"batch_id"`
	Executed int      `json:"executed"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}
