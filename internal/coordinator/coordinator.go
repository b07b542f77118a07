// Package coordinator ties the task graph to the coordination layer:
// claiming a task also announces the work, so overlap detection sees
// the claim the moment it lands.
package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/ldi/harbor/internal/coordination"
	"github.com/ldi/harbor/internal/db"
	"github.com/ldi/harbor/pkg/models"
)

type Coordinator struct {
	db    *db.DB
	coord *coordination.Service
}

func New(database *db.DB, svc *coordination.Service) *Coordinator {
	return &Coordinator{db: database, coord: svc}
}

// ClaimResult is a claimed task plus what the agent should know
// about concurrent work near it.
type ClaimResult struct {
	Task        *models.Task                      `json:"task"`
	Overlaps    []*models.WorkOverlap             `json:"overlaps"`
	Suggestions []*models.CollaborationSuggestion `json:"suggestions"`
}

// Claim atomically assigns the task and announces editing intent on
// its resource.
func (c *Coordinator) Claim(ctx context.Context, taskID, agentID string) (*ClaimResult, error) {
	task, err := c.db.ClaimTask(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}

	ann := &models.WorkAnnouncement{
		AgentID:     agentID,
		Resource:    task.Resource(),
		Intent:      models.IntentEditing,
		Description: fmt.Sprintf("working on %s: %s", task.ID, task.Title),
	}
	res, err := c.coord.AnnounceWork(ctx, ann)
	if err != nil {
		return nil, err
	}

	return &ClaimResult{Task: task, Overlaps: res.Overlaps, Suggestions: res.Suggestions}, nil
}

// Release returns the task to the pool and closes the matching
// announcement.
func (c *Coordinator) Release(ctx context.Context, taskID, agentID string) error {
	task, err := c.db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := c.db.ReleaseTask(ctx, taskID, agentID); err != nil {
		return err
	}
	if task != nil {
		if _, err := c.coord.CompleteWork(ctx, agentID, task.Resource()); err != nil {
			return err
		}
	}
	return nil
}

// SuggestNextTask picks the highest-scoring ready task: urgency
// first, then a bonus for resources nobody has announced, for having
// no dependency edges at all, and for unblocking other work. Returns
// nil when nothing is ready.
func (c *Coordinator) SuggestNextTask(ctx context.Context) (*models.TaskScore, error) {
	scores, err := c.db.ReadyTaskScores(ctx)
	if err != nil {
		return nil, err
	}

	var best *models.TaskScore
	for _, s := range scores {
		if best == nil || s.Score > best.Score ||
			(s.Score == best.Score && s.Task.Priority < best.Task.Priority) {
			best = s
		}
	}
	return best, nil
}

// SuggestMergeOrder orders the in-flight tasks for merging: urgent
// work lands first, bugs before features at equal priority, then
// first come first served.
func (c *Coordinator) SuggestMergeOrder(ctx context.Context) ([]*models.Task, error) {
	status := models.TaskStatusInProgress
	tasks, err := c.db.ListTasks(ctx, models.TaskFilter{Status: &status})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		if tasks[i].Type.Rank() != tasks[j].Type.Rank() {
			return tasks[i].Type.Rank() < tasks[j].Type.Rank()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}
