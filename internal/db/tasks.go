package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

const taskColumns = `id, title, description, type, status, priority, assignee, branch,
       labels, notes, parent_id, created_at, updated_at, closed_at, close_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var labels string
	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &t.Type, &t.Status, &t.Priority, &t.Assignee, &t.Branch,
		&labels, &t.Notes, &t.ParentID, &t.CreatedAt, &t.UpdatedAt, &t.ClosedAt, &t.CloseReason,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels for task %s: %w", t.ID, err)
	}
	return t, nil
}

func marshalLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	data, _ := json.Marshal(labels)
	return string(data)
}

func validateTask(t *models.Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return errs.NewValidation("title", "title is required")
	}
	if t.Priority < 0 || t.Priority > 4 {
		return errs.NewValidation("priority", fmt.Sprintf("priority must be 0-4, got %d", t.Priority))
	}
	switch t.Type {
	case models.TaskTypeTask, models.TaskTypeBug, models.TaskTypeFeature,
		models.TaskTypeEpic, models.TaskTypeChore, models.TaskTypeStory:
	default:
		return errs.NewValidation("type", fmt.Sprintf("unknown task type %q", t.Type))
	}
	switch t.Status {
	case models.TaskStatusOpen, models.TaskStatusInProgress, models.TaskStatusBlocked,
		models.TaskStatusDone, models.TaskStatusWontDo:
	default:
		return errs.NewValidation("status", fmt.Sprintf("unknown task status %q", t.Status))
	}
	return nil
}

// CreateTask inserts a new task. If t.ID is empty, a short random id
// is generated; inserts are retried on id collision because the id
// space is deliberately small.
func (db *DB) CreateTask(ctx context.Context, t *models.Task, actor string) error {
	if t.Type == "" {
		t.Type = models.TaskTypeTask
	}
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	if t.Status.Terminal() {
		return errs.NewValidation("status", "cannot create a task in a terminal status")
	}
	if err := validateTask(t); err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (id, title, description, type, status, priority, assignee, branch, labels, notes, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at, updated_at
	`

	generate := t.ID == ""
	attempts := 1
	if generate {
		attempts = taskIDRetries
	}

	var err error
	for i := 0; i < attempts; i++ {
		if generate {
			t.ID, err = newTaskID()
			if err != nil {
				return err
			}
		}
		err = db.QueryRowContext(ctx, query,
			t.ID, t.Title, t.Description, t.Type, t.Status, t.Priority, t.Assignee, t.Branch,
			marshalLabels(t.Labels), t.Notes, t.ParentID,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
		if err == nil {
			break
		}
		if !generate || !isUniqueViolation(err) {
			return errs.NewStore("create task", err)
		}
	}
	if err != nil {
		return errs.NewStore("create task", fmt.Errorf("exhausted id retries: %w", err))
	}

	if err := db.recordActivity(ctx, db.DB, t.ID, actor, models.ActivityCreated, t.Title); err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

// GetTask retrieves a task by id, or nil if it does not exist.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	t, err := scanTask(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewStore("get task", err)
	}
	return t, nil
}

// GetTaskWithRelations resolves the task's dependency neighborhood
// and derived blocked/ready flags.
func (db *DB) GetTaskWithRelations(ctx context.Context, id string) (*models.TaskWithRelations, error) {
	t, err := db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errs.NewNotFound("task", id)
	}

	r := &models.TaskWithRelations{Task: *t}

	// Tasks this one waits on.
	r.BlockedBy, err = db.queryTasks(ctx, `
		SELECT `+prefixedTaskColumns("t")+`
		FROM tasks t JOIN task_dependencies d ON t.id = d.to_task
		WHERE d.from_task = ? AND d.kind = 'blocks'
		ORDER BY t.priority ASC, t.created_at ASC`, id)
	if err != nil {
		return nil, err
	}

	// Tasks waiting on this one.
	r.Blocks, err = db.queryTasks(ctx, `
		SELECT `+prefixedTaskColumns("t")+`
		FROM tasks t JOIN task_dependencies d ON t.id = d.from_task
		WHERE d.to_task = ? AND d.kind = 'blocks'
		ORDER BY t.priority ASC, t.created_at ASC`, id)
	if err != nil {
		return nil, err
	}

	r.RelatedTo, err = db.queryTasks(ctx, `
		SELECT `+prefixedTaskColumns("t")+`
		FROM tasks t JOIN task_dependencies d
		  ON (t.id = d.to_task AND d.from_task = ?) OR (t.id = d.from_task AND d.to_task = ?)
		WHERE d.kind IN ('related', 'discovered_from')
		ORDER BY t.created_at ASC`, id, id)
	if err != nil {
		return nil, err
	}

	r.Children, err = db.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, err
	}

	if t.ParentID != nil {
		r.Parent, err = db.GetTask(ctx, *t.ParentID)
		if err != nil {
			return nil, err
		}
	}

	for _, b := range r.BlockedBy {
		if !b.Status.Terminal() {
			r.IsBlocked = true
			break
		}
	}
	r.IsReady = t.Status == models.TaskStatusOpen && !r.IsBlocked

	return r, nil
}

func prefixedTaskColumns(alias string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// queryTasks executes a query returning task rows.
func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.NewStore("query tasks", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errs.NewStore("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("query tasks", err)
	}
	return tasks, nil
}

// ListTasks returns tasks matching the filter, highest priority first.
func (db *DB) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.Type != nil {
		query += " AND type = ?"
		args = append(args, *filter.Type)
	}
	if filter.Assignee != nil {
		query += " AND assignee = ?"
		args = append(args, *filter.Assignee)
	}
	if filter.Label != nil {
		query += " AND EXISTS (SELECT 1 FROM json_each(labels) WHERE json_each.value = ?)"
		args = append(args, *filter.Label)
	}
	if filter.ParentID != nil {
		query += " AND parent_id = ?"
		args = append(args, *filter.ParentID)
	}

	query += " ORDER BY priority ASC, created_at ASC"
	return db.queryTasks(ctx, query, args...)
}

// ReadyTasks returns open tasks with no live blocking prerequisite.
func (db *DB) ReadyTasks(ctx context.Context) ([]*models.Task, error) {
	return db.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM v_ready_tasks
		ORDER BY priority ASC, created_at ASC`)
}

// BlockedTasks returns open tasks waiting on at least one live
// blocking prerequisite.
func (db *DB) BlockedTasks(ctx context.Context) ([]*models.Task, error) {
	return db.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM v_blocked_tasks
		ORDER BY priority ASC, created_at ASC`)
}

var updatableFields = []string{"title", "description", "type", "status", "priority", "assignee", "branch", "labels", "notes", "parent_id"}

// UpdateTask persists field changes and records one history row per
// changed field. Terminal tasks cannot be updated; terminal statuses
// cannot be entered here (use CloseTask).
func (db *DB) UpdateTask(ctx context.Context, t *models.Task, actor string) error {
	if err := validateTask(t); err != nil {
		return err
	}

	current, err := db.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return errs.NewNotFound("task", t.ID)
	}
	if current.Status.Terminal() {
		return errs.NewConflict(fmt.Sprintf("task %s is %s; reopening is unsupported", t.ID, current.Status))
	}
	if t.Status.Terminal() {
		return errs.NewValidation("status", "terminal statuses are set via close, not update")
	}

	changes := diffTasks(current, t)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStore("update task", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE tasks
		SET title = ?, description = ?, type = ?, status = ?, priority = ?,
		    assignee = ?, branch = ?, labels = ?, notes = ?, parent_id = ?
		WHERE id = ?
		RETURNING updated_at
	`
	err = tx.QueryRowContext(ctx, query,
		t.Title, t.Description, t.Type, t.Status, t.Priority,
		t.Assignee, t.Branch, marshalLabels(t.Labels), t.Notes, t.ParentID, t.ID,
	).Scan(&t.UpdatedAt)
	if err != nil {
		return errs.NewStore("update task", err)
	}

	for _, c := range changes {
		if err := db.recordHistory(ctx, tx, t.ID, c.field, c.old, c.new, actor); err != nil {
			return err
		}
	}
	if len(changes) > 0 {
		if err := db.recordActivity(ctx, tx, t.ID, actor, models.ActivityUpdated, describeChanges(changes)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.NewStore("update task", err)
	}

	db.triggerChange(ctx)
	return nil
}

type fieldChange struct {
	field, old, new string
}

func diffTasks(old, new *models.Task) []fieldChange {
	var changes []fieldChange
	add := func(field, o, n string) {
		if o != n {
			changes = append(changes, fieldChange{field, o, n})
		}
	}
	add("title", old.Title, new.Title)
	add("description", old.Description, new.Description)
	add("type", string(old.Type), string(new.Type))
	add("status", string(old.Status), string(new.Status))
	add("priority", fmt.Sprint(old.Priority), fmt.Sprint(new.Priority))
	add("assignee", old.Assignee, new.Assignee)
	add("branch", old.Branch, new.Branch)
	add("labels", marshalLabels(old.Labels), marshalLabels(new.Labels))
	add("notes", old.Notes, new.Notes)
	add("parent_id", strOrEmpty(old.ParentID), strOrEmpty(new.ParentID))
	return changes
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func describeChanges(changes []fieldChange) string {
	fields := make([]string, len(changes))
	for i, c := range changes {
		fields[i] = c.field
	}
	return "changed " + strings.Join(fields, ", ")
}

// CloseTask moves a task to a terminal status with a close timestamp
// and reason. Closing an already-closed task is a no-op.
func (db *DB) CloseTask(ctx context.Context, id string, status models.TaskStatus, reason, actor string) error {
	if !status.Terminal() {
		return errs.NewValidation("status", fmt.Sprintf("close status must be done or wont_do, got %q", status))
	}

	current, err := db.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return errs.NewNotFound("task", id)
	}
	if current.Status.Terminal() {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStore("close task", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE tasks
		SET status = ?, closed_at = CURRENT_TIMESTAMP, close_reason = ?
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, query, status, reason, id); err != nil {
		return errs.NewStore("close task", err)
	}

	if err := db.recordHistory(ctx, tx, id, "status", string(current.Status), string(status), actor); err != nil {
		return err
	}
	if err := db.recordActivity(ctx, tx, id, actor, models.ActivityClosed, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.NewStore("close task", err)
	}

	db.triggerChange(ctx)
	return nil
}

// DeleteTask removes a task together with its dependency, history,
// and activity rows.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStore("delete task", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return errs.NewStore("delete task", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errs.NewStore("delete task", err)
	}
	if rows == 0 {
		return errs.NewNotFound("task", id)
	}

	if err := deleteTaskRelations(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.NewStore("delete task", err)
	}

	db.triggerChange(ctx)
	return nil
}

func deleteTaskRelations(ctx context.Context, exec executor, id string) error {
	if _, err := exec.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE from_task = ? OR to_task = ?`, id, id); err != nil {
		return errs.NewStore("delete task relations", err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM task_history WHERE task_id = ?`, id); err != nil {
		return errs.NewStore("delete task relations", err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM task_activity WHERE task_id = ?`, id); err != nil {
		return errs.NewStore("delete task relations", err)
	}
	return nil
}

// ClaimTask atomically assigns an open, unblocked task to an agent.
// The conditional UPDATE is a single statement so two concurrent
// claimants can never both win. Failures name the offending
// condition: the current holder or the blocking task ids.
func (db *DB) ClaimTask(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	if agentID == "" {
		return nil, errs.NewValidation("agent", "agent id is required")
	}

	query := `
		UPDATE tasks
		SET status = 'in_progress', assignee = ?
		WHERE id = ?
		  AND assignee IN ('', ?)
		  AND id IN (SELECT id FROM v_ready_tasks)
		RETURNING ` + taskColumns

	t, err := scanTask(db.QueryRowContext(ctx, query, agentID, taskID, agentID))
	if err == sql.ErrNoRows {
		return nil, db.diagnoseClaimFailure(ctx, taskID, agentID)
	}
	if err != nil {
		return nil, errs.NewStore("claim task", err)
	}

	// Legacy exclusive-claim table, kept in sync for older tooling.
	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_claims (task_id, agent_id) VALUES (?, ?)`, taskID, agentID); err != nil {
		return nil, errs.NewStore("record claim", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE agents SET current_task = ?, last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?`, taskID, agentID); err != nil {
		return nil, errs.NewStore("update agent", err)
	}
	if err := db.recordActivity(ctx, db.DB, taskID, agentID, models.ActivityClaimed, ""); err != nil {
		return nil, err
	}

	db.triggerChange(ctx)
	return t, nil
}

func (db *DB) diagnoseClaimFailure(ctx context.Context, taskID, agentID string) error {
	t, err := db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return errs.NewNotFound("task", taskID)
	}
	if t.Assignee != "" && t.Assignee != agentID {
		return errs.NewConflict(fmt.Sprintf("task %s is already assigned", taskID)).WithHolder(t.Assignee)
	}
	if t.Status != models.TaskStatusOpen {
		return errs.NewConflict(fmt.Sprintf("task %s is %s, not open", taskID, t.Status))
	}

	blockers, err := db.GetBlockers(ctx, taskID)
	if err != nil {
		return err
	}
	ids := make([]string, len(blockers))
	for i, b := range blockers {
		ids[i] = b.ID
	}
	return errs.NewConflict(fmt.Sprintf("task %s is blocked", taskID)).WithTaskIDs(ids...)
}

// ReleaseTask returns a claimed task to the open pool.
func (db *DB) ReleaseTask(ctx context.Context, taskID, agentID string) error {
	query := `
		UPDATE tasks
		SET status = 'open', assignee = ''
		WHERE id = ? AND assignee = ? AND status = 'in_progress'
		RETURNING id
	`
	var id string
	err := db.QueryRowContext(ctx, query, taskID, agentID).Scan(&id)
	if err == sql.ErrNoRows {
		t, gerr := db.GetTask(ctx, taskID)
		if gerr != nil {
			return gerr
		}
		if t == nil {
			return errs.NewNotFound("task", taskID)
		}
		return errs.NewConflict(fmt.Sprintf("task %s is not held by %s", taskID, agentID)).WithHolder(t.Assignee)
	}
	if err != nil {
		return errs.NewStore("release task", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM task_claims WHERE task_id = ? AND agent_id = ?`, taskID, agentID); err != nil {
		return errs.NewStore("release claim", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE agents SET current_task = '' WHERE id = ? AND current_task = ?`, agentID, taskID); err != nil {
		return errs.NewStore("update agent", err)
	}
	if err := db.recordActivity(ctx, db.DB, taskID, agentID, models.ActivityReleased, ""); err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

// ReleaseAgentTasks returns every task an agent holds to the open
// pool. Used when an agent goes stale.
func (db *DB) ReleaseAgentTasks(ctx context.Context, agentID string) (int, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE tasks SET status = 'open', assignee = ''
		WHERE assignee = ? AND status = 'in_progress'
		RETURNING id`, agentID)
	if err != nil {
		return 0, errs.NewStore("release agent tasks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errs.NewStore("release agent tasks", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errs.NewStore("release agent tasks", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := db.ExecContext(ctx,
			`DELETE FROM task_claims WHERE task_id = ? AND agent_id = ?`, id, agentID); err != nil {
			return 0, errs.NewStore("release agent tasks", err)
		}
		if err := db.recordActivity(ctx, db.DB, id, agentID, models.ActivityReleased, "agent went stale"); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		db.triggerChange(ctx)
	}
	return len(ids), nil
}

// ReadyTaskScores returns every ready task with the counts that feed
// next-task scoring: its total blocking edges, the number of tasks it
// blocks, and whether its resource already has an active work
// announcement.
func (db *DB) ReadyTaskScores(ctx context.Context) ([]*models.TaskScore, error) {
	query := `
		SELECT ` + prefixedTaskColumns("t") + `,
		       (SELECT COUNT(*) FROM task_dependencies d
		        WHERE d.from_task = t.id AND d.kind = 'blocks') AS blocker_count,
		       (SELECT COUNT(*) FROM task_dependencies d
		        WHERE d.to_task = t.id AND d.kind = 'blocks') AS blocks_count,
		       EXISTS (SELECT 1 FROM work_announcements w
		        WHERE w.completed_at IS NULL
		          AND w.resource = CASE WHEN t.branch <> '' THEN t.branch ELSE 'tasks/' || t.id END) AS announced
		FROM v_ready_tasks t
		ORDER BY t.created_at ASC
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errs.NewStore("score tasks", err)
	}
	defer rows.Close()

	var scores []*models.TaskScore
	for rows.Next() {
		t := &models.Task{}
		var labels string
		var blockerCount, blocksCount int
		var announced bool
		err := rows.Scan(
			&t.ID, &t.Title, &t.Description, &t.Type, &t.Status, &t.Priority, &t.Assignee, &t.Branch,
			&labels, &t.Notes, &t.ParentID, &t.CreatedAt, &t.UpdatedAt, &t.ClosedAt, &t.CloseReason,
			&blockerCount, &blocksCount, &announced,
		)
		if err != nil {
			return nil, errs.NewStore("scan task score", err)
		}
		if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels for task %s: %w", t.ID, err)
		}

		score := (4 - t.Priority) * 10
		if !announced {
			score += 20
		}
		if blockerCount == 0 {
			score += 5
		}
		score += 3 * blocksCount

		scores = append(scores, &models.TaskScore{
			Task:         t,
			Score:        score,
			BlockerCount: blockerCount,
			BlocksCount:  blocksCount,
			Announced:    announced,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("score tasks", err)
	}
	return scores, nil
}

// Stats returns aggregate task counts.
func (db *DB) Stats(ctx context.Context) (*models.TaskStats, error) {
	stats := &models.TaskStats{ByStatus: make(map[models.TaskStatus]int)}

	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, errs.NewStore("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errs.NewStore("stats", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("stats", err)
	}

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM v_ready_tasks`).Scan(&stats.Ready); err != nil {
		return nil, errs.NewStore("stats", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM v_blocked_tasks`).Scan(&stats.Blocked); err != nil {
		return nil, errs.NewStore("stats", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM(task_count), 0) FROM task_summaries`).Scan(&stats.Summarized); err != nil {
		return nil, errs.NewStore("stats", err)
	}

	return stats, nil
}
