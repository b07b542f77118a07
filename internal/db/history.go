package db

import (
	"context"

	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

func (db *DB) recordHistory(ctx context.Context, exec executor, taskID, field, oldValue, newValue, actor string) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO task_history (task_id, field, old_value, new_value, actor)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, field, oldValue, newValue, actor)
	if err != nil {
		return errs.NewStore("record history", err)
	}
	return nil
}

func (db *DB) recordActivity(ctx context.Context, exec executor, taskID, agentID string, kind models.ActivityKind, detail string) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO task_activity (task_id, agent_id, activity, detail)
		VALUES (?, ?, ?, ?)`,
		taskID, agentID, kind, detail)
	if err != nil {
		return errs.NewStore("record activity", err)
	}
	return nil
}

// GetTaskHistory returns the field-level change log, newest first.
func (db *DB) GetTaskHistory(ctx context.Context, taskID string) ([]*models.TaskHistory, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, task_id, field, old_value, new_value, actor, created_at
		FROM task_history WHERE task_id = ?
		ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, errs.NewStore("get history", err)
	}
	defer rows.Close()

	var entries []*models.TaskHistory
	for rows.Next() {
		h := &models.TaskHistory{}
		if err := rows.Scan(&h.ID, &h.TaskID, &h.Field, &h.OldValue, &h.NewValue, &h.Actor, &h.CreatedAt); err != nil {
			return nil, errs.NewStore("scan history", err)
		}
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("get history", err)
	}
	return entries, nil
}

// GetTaskActivity returns the activity feed, newest first.
func (db *DB) GetTaskActivity(ctx context.Context, taskID string, limit int) ([]*models.TaskActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, activity, detail, created_at
		FROM task_activity WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, errs.NewStore("get activity", err)
	}
	defer rows.Close()

	var entries []*models.TaskActivity
	for rows.Next() {
		a := &models.TaskActivity{}
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.Activity, &a.Detail, &a.CreatedAt); err != nil {
			return nil, errs.NewStore("scan activity", err)
		}
		entries = append(entries, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("get activity", err)
	}
	return entries, nil
}
