package db

import (
	"context"
	"fmt"

	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

// AddDependency records an edge between two tasks. A 'blocks' edge
// means from waits on to; adding one that would close a blocking
// cycle is rejected. The non-blocking kinds carry no scheduling
// weight and are exempt from the cycle check.
func (db *DB) AddDependency(ctx context.Context, from, to string, kind models.DependencyKind) error {
	if !kind.Valid() {
		return errs.NewValidation("kind", fmt.Sprintf("unknown dependency kind %q", kind))
	}
	if from == to {
		return errs.NewValidation("to", "a task cannot depend on itself")
	}

	for _, id := range []string{from, to} {
		t, err := db.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return errs.NewNotFound("task", id)
		}
	}

	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM task_dependencies WHERE from_task = ? AND to_task = ? AND kind = ?)`,
		from, to, kind).Scan(&exists)
	if err != nil {
		return errs.NewStore("check dependency", err)
	}
	if exists {
		return errs.NewConflict(fmt.Sprintf("dependency %s -> %s (%s) already exists", from, to, kind))
	}

	if kind == models.DependencyBlocks {
		cycle, err := db.wouldCycle(ctx, from, to)
		if err != nil {
			return err
		}
		if cycle {
			return errs.NewConflict(fmt.Sprintf("dependency %s -> %s would create a blocking cycle", from, to)).
				WithTaskIDs(from, to)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO task_dependencies (from_task, to_task, kind) VALUES (?, ?, ?)`,
		from, to, kind); err != nil {
		return errs.NewStore("add dependency", err)
	}

	db.triggerChange(ctx)
	return nil
}

// wouldCycle reports whether from is already reachable from to by
// walking 'blocks' edges. BFS over the edge list; the graph is small
// enough that one query per frontier is fine.
func (db *DB) wouldCycle(ctx context.Context, from, to string) (bool, error) {
	visited := map[string]bool{to: true}
	frontier := []string{to}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		rows, err := db.QueryContext(ctx, `
			SELECT to_task FROM task_dependencies WHERE from_task = ? AND kind = 'blocks'`, current)
		if err != nil {
			return false, errs.NewStore("walk dependencies", err)
		}
		var next []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return false, errs.NewStore("walk dependencies", err)
			}
			next = append(next, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, errs.NewStore("walk dependencies", err)
		}
		rows.Close()

		for _, id := range next {
			if id == from {
				return true, nil
			}
			if !visited[id] {
				visited[id] = true
				frontier = append(frontier, id)
			}
		}
	}
	return false, nil
}

// RemoveDependency deletes an edge. Removing an absent edge is an error.
func (db *DB) RemoveDependency(ctx context.Context, from, to string, kind models.DependencyKind) error {
	res, err := db.ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE from_task = ? AND to_task = ? AND kind = ?`,
		from, to, kind)
	if err != nil {
		return errs.NewStore("remove dependency", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errs.NewStore("remove dependency", err)
	}
	if rows == 0 {
		return errs.NewNotFound("dependency", fmt.Sprintf("%s -> %s (%s)", from, to, kind))
	}

	db.triggerChange(ctx)
	return nil
}

// GetDependencies returns every edge touching the task, in either
// direction.
func (db *DB) GetDependencies(ctx context.Context, taskID string) ([]*models.TaskDependency, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT from_task, to_task, kind, created_at
		FROM task_dependencies
		WHERE from_task = ? OR to_task = ?
		ORDER BY created_at ASC`, taskID, taskID)
	if err != nil {
		return nil, errs.NewStore("get dependencies", err)
	}
	defer rows.Close()

	var deps []*models.TaskDependency
	for rows.Next() {
		d := &models.TaskDependency{}
		if err := rows.Scan(&d.FromTask, &d.ToTask, &d.Kind, &d.CreatedAt); err != nil {
			return nil, errs.NewStore("scan dependency", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("get dependencies", err)
	}
	return deps, nil
}

// GetBlockers returns the non-terminal tasks this one is waiting on.
func (db *DB) GetBlockers(ctx context.Context, taskID string) ([]*models.Task, error) {
	return db.queryTasks(ctx, `
		SELECT `+prefixedTaskColumns("t")+`
		FROM tasks t JOIN task_dependencies d ON t.id = d.to_task
		WHERE d.from_task = ? AND d.kind = 'blocks'
		  AND t.status NOT IN ('done', 'wont_do')
		ORDER BY t.priority ASC, t.created_at ASC`, taskID)
}
