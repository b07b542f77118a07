package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

const deployColumns = `id, agent_id, kind, target, payload, status, batch_id, priority,
       depends_on, queued_at, eligible_after, error, executed_at`

func scanAction(s rowScanner) (*models.DeployAction, error) {
	a := &models.DeployAction{}
	var payload, dependsOn string
	err := s.Scan(&a.ID, &a.AgentID, &a.Kind, &a.Target, &payload, &a.Status, &a.BatchID, &a.Priority,
		&dependsOn, &a.QueuedAt, &a.EligibleAfter, &a.Error, &a.ExecutedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for action %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(dependsOn), &a.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on for action %s: %w", a.ID, err)
	}
	return a, nil
}

func marshalPayload(p models.DeployPayload) string {
	data, _ := json.Marshal(p)
	return string(data)
}

// InsertAction stores a new queued action.
func (db *DB) InsertAction(ctx context.Context, a *models.DeployAction) error {
	dependsOn, _ := json.Marshal(a.DependsOn)
	if a.DependsOn == nil {
		dependsOn = []byte("[]")
	}
	if a.Status == "" {
		a.Status = models.ActionPending
	}

	err := db.QueryRowContext(ctx, `
		INSERT INTO deploy_queue (id, agent_id, kind, target, payload, status, priority, depends_on, eligible_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING queued_at`,
		a.ID, a.AgentID, a.Kind, a.Target, marshalPayload(a.Payload), a.Status, a.Priority,
		string(dependsOn), sqlTime(a.EligibleAfter)).Scan(&a.QueuedAt)
	if err != nil {
		return errs.NewStore("insert action", err)
	}
	return nil
}

// GetPendingAction returns the pending action for a kind/target pair,
// or nil. At most one pending action per mergeable kind/target exists
// because Queue folds duplicates into it.
func (db *DB) GetPendingAction(ctx context.Context, kind models.DeployKind, target string) (*models.DeployAction, error) {
	a, err := scanAction(db.QueryRowContext(ctx, `
		SELECT `+deployColumns+` FROM deploy_queue
		WHERE kind = ? AND target = ? AND status = 'pending'
		ORDER BY queued_at ASC LIMIT 1`, kind, target))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewStore("get pending action", err)
	}
	return a, nil
}

// TryMergeActionPayload replaces an action's payload if it is still
// pending. Returns false when the action was claimed or executed in
// the meantime, in which case the caller queues a fresh action.
func (db *DB) TryMergeActionPayload(ctx context.Context, id string, p models.DeployPayload, eligibleAfter time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE deploy_queue SET payload = ?, eligible_after = ?
		WHERE id = ? AND status = 'pending'`,
		marshalPayload(p), sqlTime(eligibleAfter), id)
	if err != nil {
		return false, errs.NewStore("merge action", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.NewStore("merge action", err)
	}
	return n > 0, nil
}

// ClaimEligibleActions moves up to limit eligible pending actions
// into the batch in one statement, so concurrent batch creators can
// never claim the same action twice. Claimed actions come back
// ordered priority first, then queue order.
func (db *DB) ClaimEligibleActions(ctx context.Context, batchID string, now time.Time, limit int) ([]*models.DeployAction, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE deploy_queue SET status = 'batched', batch_id = ?
		WHERE id IN (
			SELECT id FROM deploy_queue
			WHERE status = 'pending' AND eligible_after <= ?
			ORDER BY priority DESC, queued_at ASC
			LIMIT ?
		)
		RETURNING `+deployColumns,
		batchID, sqlTime(now), limit)
	if err != nil {
		return nil, errs.NewStore("claim actions", err)
	}
	defer rows.Close()

	var actions []*models.DeployAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errs.NewStore("scan action", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("claim actions", err)
	}

	// RETURNING order is unspecified; restore execution order here.
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority > actions[j].Priority
		}
		return actions[i].QueuedAt.Before(actions[j].QueuedAt)
	})
	return actions, nil
}

// MarkActionStatus records an action's outcome. Completed and failed
// actions get an execution timestamp.
func (db *DB) MarkActionStatus(ctx context.Context, id string, status models.ActionStatus, errMsg string) error {
	var query string
	args := []any{}
	switch status {
	case models.ActionCompleted, models.ActionFailed:
		query = `UPDATE deploy_queue SET status = ?, error = NULLIF(?, ''), executed_at = CURRENT_TIMESTAMP WHERE id = ?`
		args = append(args, status, errMsg, id)
	default:
		query = `UPDATE deploy_queue SET status = ? WHERE id = ?`
		args = append(args, status, id)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return errs.NewStore("mark action", err)
	}
	return nil
}

// UpdateActionPayload rewrites a claimed action's payload, used when
// a batch squashes members into a representative.
func (db *DB) UpdateActionPayload(ctx context.Context, id string, p models.DeployPayload) error {
	if _, err := db.ExecContext(ctx,
		`UPDATE deploy_queue SET payload = ? WHERE id = ?`, marshalPayload(p), id); err != nil {
		return errs.NewStore("update action payload", err)
	}
	return nil
}

// InsertBatch creates a batch row.
func (db *DB) InsertBatch(ctx context.Context, b *models.DeployBatch) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO deploy_batches (id, status) VALUES (?, ?)
		RETURNING created_at`, b.ID, b.Status).Scan(&b.CreatedAt)
	if err != nil {
		return errs.NewStore("insert batch", err)
	}
	return nil
}

// UpdateBatchStatus transitions a batch.
func (db *DB) UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus) error {
	if _, err := db.ExecContext(ctx,
		`UPDATE deploy_batches SET status = ? WHERE id = ?`, status, id); err != nil {
		return errs.NewStore("update batch", err)
	}
	return nil
}

// FinishBatch records a batch's terminal outcome.
func (db *DB) FinishBatch(ctx context.Context, id string, status models.BatchStatus, executed, failed int, errMsgs []string) error {
	if errMsgs == nil {
		errMsgs = []string{}
	}
	errJSON, _ := json.Marshal(errMsgs)
	if _, err := db.ExecContext(ctx, `
		UPDATE deploy_batches SET status = ?, executed = ?, failed = ?, errors = ?
		WHERE id = ?`, status, executed, failed, string(errJSON), id); err != nil {
		return errs.NewStore("finish batch", err)
	}
	return nil
}

// GetBatch returns a batch with its member actions, or nil.
func (db *DB) GetBatch(ctx context.Context, id string) (*models.DeployBatch, error) {
	b := &models.DeployBatch{}
	var errJSON string
	err := db.QueryRowContext(ctx, `
		SELECT id, status, created_at, executed, failed, errors
		FROM deploy_batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Status, &b.CreatedAt, &b.Executed, &b.Failed, &errJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewStore("get batch", err)
	}
	if err := json.Unmarshal([]byte(errJSON), &b.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode batch errors: %w", err)
	}

	if b.Actions, err = db.batchActions(ctx, id); err != nil {
		return nil, err
	}
	return b, nil
}

func (db *DB) batchActions(ctx context.Context, batchID string) ([]*models.DeployAction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+deployColumns+` FROM deploy_queue
		WHERE batch_id = ?
		ORDER BY priority DESC, queued_at ASC`, batchID)
	if err != nil {
		return nil, errs.NewStore("get batch actions", err)
	}
	defer rows.Close()

	var actions []*models.DeployAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errs.NewStore("scan action", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("get batch actions", err)
	}
	return actions, nil
}

// PendingBatches returns batches not yet executed, oldest first,
// each with its member actions.
func (db *DB) PendingBatches(ctx context.Context) ([]*models.DeployBatch, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, status, created_at, executed, failed, errors
		FROM deploy_batches WHERE status IN ('pending', 'executing')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, errs.NewStore("pending batches", err)
	}
	defer rows.Close()

	var batches []*models.DeployBatch
	for rows.Next() {
		b := &models.DeployBatch{}
		var errJSON string
		if err := rows.Scan(&b.ID, &b.Status, &b.CreatedAt, &b.Executed, &b.Failed, &errJSON); err != nil {
			return nil, errs.NewStore("scan batch", err)
		}
		if err := json.Unmarshal([]byte(errJSON), &b.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode batch errors: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("pending batches", err)
	}

	for _, b := range batches {
		if b.Actions, err = db.batchActions(ctx, b.ID); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

// CountPendingDeploys counts actions not yet in a terminal status.
func (db *DB) CountPendingDeploys(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deploy_queue
		WHERE status IN ('pending', 'batched', 'executing')`).Scan(&n)
	if err != nil {
		return 0, errs.NewStore("count deploys", err)
	}
	return n, nil
}

// DeleteTerminalDeploysBefore purges executed actions and finished
// batches older than the cutoff.
func (db *DB) DeleteTerminalDeploysBefore(ctx context.Context, cutoff time.Time) (int, error) {
	when := sqlTime(cutoff)
	res, err := db.ExecContext(ctx, `
		DELETE FROM deploy_queue
		WHERE status IN ('completed', 'failed') AND executed_at IS NOT NULL AND executed_at < ?`, when)
	if err != nil {
		return 0, errs.NewStore("delete deploys", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewStore("delete deploys", err)
	}
	res, err = db.ExecContext(ctx, `
		DELETE FROM deploy_batches
		WHERE status IN ('completed', 'failed') AND created_at < ?`, when)
	if err != nil {
		return 0, errs.NewStore("delete batches", err)
	}
	nb, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewStore("delete batches", err)
	}
	return int(n + nb), nil
}
