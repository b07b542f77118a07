package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

const summaryTitleLimit = 10

// Compact replaces closed tasks older than the cutoff with one
// summary row per calendar quarter. Dependency, history, and
// activity rows of compacted tasks are deleted with them so the
// store does not accumulate orphaned references.
func (db *DB) Compact(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, errs.NewValidation("older_than_days", "must be positive")
	}
	cutoff := sqlTime(time.Now().AddDate(0, 0, -olderThanDays))

	tasks, err := db.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('done', 'wont_do') AND closed_at IS NOT NULL AND closed_at < ?
		ORDER BY closed_at ASC`, cutoff)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	byQuarter := make(map[string][]*models.Task)
	for _, t := range tasks {
		byQuarter[quarterKey(*t.ClosedAt)] = append(byQuarter[quarterKey(*t.ClosedAt)], t)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.NewStore("compact", err)
	}
	defer tx.Rollback()

	periods := make([]string, 0, len(byQuarter))
	for p := range byQuarter {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	for _, period := range periods {
		group := byQuarter[period]
		if err := insertSummary(ctx, tx, period, group); err != nil {
			return 0, err
		}
		for _, t := range group {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, t.ID); err != nil {
				return 0, errs.NewStore("compact", err)
			}
			if err := deleteTaskRelations(ctx, tx, t.ID); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.NewStore("compact", err)
	}

	db.triggerChange(ctx)
	return len(tasks), nil
}

func quarterKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}

func insertSummary(ctx context.Context, exec executor, period string, group []*models.Task) error {
	ids := make([]string, len(group))
	titles := make([]string, 0, summaryTitleLimit)
	labelSet := make(map[string]bool)
	for i, t := range group {
		ids[i] = t.ID
		if len(titles) < summaryTitleLimit {
			titles = append(titles, t.Title)
		}
		for _, l := range t.Labels {
			labelSet[l] = true
		}
	}

	summary := fmt.Sprintf("Compacted %d tasks: %s", len(group), strings.Join(titles, "; "))
	if len(group) > summaryTitleLimit {
		summary += fmt.Sprintf("; and %d more", len(group)-summaryTitleLimit)
	}

	labels := make([]string, 0, len(labelSet))
	for l := range labelSet {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	labelsJSON, _ := json.Marshal(labels)
	idsJSON, _ := json.Marshal(ids)

	_, err := exec.ExecContext(ctx, `
		INSERT INTO task_summaries (id, period, summary, labels, task_ids, task_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), period, summary, string(labelsJSON), string(idsJSON), len(group))
	if err != nil {
		return errs.NewStore("insert summary", err)
	}
	return nil
}

// GetSummaries returns compaction summaries, newest period first.
func (db *DB) GetSummaries(ctx context.Context) ([]*models.TaskSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, period, summary, labels, task_ids, task_count, created_at
		FROM task_summaries ORDER BY period DESC`)
	if err != nil {
		return nil, errs.NewStore("get summaries", err)
	}
	defer rows.Close()

	var summaries []*models.TaskSummary
	for rows.Next() {
		s := &models.TaskSummary{}
		var labels, ids string
		if err := rows.Scan(&s.ID, &s.Period, &s.Summary, &labels, &ids, &s.TaskCount, &s.CreatedAt); err != nil {
			return nil, errs.NewStore("scan summary", err)
		}
		if err := json.Unmarshal([]byte(labels), &s.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode summary labels: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &s.TaskIDs); err != nil {
			return nil, fmt.Errorf("failed to decode summary task ids: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("get summaries", err)
	}
	return summaries, nil
}
