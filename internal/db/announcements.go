package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

const announcementColumns = `id, agent_id, resource, intent, description, files, estimated_done, announced_at, completed_at`

func scanAnnouncement(s rowScanner) (*models.WorkAnnouncement, error) {
	a := &models.WorkAnnouncement{}
	var files string
	err := s.Scan(&a.ID, &a.AgentID, &a.Resource, &a.Intent, &a.Description, &files,
		&a.EstimatedDone, &a.AnnouncedAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &a.Files); err != nil {
		return nil, fmt.Errorf("failed to decode announcement files: %w", err)
	}
	return a, nil
}

// CreateAnnouncement records a declaration of intent on a resource.
// Announcements are advisory; nothing stops two agents announcing
// the same resource, which is exactly what overlap detection reports.
func (db *DB) CreateAnnouncement(ctx context.Context, a *models.WorkAnnouncement) error {
	if a.AgentID == "" {
		return errs.NewValidation("agent_id", "agent id is required")
	}
	if a.Resource == "" {
		return errs.NewValidation("resource", "resource is required")
	}
	if !a.Intent.Valid() {
		return errs.NewValidation("intent", fmt.Sprintf("unknown intent %q", a.Intent))
	}
	a.ID = uuid.New().String()

	files, _ := json.Marshal(a.Files)
	if a.Files == nil {
		files = []byte("[]")
	}

	err := db.QueryRowContext(ctx, `
		INSERT INTO work_announcements (id, agent_id, resource, intent, description, files, estimated_done)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING announced_at`,
		a.ID, a.AgentID, a.Resource, a.Intent, a.Description, string(files),
		sqlTimePtr(a.EstimatedDone)).Scan(&a.AnnouncedAt)
	if err != nil {
		return errs.NewStore("create announcement", err)
	}
	return nil
}

// ActiveAnnouncements returns every announcement not yet completed,
// oldest first.
func (db *DB) ActiveAnnouncements(ctx context.Context) ([]*models.WorkAnnouncement, error) {
	return db.queryAnnouncements(ctx, `
		SELECT `+announcementColumns+` FROM work_announcements
		WHERE completed_at IS NULL
		ORDER BY announced_at ASC, rowid ASC`)
}

// ActiveAnnouncementsByAgent returns an agent's live announcements.
func (db *DB) ActiveAnnouncementsByAgent(ctx context.Context, agentID string) ([]*models.WorkAnnouncement, error) {
	return db.queryAnnouncements(ctx, `
		SELECT `+announcementColumns+` FROM work_announcements
		WHERE completed_at IS NULL AND agent_id = ?
		ORDER BY announced_at ASC, rowid ASC`, agentID)
}

func (db *DB) queryAnnouncements(ctx context.Context, query string, args ...any) ([]*models.WorkAnnouncement, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.NewStore("query announcements", err)
	}
	defer rows.Close()

	var anns []*models.WorkAnnouncement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, errs.NewStore("scan announcement", err)
		}
		anns = append(anns, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("query announcements", err)
	}
	return anns, nil
}

// CompleteAnnouncements closes the agent's live announcements on a
// resource. An empty resource closes all of the agent's work.
func (db *DB) CompleteAnnouncements(ctx context.Context, agentID, resource string) (int, error) {
	query := `
		UPDATE work_announcements SET completed_at = CURRENT_TIMESTAMP
		WHERE completed_at IS NULL AND agent_id = ?`
	args := []any{agentID}
	if resource != "" {
		query += ` AND resource = ?`
		args = append(args, resource)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.NewStore("complete announcements", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewStore("complete announcements", err)
	}
	return int(n), nil
}

// DeleteCompletedAnnouncementsBefore purges announcements completed
// before the cutoff.
func (db *DB) DeleteCompletedAnnouncementsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM work_announcements
		WHERE completed_at IS NOT NULL AND completed_at < ?`, sqlTime(cutoff))
	if err != nil {
		return 0, errs.NewStore("delete announcements", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewStore("delete announcements", err)
	}
	return int(n), nil
}

// CountActiveAnnouncements counts live announcements.
func (db *DB) CountActiveAnnouncements(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_announcements WHERE completed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, errs.NewStore("count announcements", err)
	}
	return n, nil
}

// CountActiveClaims counts rows in the legacy exclusive-claim table.
func (db *DB) CountActiveClaims(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_claims`).Scan(&n)
	if err != nil {
		return 0, errs.NewStore("count claims", err)
	}
	return n, nil
}
