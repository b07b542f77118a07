package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

const agentColumns = `id, name, session_id, status, current_task, branch, capabilities, started_at, last_heartbeat`

func scanAgent(s rowScanner) (*models.AgentRegistryEntry, error) {
	a := &models.AgentRegistryEntry{}
	var caps string
	err := s.Scan(&a.ID, &a.Name, &a.SessionID, &a.Status, &a.CurrentTask, &a.Branch, &caps, &a.StartedAt, &a.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities for agent %s: %w", a.ID, err)
	}
	return a, nil
}

// RegisterAgent upserts an agent registration. Re-registering an
// existing id starts a fresh session.
func (db *DB) RegisterAgent(ctx context.Context, a *models.AgentRegistryEntry) error {
	if a.ID == "" {
		return errs.NewValidation("id", "agent id is required")
	}
	if a.Status == "" {
		a.Status = models.AgentStatusActive
	}
	a.SessionID = uuid.New().String()

	caps, _ := json.Marshal(a.Capabilities)
	if a.Capabilities == nil {
		caps = []byte("[]")
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO agents (id, name, session_id, status, current_task, branch, capabilities)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			session_id = excluded.session_id,
			status = excluded.status,
			branch = excluded.branch,
			capabilities = excluded.capabilities,
			started_at = CURRENT_TIMESTAMP,
			last_heartbeat = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.SessionID, a.Status, a.CurrentTask, a.Branch, string(caps))
	if err != nil {
		return errs.NewStore("register agent", err)
	}
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp.
func (db *DB) Heartbeat(ctx context.Context, agentID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?`, agentID)
	if err != nil {
		return errs.NewStore("heartbeat", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errs.NewStore("heartbeat", err)
	}
	if rows == 0 {
		return errs.NewNotFound("agent", agentID)
	}
	return nil
}

// UpdateAgentStatus moves an agent through its lifecycle.
func (db *DB) UpdateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	res, err := db.ExecContext(ctx,
		`UPDATE agents SET status = ?, last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?`, status, agentID)
	if err != nil {
		return errs.NewStore("update agent status", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errs.NewStore("update agent status", err)
	}
	if rows == 0 {
		return errs.NewNotFound("agent", agentID)
	}
	return nil
}

// GetAgent returns an agent by id, or nil if unregistered.
func (db *DB) GetAgent(ctx context.Context, agentID string) (*models.AgentRegistryEntry, error) {
	a, err := scanAgent(db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewStore("get agent", err)
	}
	return a, nil
}

// ListAgents returns all registered agents, most recently alive first.
func (db *DB) ListAgents(ctx context.Context) ([]*models.AgentRegistryEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, errs.NewStore("list agents", err)
	}
	defer rows.Close()

	var agents []*models.AgentRegistryEntry
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errs.NewStore("scan agent", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("list agents", err)
	}
	return agents, nil
}

// CountAgentsByStatus returns how many agents are in the given status.
func (db *DB) CountAgentsByStatus(ctx context.Context, status models.AgentStatus) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, errs.NewStore("count agents", err)
	}
	return n, nil
}

// MarkStaleAgents fails live agents whose last heartbeat predates the
// threshold, and returns their ids so the caller can release their
// work.
func (db *DB) MarkStaleAgents(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := sqlTime(time.Now().Add(-olderThan))
	rows, err := db.QueryContext(ctx, `
		UPDATE agents SET status = 'failed'
		WHERE status IN ('active', 'idle') AND last_heartbeat < ?
		RETURNING id`, cutoff)
	if err != nil {
		return nil, errs.NewStore("mark stale agents", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.NewStore("mark stale agents", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("mark stale agents", err)
	}
	return ids, nil
}
