package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

// SendMessage stores an addressed or broadcast message. An empty To
// reaches every agent polling the channel.
func (db *DB) SendMessage(ctx context.Context, m *models.AgentMessage) error {
	if m.From == "" {
		return errs.NewValidation("from", "sender is required")
	}
	if m.Channel == "" {
		m.Channel = "general"
	}
	if m.Type == "" {
		m.Type = models.MessageNotification
	}
	m.ID = uuid.New().String()

	_, err := db.ExecContext(ctx, `
		INSERT INTO agent_messages (id, channel, from_agent, to_agent, type, payload, priority, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Channel, m.From, m.To, m.Type, m.Payload, m.Priority, sqlTimePtr(m.ExpiresAt))
	if err != nil {
		return errs.NewStore("send message", err)
	}
	return nil
}

// MessagesFor returns unexpired messages addressed to the agent or
// broadcast, urgent first then oldest first.
func (db *DB) MessagesFor(ctx context.Context, agentID, channel string, limit int) ([]*models.AgentMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, channel, from_agent, to_agent, type, payload, priority, created_at, expires_at
		FROM agent_messages
		WHERE to_agent IN ('', ?)
		  AND from_agent <> ?
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)`
	args := []any{agentID, agentID}
	if channel != "" {
		query += ` AND channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.NewStore("fetch messages", err)
	}
	defer rows.Close()

	var msgs []*models.AgentMessage
	for rows.Next() {
		m := &models.AgentMessage{}
		if err := rows.Scan(&m.ID, &m.Channel, &m.From, &m.To, &m.Type, &m.Payload, &m.Priority, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, errs.NewStore("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore("fetch messages", err)
	}
	return msgs, nil
}

// DeleteExpiredMessages purges messages past their expiry.
func (db *DB) DeleteExpiredMessages(ctx context.Context) (int, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM agent_messages WHERE expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, errs.NewStore("delete expired messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewStore("delete expired messages", err)
	}
	return int(n), nil
}

// DeleteMessagesBefore purges messages created before the cutoff
// regardless of expiry.
func (db *DB) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM agent_messages WHERE created_at < ?`, sqlTime(cutoff))
	if err != nil {
		return 0, errs.NewStore("delete messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewStore("delete messages", err)
	}
	return int(n), nil
}

// CountPendingMessages counts unexpired messages in the store.
func (db *DB) CountPendingMessages(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_messages
		WHERE expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP`).Scan(&n)
	if err != nil {
		return 0, errs.NewStore("count messages", err)
	}
	return n, nil
}
