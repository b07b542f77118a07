package models

import "time"

type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
	MessageClaim        MessageType = "claim"
	MessageRelease      MessageType = "release"
)

// AgentMessage is an addressed or broadcast entry on a channel. An
// empty To means broadcast.
type AgentMessage struct {
	ID        string      `json:"id"`
	Channel   string      `json:"channel"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Payload   string      `json:"payload"`
	Priority  int         `json:"priority"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}
