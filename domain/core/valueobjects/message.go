package valueobjects

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one rendered line of a conversation. Messages are derived from
// node turns and never stored as the source of truth.
type Message struct {
	NodeID    NodeID    `json:"node_id"`
	SessionID SessionID `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int       `json:"seq"`
	Fallback  bool      `json:"fallback,omitempty"`
}
