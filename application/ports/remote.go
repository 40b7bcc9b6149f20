package ports

import (
	"context"
	"time"
)

// RemoteAPI is the conversation server this engine mirrors. Implementations
// return pkg/errors typed errors: NotFound for missing resources and
// RemoteUnavailable for transport or 5xx failures.
type RemoteAPI interface {
	CreateSession(ctx context.Context, name string) (*RemoteSession, error)
	GetSession(ctx context.Context, sessionID string) (*RemoteSession, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// GetTree returns every node and edge of a session; includeQA fills QAPairs.
	GetTree(ctx context.Context, sessionID string, includeQA bool) (*RemoteTree, error)

	CreateNode(ctx context.Context, req CreateNodeRequest) (*RemoteNode, error)

	// Ask records question on the node and returns the answered pair.
	Ask(ctx context.Context, nodeID, question string) (*QAPair, error)
	ListQAPairs(ctx context.Context, nodeID string) ([]QAPair, error)

	GetContext(ctx context.Context, contextKey string) (*RemoteContext, error)
	UpdateContext(ctx context.Context, contextKey, activeNodeID string) (*RemoteContext, error)
}

// RemoteSession mirrors the server's session resource.
type RemoteSession struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RootNodeID string    `json:"root_node_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RemoteNode mirrors the server's node resource.
type RemoteNode struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Label     string    `json:"label,omitempty"`
	Question  string    `json:"question,omitempty"`
	IsFork    bool      `json:"is_fork,omitempty"`
	ContextID string    `json:"context_id,omitempty"`
	QAPairs   []QAPair  `json:"qa_pairs,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RemoteEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type RemoteTree struct {
	Nodes []RemoteNode `json:"nodes"`
	Edges []RemoteEdge `json:"edges"`
}

// QAPair is one answered (or pending) question on a node.
type QAPair struct {
	ID        string    `json:"id,omitempty"`
	NodeID    string    `json:"node_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateNodeRequest is the body of POST /nodes. An empty ParentID creates a root.
type CreateNodeRequest struct {
	SessionID string `json:"session_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Question  string `json:"question,omitempty"`
	IsFork    bool   `json:"is_fork,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

// RemoteContext mirrors the server's record of a context's active node.
type RemoteContext struct {
	ContextID         string `json:"context_id"`
	Mode              string `json:"mode"`
	SessionID         string `json:"session_id"`
	ContextRootNodeID string `json:"context_root_node_id,omitempty"`
	ActiveNodeID      string `json:"active_node_id,omitempty"`
	Source            string `json:"source,omitempty"`
}
