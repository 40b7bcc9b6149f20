package events

import (
	"time"

	"treechat/domain/core/valueobjects"
)

// DomainEvent is the base interface for all domain events
type DomainEvent interface {
	GetAggregateID() string
	GetEventType() string
	GetTimestamp() time.Time
	GetVersion() int
}

// BaseEvent provides common event fields
type BaseEvent struct {
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
}

func (e BaseEvent) GetAggregateID() string  { return e.AggregateID }
func (e BaseEvent) GetEventType() string    { return e.EventType }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetVersion() int         { return e.Version }

const (
	TypeSessionCreated = "session.created"
	TypeSessionDeleted = "session.deleted"
	TypeNodeCreated    = "node.created"
	TypeNodeExtended   = "node.extended"
	TypeAnswerAttached = "node.answer_attached"
)

// NodeKind distinguishes how a node entered the tree.
type NodeKind string

const (
	NodeKindRoot  NodeKind = "root"
	NodeKindChild NodeKind = "child"
	NodeKindFork  NodeKind = "fork"
)

// SessionCreated is raised when a new conversation tree is started
type SessionCreated struct {
	BaseEvent
	SessionID valueobjects.SessionID `json:"session_id"`
	Name      string                 `json:"name"`
	Synced    bool                   `json:"synced"`
}

func NewSessionCreated(id valueobjects.SessionID, name string, synced bool, ts time.Time) SessionCreated {
	return SessionCreated{
		BaseEvent: BaseEvent{AggregateID: id.String(), EventType: TypeSessionCreated, Timestamp: ts, Version: 1},
		SessionID: id,
		Name:      name,
		Synced:    synced,
	}
}

// SessionDeleted is raised after a session and everything reachable from it is removed
type SessionDeleted struct {
	BaseEvent
	SessionID    valueobjects.SessionID `json:"session_id"`
	RemovedNodes int                    `json:"removed_nodes"`
}

func NewSessionDeleted(id valueobjects.SessionID, removed int, ts time.Time) SessionDeleted {
	return SessionDeleted{
		BaseEvent:    BaseEvent{AggregateID: id.String(), EventType: TypeSessionDeleted, Timestamp: ts, Version: 1},
		SessionID:    id,
		RemovedNodes: removed,
	}
}

// NodeCreated is raised when a node is added to a session tree
type NodeCreated struct {
	BaseEvent
	NodeID    valueobjects.NodeID    `json:"node_id"`
	SessionID valueobjects.SessionID `json:"session_id"`
	ParentID  valueobjects.NodeID    `json:"parent_id"`
	Kind      NodeKind               `json:"kind"`
	Context   string                 `json:"context"`
	Synced    bool                   `json:"synced"`
}

func NewNodeCreated(id valueobjects.NodeID, session valueobjects.SessionID, parent valueobjects.NodeID,
	kind NodeKind, ctx valueobjects.ContextRef, synced bool, ts time.Time) NodeCreated {
	return NodeCreated{
		BaseEvent: BaseEvent{AggregateID: id.String(), EventType: TypeNodeCreated, Timestamp: ts, Version: 1},
		NodeID:    id,
		SessionID: session,
		ParentID:  parent,
		Kind:      kind,
		Context:   ctx.Key(),
		Synced:    synced,
	}
}

// NodeExtended is raised when another question is appended to an unanswered node
type NodeExtended struct {
	BaseEvent
	NodeID valueobjects.NodeID `json:"node_id"`
	Seq    int                 `json:"seq"`
}

func NewNodeExtended(id valueobjects.NodeID, seq int, ts time.Time) NodeExtended {
	return NodeExtended{
		BaseEvent: BaseEvent{AggregateID: id.String(), EventType: TypeNodeExtended, Timestamp: ts, Version: 1},
		NodeID:    id,
		Seq:       seq,
	}
}

// AnswerAttached is raised when a turn receives its answer
type AnswerAttached struct {
	BaseEvent
	NodeID   valueobjects.NodeID `json:"node_id"`
	Seq      int                 `json:"seq"`
	Fallback bool                `json:"fallback"`
}

func NewAnswerAttached(id valueobjects.NodeID, seq int, fallback bool, ts time.Time) AnswerAttached {
	return AnswerAttached{
		BaseEvent: BaseEvent{AggregateID: id.String(), EventType: TypeAnswerAttached, Timestamp: ts, Version: 1},
		NodeID:    id,
		Seq:       seq,
		Fallback:  fallback,
	}
}
