package entities

import (
	"strings"
	"time"

	"treechat/domain/core/valueobjects"
	"treechat/domain/events"
	pkgerrors "treechat/pkg/errors"
)

// Session is one conversation tree. The root node id stays zero until the
// first question materializes a root.
type Session struct {
	id        valueobjects.SessionID
	name      string
	rootID    valueobjects.NodeID
	synced    bool
	createdAt time.Time
	updatedAt time.Time

	events []events.DomainEvent
}

func NewSession(id valueobjects.SessionID, name string, synced bool) (*Session, error) {
	if id.IsZero() {
		return nil, pkgerrors.NewValidationError("session id cannot be empty")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, pkgerrors.NewValidationError("session name cannot be empty")
	}
	now := time.Now()
	s := &Session{id: id, name: name, synced: synced, createdAt: now, updatedAt: now}
	s.events = append(s.events, events.NewSessionCreated(id, name, synced, now))
	return s, nil
}

func ReconstructSession(id valueobjects.SessionID, name string, root valueobjects.NodeID, synced bool, createdAt, updatedAt time.Time) *Session {
	return &Session{id: id, name: name, rootID: root, synced: synced, createdAt: createdAt, updatedAt: updatedAt}
}

func (s *Session) ID() valueobjects.SessionID      { return s.id }
func (s *Session) Name() string                    { return s.name }
func (s *Session) RootNodeID() valueobjects.NodeID { return s.rootID }
func (s *Session) HasRoot() bool                   { return !s.rootID.IsZero() }
func (s *Session) Synced() bool                    { return s.synced }
func (s *Session) CreatedAt() time.Time            { return s.createdAt }
func (s *Session) UpdatedAt() time.Time            { return s.updatedAt }

func (s *Session) GetUncommittedEvents() []events.DomainEvent { return s.events }
func (s *Session) MarkEventsAsCommitted()                     { s.events = nil }

// SetRoot records the session's root. A root can be set once.
func (s *Session) SetRoot(id valueobjects.NodeID) error {
	if s.HasRoot() && !s.rootID.Equals(id) {
		return pkgerrors.NewValidationError("session already has a root node")
	}
	s.rootID = id
	s.updatedAt = time.Now()
	return nil
}

// Touch bumps the update timestamp.
func (s *Session) Touch() { s.updatedAt = time.Now() }
