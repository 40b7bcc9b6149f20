package valueobjects

import (
	"fmt"
	"strings"
)

// KeySeparator joins the parts of a context key. Ids may not contain it.
const KeySeparator = ':'

// ContextMode tags the kind of view a context represents.
type ContextMode string

const (
	ModeChat     ContextMode = "chat"
	ModeDeepDive ContextMode = "deepdive"
)

// ContextRef names one view over a session's tree: the main chat, or a
// deep dive opened from a specific origin node.
type ContextRef struct {
	mode      ContextMode
	sessionID SessionID
	originID  NodeID
}

// ChatContext returns the single chat context of a session.
func ChatContext(sessionID SessionID) ContextRef {
	return ContextRef{mode: ModeChat, sessionID: sessionID}
}

// DeepDiveContext returns the deep-dive context rooted at origin.
func DeepDiveContext(origin NodeID, sessionID SessionID) ContextRef {
	return ContextRef{mode: ModeDeepDive, sessionID: sessionID, originID: origin}
}

func (c ContextRef) Mode() ContextMode    { return c.mode }
func (c ContextRef) SessionID() SessionID { return c.sessionID }

// OriginID is the node a deep dive was opened from; zero for chat contexts.
func (c ContextRef) OriginID() NodeID { return c.originID }

func (c ContextRef) IsDeepDive() bool { return c.mode == ModeDeepDive }
func (c ContextRef) IsZero() bool     { return c.mode == "" }

// Key renders the context as "chat:<session>" or "deepdive:<origin>:<session>".
func (c ContextRef) Key() string {
	sep := string(KeySeparator)
	if c.mode == ModeDeepDive {
		return string(ModeDeepDive) + sep + c.originID.String() + sep + c.sessionID.String()
	}
	return string(ModeChat) + sep + c.sessionID.String()
}

func (c ContextRef) String() string { return c.Key() }

// ParseContextRef is the inverse of Key.
func ParseContextRef(key string) (ContextRef, error) {
	parts := strings.Split(key, string(KeySeparator))
	switch {
	case len(parts) == 2 && parts[0] == string(ModeChat):
		sid, err := NewSessionIDFromString(parts[1])
		if err != nil {
			return ContextRef{}, fmt.Errorf("invalid context key %q: %w", key, err)
		}
		return ChatContext(sid), nil
	case len(parts) == 3 && parts[0] == string(ModeDeepDive):
		nid, err := NewNodeIDFromString(parts[1])
		if err != nil {
			return ContextRef{}, fmt.Errorf("invalid context key %q: %w", key, err)
		}
		sid, err := NewSessionIDFromString(parts[2])
		if err != nil {
			return ContextRef{}, fmt.Errorf("invalid context key %q: %w", key, err)
		}
		return DeepDiveContext(nid, sid), nil
	}
	return ContextRef{}, fmt.Errorf("invalid context key %q", key)
}
