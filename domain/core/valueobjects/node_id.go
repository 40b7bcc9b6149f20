package valueobjects

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// LocalIDPrefix marks ids minted on this side when the server could not be reached.
const LocalIDPrefix = "local-"

// NodeID identifies a conversation node. Server ids are opaque strings; locally
// minted ids carry LocalIDPrefix so they can be told apart later.
type NodeID struct {
	value string
}

// NewLocalNodeID mints an id for a node that exists only on this side.
func NewLocalNodeID() NodeID {
	return NodeID{value: LocalIDPrefix + uuid.New().String()}
}

// NewNodeIDFromString creates a NodeID from an existing string
func NewNodeIDFromString(id string) (NodeID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return NodeID{}, errors.New("node ID cannot be empty")
	}
	if strings.ContainsRune(id, KeySeparator) {
		return NodeID{}, errors.New("node ID cannot contain ':'")
	}
	return NodeID{value: id}, nil
}

// MustNodeID is NewNodeIDFromString for literals known to be valid.
func MustNodeID(id string) NodeID {
	n, err := NewNodeIDFromString(id)
	if err != nil {
		panic(err)
	}
	return n
}

func (id NodeID) String() string { return id.value }

func (id NodeID) Equals(other NodeID) bool { return id.value == other.value }

// IsZero checks if the NodeID is the zero value
func (id NodeID) IsZero() bool { return id.value == "" }

// IsLocal reports whether the id was minted locally rather than by the server.
func (id NodeID) IsLocal() bool { return strings.HasPrefix(id.value, LocalIDPrefix) }

// MarshalJSON implements json.Marshaler. The zero id encodes as null.
func (id NodeID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *NodeID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("NodeID must be a string")
	}
	id.value = s
	return nil
}
