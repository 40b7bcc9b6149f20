package valueobjects

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// SessionID identifies one conversation tree.
type SessionID struct {
	value string
}

// NewLocalSessionID mints a session id when the server could not be reached.
func NewLocalSessionID() SessionID {
	return SessionID{value: LocalIDPrefix + uuid.New().String()}
}

func NewSessionIDFromString(id string) (SessionID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SessionID{}, errors.New("session ID cannot be empty")
	}
	if strings.ContainsRune(id, KeySeparator) {
		return SessionID{}, errors.New("session ID cannot contain ':'")
	}
	return SessionID{value: id}, nil
}

func MustSessionID(id string) SessionID {
	s, err := NewSessionIDFromString(id)
	if err != nil {
		panic(err)
	}
	return s
}

func (id SessionID) String() string              { return id.value }
func (id SessionID) Equals(other SessionID) bool { return id.value == other.value }
func (id SessionID) IsZero() bool                { return id.value == "" }
func (id SessionID) IsLocal() bool               { return strings.HasPrefix(id.value, LocalIDPrefix) }

func (id SessionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

func (id *SessionID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("SessionID must be a string")
	}
	id.value = s
	return nil
}
