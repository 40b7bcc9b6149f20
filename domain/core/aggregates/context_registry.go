package aggregates

import (
	"errors"
	"sync"
	"time"

	"treechat/domain/core/valueobjects"
)

// ErrOriginRequired is returned when a deep-dive context is requested without an origin node.
var ErrOriginRequired = errors.New("deepdive context requires an origin node")

// Transition is one recorded move of a context's active-node pointer.
type Transition struct {
	Seq      uint64              `json:"seq"`
	At       time.Time           `json:"at"`
	Reason   string              `json:"reason"`
	Context  string              `json:"context"`
	Previous valueobjects.NodeID `json:"previous"`
	Next     valueobjects.NodeID `json:"next"`
}

// ContextRegistry maps each context to its active node. Last write wins and
// every write is appended to a bounded transition log.
type ContextRegistry struct {
	mu     sync.Mutex
	active map[valueobjects.ContextRef]valueobjects.NodeID
	known  map[valueobjects.ContextRef]struct{}

	log     []Transition
	logNext int
	logSeq  uint64
}

// NewContextRegistry creates a registry whose transition log keeps the last
// logSize writes. A logSize of zero disables the log.
func NewContextRegistry(logSize int) *ContextRegistry {
	r := &ContextRegistry{
		active: make(map[valueobjects.ContextRef]valueobjects.NodeID),
		known:  make(map[valueobjects.ContextRef]struct{}),
	}
	if logSize > 0 {
		r.log = make([]Transition, 0, logSize)
	}
	return r
}

// CreateContextID builds the context for mode. Chat ignores nodeID.
func CreateContextID(mode valueobjects.ContextMode, nodeID valueobjects.NodeID, sessionID valueobjects.SessionID) (valueobjects.ContextRef, error) {
	if sessionID.IsZero() {
		return valueobjects.ContextRef{}, errors.New("session id cannot be empty")
	}
	switch mode {
	case valueobjects.ModeChat:
		return valueobjects.ChatContext(sessionID), nil
	case valueobjects.ModeDeepDive:
		if nodeID.IsZero() {
			return valueobjects.ContextRef{}, ErrOriginRequired
		}
		return valueobjects.DeepDiveContext(nodeID, sessionID), nil
	}
	return valueobjects.ContextRef{}, errors.New("unknown context mode: " + string(mode))
}

// SetActive overwrites the active node of ref. An empty reason is recorded as "unknown".
func (r *ContextRegistry) SetActive(ref valueobjects.ContextRef, next valueobjects.NodeID, reason string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLocked(ref, next, reason)
}

func (r *ContextRegistry) setLocked(ref valueobjects.ContextRef, next valueobjects.NodeID, reason string) Transition {
	if reason == "" {
		reason = "unknown"
	}
	prev := r.active[ref]
	r.active[ref] = next
	r.known[ref] = struct{}{}

	r.logSeq++
	t := Transition{
		Seq:      r.logSeq,
		At:       time.Now(),
		Reason:   reason,
		Context:  ref.Key(),
		Previous: prev,
		Next:     next,
	}
	r.record(t)
	return t
}

func (r *ContextRegistry) record(t Transition) {
	size := cap(r.log)
	if size == 0 {
		return
	}
	if len(r.log) < size {
		r.log = append(r.log, t)
		return
	}
	r.log[r.logNext] = t
	r.logNext = (r.logNext + 1) % size
}

// Active returns the active node of ref; zero when unset.
func (r *ContextRegistry) Active(ref valueobjects.ContextRef) valueobjects.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[ref]
}

// Exists reports whether ref has been referenced before.
func (r *ContextRegistry) Exists(ref valueobjects.ContextRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[ref]
	return ok
}

// Ensure creates ref on first reference with initial as its active node and
// returns the active node. Existing contexts are left untouched.
func (r *ContextRegistry) Ensure(ref valueobjects.ContextRef, initial valueobjects.NodeID, reason string) valueobjects.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[ref]; ok {
		return r.active[ref]
	}
	r.setLocked(ref, initial, reason)
	return initial
}

// Remove forgets ref entirely.
func (r *ContextRegistry) Remove(ref valueobjects.ContextRef, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[ref]; !ok {
		return
	}
	r.setLocked(ref, valueobjects.NodeID{}, reason)
	delete(r.active, ref)
	delete(r.known, ref)
}

// RemoveSession forgets every context of session and returns them.
func (r *ContextRegistry) RemoveSession(session valueobjects.SessionID, reason string) []valueobjects.ContextRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []valueobjects.ContextRef
	for ref := range r.known {
		if ref.SessionID().Equals(session) {
			removed = append(removed, ref)
		}
	}
	for _, ref := range removed {
		r.setLocked(ref, valueobjects.NodeID{}, reason)
		delete(r.active, ref)
		delete(r.known, ref)
	}
	return removed
}

// ForgetNodes clears every pointer that references one of ids. Deep dives
// whose origin is gone are removed. Each cleared pointer is logged with reason.
func (r *ContextRegistry) ForgetNodes(ids []valueobjects.NodeID, reason string) []valueobjects.ContextRef {
	if len(ids) == 0 {
		return nil
	}
	gone := make(map[valueobjects.NodeID]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []valueobjects.ContextRef
	for ref := range r.known {
		switch {
		case ref.IsDeepDive() && gone[ref.OriginID()]:
			r.setLocked(ref, valueobjects.NodeID{}, reason)
			delete(r.active, ref)
			delete(r.known, ref)
			affected = append(affected, ref)
		case gone[r.active[ref]]:
			r.setLocked(ref, valueobjects.NodeID{}, reason)
			affected = append(affected, ref)
		}
	}
	return affected
}

// Contexts lists the known contexts of a session.
func (r *ContextRegistry) Contexts(session valueobjects.SessionID) []valueobjects.ContextRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []valueobjects.ContextRef
	for ref := range r.known {
		if ref.SessionID().Equals(session) {
			out = append(out, ref)
		}
	}
	return out
}

// Transitions returns the retained transitions, oldest first.
func (r *ContextRegistry) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, 0, len(r.log))
	if len(r.log) < cap(r.log) {
		return append(out, r.log...)
	}
	out = append(out, r.log[r.logNext:]...)
	return append(out, r.log[:r.logNext]...)
}

// LastTransition returns the most recent write to ref still in the log.
func (r *ContextRegistry) LastTransition(ref valueobjects.ContextRef) (Transition, bool) {
	all := r.Transitions()
	key := ref.Key()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Context == key {
			return all[i], true
		}
	}
	return Transition{}, false
}
