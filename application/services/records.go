package services

import (
	"sort"
	"time"

	"treechat/application/ports"
	"treechat/domain/core/entities"
	"treechat/domain/core/valueobjects"
)

// Cache key layout of the local mirror.
const (
	prefixSession  = "sessions:"
	prefixNode     = "nodes:"
	prefixEdges    = "edges:"
	prefixMessages = "messages:"
	prefixPointer  = "context:"
	prefixRead     = "rt:"
)

func SessionKey(id valueobjects.SessionID) string   { return prefixSession + id.String() }
func NodeKey(id valueobjects.NodeID) string         { return prefixNode + id.String() }
func EdgesKey(id valueobjects.SessionID) string     { return prefixEdges + id.String() }
func MessagesKey(id valueobjects.NodeID) string     { return prefixMessages + id.String() }
func PointerKey(ref valueobjects.ContextRef) string { return prefixPointer + ref.Key() }

func remoteSessionKey(id string) string { return prefixRead + "session:" + id }
func remoteTreeKey(id string) string    { return prefixRead + "tree:" + id }
func remoteQAKey(id string) string      { return prefixRead + "qa:" + id }
func remoteContextKey(key string) string {
	return prefixRead + "context:" + key
}

// SessionRecord is the cached form of a session.
type SessionRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RootNodeID string    `json:"root_node_id,omitempty"`
	Synced     bool      `json:"synced"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NodeRecord is the cached form of a node, parent included.
type NodeRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Label     string          `json:"label"`
	IsFork    bool            `json:"is_fork"`
	CreatedIn string          `json:"created_in,omitempty"`
	Turns     []entities.Turn `json:"turns"`
	Synced    bool            `json:"synced"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EdgeRecord is one row of a session's cached edge list.
type EdgeRecord struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// PointerRecord is a context pointer written locally when the server could
// not confirm it.
type PointerRecord struct {
	Context      string    `json:"context"`
	ActiveNodeID string    `json:"active_node_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func NewSessionRecord(s *entities.Session) SessionRecord {
	return SessionRecord{
		ID:         s.ID().String(),
		Name:       s.Name(),
		RootNodeID: s.RootNodeID().String(),
		Synced:     s.Synced(),
		CreatedAt:  s.CreatedAt(),
		UpdatedAt:  s.UpdatedAt(),
	}
}

func (r SessionRecord) ToEntity() (*entities.Session, error) {
	sid, err := valueobjects.NewSessionIDFromString(r.ID)
	if err != nil {
		return nil, err
	}
	var root valueobjects.NodeID
	if r.RootNodeID != "" {
		if root, err = valueobjects.NewNodeIDFromString(r.RootNodeID); err != nil {
			return nil, err
		}
	}
	return entities.ReconstructSession(sid, r.Name, root, r.Synced, r.CreatedAt, r.UpdatedAt), nil
}

func NewNodeRecord(n *entities.Node, parent valueobjects.NodeID) NodeRecord {
	rec := NodeRecord{
		ID:        n.ID().String(),
		SessionID: n.SessionID().String(),
		ParentID:  parent.String(),
		Label:     n.Label(),
		IsFork:    n.IsFork(),
		Turns:     n.Turns(),
		Synced:    n.Synced(),
		CreatedAt: n.CreatedAt(),
		UpdatedAt: n.UpdatedAt(),
	}
	if !n.CreatedIn().IsZero() {
		rec.CreatedIn = n.CreatedIn().Key()
	}
	return rec
}

func (r NodeRecord) ToEntity() (*entities.Node, error) {
	id, err := valueobjects.NewNodeIDFromString(r.ID)
	if err != nil {
		return nil, err
	}
	sid, err := valueobjects.NewSessionIDFromString(r.SessionID)
	if err != nil {
		return nil, err
	}
	var createdIn valueobjects.ContextRef
	if r.CreatedIn != "" {
		if createdIn, err = valueobjects.ParseContextRef(r.CreatedIn); err != nil {
			return nil, err
		}
	}
	return entities.ReconstructNode(id, sid, r.Label, r.IsFork, createdIn, r.Turns, r.Synced, r.CreatedAt, r.UpdatedAt), nil
}

// NodeFromRemote converts a server node and its QA pairs into an entity.
func NodeFromRemote(rn ports.RemoteNode, label func(string) string) (*entities.Node, error) {
	id, err := valueobjects.NewNodeIDFromString(rn.ID)
	if err != nil {
		return nil, err
	}
	sid, err := valueobjects.NewSessionIDFromString(rn.SessionID)
	if err != nil {
		return nil, err
	}
	var createdIn valueobjects.ContextRef
	if rn.ContextID != "" {
		// Older servers send free-form context ids; those are ignored.
		createdIn, _ = valueobjects.ParseContextRef(rn.ContextID)
	}

	// Turns follow creation order whatever order the server lists pairs in.
	pairs := append([]ports.QAPair(nil), rn.QAPairs...)
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].CreatedAt.Before(pairs[j].CreatedAt) })

	turns := make([]entities.Turn, 0, len(pairs))
	for i, qa := range pairs {
		turns = append(turns, entities.Turn{
			Seq:        i,
			Question:   qa.Question,
			Answer:     qa.Answer,
			Answered:   qa.Answer != "",
			AskedAt:    qa.CreatedAt,
			AnsweredAt: qa.CreatedAt,
		})
	}
	if len(turns) == 0 && rn.Question != "" {
		turns = append(turns, entities.Turn{Seq: 0, Question: rn.Question, AskedAt: rn.CreatedAt})
	}

	nodeLabel := rn.Label
	if nodeLabel == "" && len(turns) > 0 {
		nodeLabel = label(turns[0].Question)
	}
	return entities.ReconstructNode(id, sid, nodeLabel, rn.IsFork, createdIn, turns, true, rn.CreatedAt, rn.UpdatedAt), nil
}
