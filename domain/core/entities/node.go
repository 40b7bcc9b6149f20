package entities

import (
	"strings"
	"time"
	"unicode/utf8"

	"treechat/domain/config"
	"treechat/domain/core/valueobjects"
	"treechat/domain/events"
	pkgerrors "treechat/pkg/errors"
)

// Turn is one question and its optional answer inside a node. Turns are
// ordered by Seq, which follows creation order.
type Turn struct {
	Seq        int       `json:"seq"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer,omitempty"`
	Answered   bool      `json:"answered"`
	Fallback   bool      `json:"fallback,omitempty"`
	AskedAt    time.Time `json:"asked_at"`
	AnsweredAt time.Time `json:"answered_at,omitempty"`
}

// Node is one unit of the conversation tree. Its parent is not stored here;
// tree shape is owned by the graph's edge set.
type Node struct {
	id        valueobjects.NodeID
	sessionID valueobjects.SessionID
	label     string
	isFork    bool
	createdIn valueobjects.ContextRef
	turns     []Turn
	nextSeq   int
	synced    bool
	createdAt time.Time
	updatedAt time.Time

	events []events.DomainEvent
}

// NewNode creates a node holding its first question. An empty question is
// allowed only for server-provided roots that have not been asked yet.
func NewNode(id valueobjects.NodeID, sessionID valueobjects.SessionID, question string,
	createdIn valueobjects.ContextRef, isFork, synced bool, cfg *config.DomainConfig) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if id.IsZero() {
		return nil, pkgerrors.NewValidationError("node id cannot be empty")
	}
	if sessionID.IsZero() {
		return nil, pkgerrors.NewValidationError("session id cannot be empty")
	}
	question = strings.TrimSpace(question)
	if utf8.RuneCountInString(question) > cfg.MaxQuestionLength {
		return nil, pkgerrors.NewValidationError("question exceeds maximum length")
	}

	now := time.Now()
	n := &Node{
		id:        id,
		sessionID: sessionID,
		isFork:    isFork,
		createdIn: createdIn,
		synced:    synced,
		createdAt: now,
		updatedAt: now,
	}
	if question != "" {
		n.appendTurn(question, now)
	}
	n.label = MakeLabel(question, cfg)
	return n, nil
}

// ReconstructNode rebuilds a node from stored or remote data.
func ReconstructNode(id valueobjects.NodeID, sessionID valueobjects.SessionID, label string, isFork bool,
	createdIn valueobjects.ContextRef, turns []Turn, synced bool, createdAt, updatedAt time.Time) *Node {
	n := &Node{
		id:        id,
		sessionID: sessionID,
		label:     label,
		isFork:    isFork,
		createdIn: createdIn,
		synced:    synced,
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
	for _, t := range turns {
		n.turns = append(n.turns, t)
		if t.Seq >= n.nextSeq {
			n.nextSeq = t.Seq + 1
		}
	}
	return n
}

// MakeLabel truncates a question to the configured label length.
func MakeLabel(question string, cfg *config.DomainConfig) string {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	question = strings.TrimSpace(question)
	if utf8.RuneCountInString(question) <= cfg.LabelLength {
		return question
	}
	return string([]rune(question)[:cfg.LabelLength]) + cfg.LabelEllipsis
}

func (n *Node) ID() valueobjects.NodeID                    { return n.id }
func (n *Node) SessionID() valueobjects.SessionID          { return n.sessionID }
func (n *Node) Label() string                              { return n.label }
func (n *Node) IsFork() bool                               { return n.isFork }
func (n *Node) CreatedIn() valueobjects.ContextRef         { return n.createdIn }
func (n *Node) Synced() bool                               { return n.synced }
func (n *Node) CreatedAt() time.Time                       { return n.createdAt }
func (n *Node) UpdatedAt() time.Time                       { return n.updatedAt }
func (n *Node) GetUncommittedEvents() []events.DomainEvent { return n.events }
func (n *Node) MarkEventsAsCommitted()                     { n.events = nil }

// Turns returns a copy of the node's turns in creation order.
func (n *Node) Turns() []Turn {
	out := make([]Turn, len(n.turns))
	copy(out, n.turns)
	return out
}

// Question returns the first question of the node.
func (n *Node) Question() string {
	if len(n.turns) == 0 {
		return ""
	}
	return n.turns[0].Question
}

// HasAnswer reports whether the latest turn has been answered. A node with no
// turns counts as unanswered.
func (n *Node) HasAnswer() bool {
	if len(n.turns) == 0 {
		return false
	}
	return n.turns[len(n.turns)-1].Answered
}

// IsEmpty is true for roots created by the server before any question.
func (n *Node) IsEmpty() bool { return len(n.turns) == 0 }

// LastQuestion returns the most recent user turn, if any.
func (n *Node) LastQuestion() (string, bool) {
	if len(n.turns) == 0 {
		return "", false
	}
	return n.turns[len(n.turns)-1].Question, true
}

// Ask appends a new question turn and returns its sequence number.
func (n *Node) Ask(question string) (int, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return 0, pkgerrors.NewValidationError("question cannot be empty")
	}
	now := time.Now()
	seq := n.appendTurn(question, now)
	if n.label == "" {
		n.label = MakeLabel(question, nil)
	}
	if len(n.turns) > 1 {
		n.events = append(n.events, events.NewNodeExtended(n.id, seq, now))
	}
	return seq, nil
}

// AttachAnswer sets the answer of turn seq. Fallback answers are marked so
// they can be rendered differently.
func (n *Node) AttachAnswer(seq int, answer string, fallback bool) error {
	for i := range n.turns {
		if n.turns[i].Seq != seq {
			continue
		}
		now := time.Now()
		n.turns[i].Answer = answer
		n.turns[i].Answered = true
		n.turns[i].Fallback = fallback
		n.turns[i].AnsweredAt = now
		n.updatedAt = now
		n.events = append(n.events, events.NewAnswerAttached(n.id, seq, fallback, now))
		return nil
	}
	return pkgerrors.NewNotFoundError("turn")
}

// MarkSynced records that the server now owns this node.
func (n *Node) MarkSynced() { n.synced = true }

// Messages flattens the node's turns into user/assistant messages.
func (n *Node) Messages() []valueobjects.Message {
	msgs := make([]valueobjects.Message, 0, len(n.turns)*2)
	for _, t := range n.turns {
		msgs = append(msgs, valueobjects.Message{
			NodeID:    n.id,
			SessionID: n.sessionID,
			Role:      valueobjects.RoleUser,
			Content:   t.Question,
			Timestamp: t.AskedAt,
			Seq:       t.Seq,
		})
		if t.Answered {
			msgs = append(msgs, valueobjects.Message{
				NodeID:    n.id,
				SessionID: n.sessionID,
				Role:      valueobjects.RoleAssistant,
				Content:   t.Answer,
				Timestamp: t.AnsweredAt,
				Seq:       t.Seq,
				Fallback:  t.Fallback,
			})
		}
	}
	return msgs
}

func (n *Node) appendTurn(question string, at time.Time) int {
	seq := n.nextSeq
	n.nextSeq++
	n.turns = append(n.turns, Turn{Seq: seq, Question: question, AskedAt: at})
	n.updatedAt = at
	return seq
}
