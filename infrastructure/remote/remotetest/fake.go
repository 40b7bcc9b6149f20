// Package remotetest provides an in-memory RemoteAPI with failure injection.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"treechat/application/ports"
	pkgerrors "treechat/pkg/errors"
)

// Operation names accepted by Fail.
const (
	OpCreateSession = "createSession"
	OpGetSession    = "getSession"
	OpDeleteSession = "deleteSession"
	OpGetTree       = "getTree"
	OpCreateNode    = "createNode"
	OpAsk           = "ask"
	OpListQAPairs   = "listQAPairs"
	OpGetContext    = "getContext"
	OpUpdateContext = "updateContext"
)

// ErrInjected is the cause of every injected failure.
var ErrInjected = errors.New("injected failure")

// Fake is a RemoteAPI backed by maps.
type Fake struct {
	mu sync.Mutex

	sessions map[string]*ports.RemoteSession
	nodes    map[string]*ports.RemoteNode
	order    []string
	contexts map[string]*ports.RemoteContext

	failures map[string]int // remaining failures per op, -1 for always
	calls    map[string]int
	seq      int

	// Answer produces the assistant reply for a question.
	Answer func(question string) string
	// EagerRoot makes CreateSession also create an empty root node.
	EagerRoot bool
	// IgnoreContextUpdates acknowledges PUT /contexts without applying it.
	IgnoreContextUpdates bool
	// TreeWithoutQAPairs answers GET /tree with bare nodes, as servers that
	// only serve pairs from /nodes/{id}/qa_pairs do.
	TreeWithoutQAPairs bool
}

func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]*ports.RemoteSession),
		nodes:    make(map[string]*ports.RemoteNode),
		contexts: make(map[string]*ports.RemoteContext),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		Answer:   func(q string) string { return "answer to " + q },
	}
}

// Fail makes the next n calls to op fail with RemoteUnavailable; n < 0 fails forever.
func (f *Fake) Fail(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// NodeCount returns the number of nodes the server holds.
func (f *Fake) NodeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes)
}

// enter records a call and reports an injected failure, if any. Callers hold f.mu.
func (f *Fake) enter(op string) error {
	f.calls[op]++
	switch n := f.failures[op]; {
	case n < 0:
		return pkgerrors.NewRemoteUnavailableError(op, ErrInjected)
	case n > 0:
		f.failures[op] = n - 1
		return pkgerrors.NewRemoteUnavailableError(op, ErrInjected)
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) CreateSession(_ context.Context, name string) (*ports.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCreateSession); err != nil {
		return nil, err
	}
	now := time.Now()
	s := &ports.RemoteSession{ID: f.nextID("s"), Name: name, CreatedAt: now, UpdatedAt: now}
	if f.EagerRoot {
		root := &ports.RemoteNode{ID: f.nextID("n"), SessionID: s.ID, CreatedAt: now, UpdatedAt: now}
		f.nodes[root.ID] = root
		f.order = append(f.order, root.ID)
		s.RootNodeID = root.ID
	}
	f.sessions[s.ID] = s
	out := *s
	return &out, nil
}

func (f *Fake) GetSession(_ context.Context, id string) (*ports.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpGetSession); err != nil {
		return nil, err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("session")
	}
	out := *s
	return &out, nil
}

func (f *Fake) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpDeleteSession); err != nil {
		return err
	}
	if _, ok := f.sessions[id]; !ok {
		return pkgerrors.NewNotFoundError("session")
	}
	delete(f.sessions, id)
	for nid, n := range f.nodes {
		if n.SessionID == id {
			delete(f.nodes, nid)
		}
	}
	return nil
}

func (f *Fake) GetTree(_ context.Context, sessionID string, includeQA bool) (*ports.RemoteTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpGetTree); err != nil {
		return nil, err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, pkgerrors.NewNotFoundError("session")
	}
	tree := &ports.RemoteTree{}
	for _, id := range f.order {
		n, ok := f.nodes[id]
		if !ok || n.SessionID != sessionID {
			continue
		}
		cp := *n
		if !includeQA || f.TreeWithoutQAPairs {
			cp.QAPairs = nil
		} else {
			cp.QAPairs = append([]ports.QAPair(nil), n.QAPairs...)
		}
		tree.Nodes = append(tree.Nodes, cp)
		if n.ParentID != "" {
			tree.Edges = append(tree.Edges, ports.RemoteEdge{Source: n.ParentID, Target: n.ID})
		}
	}
	return tree, nil
}

func (f *Fake) CreateNode(_ context.Context, req ports.CreateNodeRequest) (*ports.RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCreateNode); err != nil {
		return nil, err
	}
	s, ok := f.sessions[req.SessionID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("session")
	}
	if req.ParentID != "" {
		if _, ok := f.nodes[req.ParentID]; !ok {
			return nil, pkgerrors.NewNotFoundError("parent node")
		}
	}
	now := time.Now()
	n := &ports.RemoteNode{
		ID:        f.nextID("n"),
		SessionID: req.SessionID,
		ParentID:  req.ParentID,
		Question:  req.Question,
		IsFork:    req.IsFork,
		ContextID: req.ContextID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.nodes[n.ID] = n
	f.order = append(f.order, n.ID)
	if req.ParentID == "" && s.RootNodeID == "" {
		s.RootNodeID = n.ID
	}
	out := *n
	return &out, nil
}

func (f *Fake) Ask(_ context.Context, nodeID, question string) (*ports.QAPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpAsk); err != nil {
		return nil, err
	}
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("node")
	}
	qa := ports.QAPair{
		ID:        f.nextID("qa"),
		NodeID:    nodeID,
		Question:  question,
		Answer:    f.Answer(question),
		CreatedAt: time.Now(),
	}
	n.QAPairs = append(n.QAPairs, qa)
	return &qa, nil
}

func (f *Fake) ListQAPairs(_ context.Context, nodeID string) ([]ports.QAPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpListQAPairs); err != nil {
		return nil, err
	}
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("node")
	}
	return append([]ports.QAPair(nil), n.QAPairs...), nil
}

func (f *Fake) GetContext(_ context.Context, key string) (*ports.RemoteContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpGetContext); err != nil {
		return nil, err
	}
	c, ok := f.contexts[key]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("context")
	}
	out := *c
	return &out, nil
}

func (f *Fake) UpdateContext(_ context.Context, key, activeNodeID string) (*ports.RemoteContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpUpdateContext); err != nil {
		return nil, err
	}
	c, ok := f.contexts[key]
	if !ok {
		c = &ports.RemoteContext{ContextID: key}
		if !f.IgnoreContextUpdates {
			f.contexts[key] = c
		}
	}
	if f.IgnoreContextUpdates {
		out := *c
		out.ActiveNodeID = activeNodeID
		return &out, nil
	}
	c.ActiveNodeID = activeNodeID
	c.Source = "api"
	out := *c
	return &out, nil
}

// SetContext seeds a server-side context pointer.
func (f *Fake) SetContext(key, activeNodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts[key] = &ports.RemoteContext{ContextID: key, ActiveNodeID: activeNodeID}
}

// PutNode seeds a node as the server would return it. The node is listed
// under n.SessionID, which need not be a known session.
func (f *Fake) PutNode(n ports.RemoteNode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[n.ID]; !ok {
		f.order = append(f.order, n.ID)
	}
	cp := n
	cp.QAPairs = append([]ports.QAPair(nil), n.QAPairs...)
	f.nodes[n.ID] = &cp
}

var _ ports.RemoteAPI = (*Fake)(nil)
