package aggregates

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"treechat/domain/core/entities"
	"treechat/domain/core/valueobjects"
)

var (
	ErrNilNode        = errors.New("node cannot be nil")
	ErrNodeNotFound   = errors.New("node not found")
	ErrSessionMissing = errors.New("session not found")
	ErrSelfEdge       = errors.New("cannot connect node to itself")
	ErrSecondParent   = errors.New("target already has a parent")
	ErrEdgeCycle      = errors.New("edge would create a cycle")
)

// Edge is a directed parent to child link.
type Edge struct {
	Source    valueobjects.NodeID `json:"source"`
	Target    valueobjects.NodeID `json:"target"`
	CreatedAt time.Time           `json:"created_at"`
}

// Graph holds the nodes and edges of every loaded session in one shared set.
// Callers scope to a session by walking from its root. Tree shape lives
// only in the edge indexes: children keeps insertion order, parents is the
// reverse index that makes ParentOf constant time.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[valueobjects.NodeID]*entities.Node
	children map[valueobjects.NodeID][]valueobjects.NodeID
	parents  map[valueobjects.NodeID]Edge
	sessions map[valueobjects.SessionID]*entities.Session
}

func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[valueobjects.NodeID]*entities.Node),
		children: make(map[valueobjects.NodeID][]valueobjects.NodeID),
		parents:  make(map[valueobjects.NodeID]Edge),
		sessions: make(map[valueobjects.SessionID]*entities.Session),
	}
}

// AddNode stores node. Adding an id that already exists is a no-op that
// returns the stored node and false.
func (g *Graph) AddNode(node *entities.Node) (*entities.Node, bool, error) {
	if node == nil {
		return nil, false, ErrNilNode
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.nodes[node.ID()]; ok {
		return existing, false, nil
	}
	g.nodes[node.ID()] = node
	return node, true, nil
}

// AddEdge links source to target. It rejects unknown endpoints, self edges,
// a second parent for target, and any edge that would close a cycle.
// Re-adding the existing edge is a no-op.
func (g *Graph) AddEdge(source, target valueobjects.NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkEdge(source, target); err != nil {
		return err
	}
	if existing, ok := g.parents[target]; ok && existing.Source.Equals(source) {
		return nil
	}
	for cur, seen := source, map[valueobjects.NodeID]bool{}; !cur.IsZero() && !seen[cur]; {
		if cur.Equals(target) {
			return fmt.Errorf("%w: %s -> %s", ErrEdgeCycle, source, target)
		}
		seen[cur] = true
		cur = g.parents[cur].Source
	}
	g.link(source, target)
	return nil
}

// LoadEdge admits a stored edge without the cycle check so that corrupted
// data can still be represented and later detected by the path resolver.
// The single parent rule still holds.
func (g *Graph) LoadEdge(source, target valueobjects.NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkEdge(source, target); err != nil {
		return err
	}
	if existing, ok := g.parents[target]; ok && existing.Source.Equals(source) {
		return nil
	}
	g.link(source, target)
	return nil
}

func (g *Graph) checkEdge(source, target valueobjects.NodeID) error {
	if _, ok := g.nodes[source]; !ok {
		return fmt.Errorf("%w: source %s", ErrNodeNotFound, source)
	}
	if _, ok := g.nodes[target]; !ok {
		return fmt.Errorf("%w: target %s", ErrNodeNotFound, target)
	}
	if source.Equals(target) {
		return ErrSelfEdge
	}
	if existing, ok := g.parents[target]; ok && !existing.Source.Equals(source) {
		return fmt.Errorf("%w: %s has parent %s", ErrSecondParent, target, existing.Source)
	}
	return nil
}

func (g *Graph) link(source, target valueobjects.NodeID) {
	g.parents[target] = Edge{Source: source, Target: target, CreatedAt: time.Now()}
	g.children[source] = append(g.children[source], target)
}

// Node returns the stored node. Mutations must go through UpdateNode.
func (g *Graph) Node(id valueobjects.NodeID) (*entities.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) HasNode(id valueobjects.NodeID) bool {
	_, ok := g.Node(id)
	return ok
}

// ReadNode calls fn with the node while holding the read lock.
func (g *Graph) ReadNode(id valueobjects.NodeID, fn func(*entities.Node)) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if ok {
		fn(n)
	}
	return ok
}

// UpdateNode calls fn with the node while holding the write lock.
func (g *Graph) UpdateNode(id valueobjects.NodeID, fn func(*entities.Node) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return fn(n)
}

// ChildrenOf returns the children of id in the order they were linked.
func (g *Graph) ChildrenOf(id valueobjects.NodeID) []valueobjects.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]valueobjects.NodeID, len(g.children[id]))
	copy(out, g.children[id])
	return out
}

// ParentOf returns the parent of id, or false for roots and unknown ids.
func (g *Graph) ParentOf(id valueobjects.NodeID) (valueobjects.NodeID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.parents[id]
	return e.Source, ok
}

// ReachableFrom returns every node reachable from root, root included, in
// breadth-first order. Unknown roots yield nil.
func (g *Graph) ReachableFrom(root valueobjects.NodeID) []valueobjects.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reachable(root)
}

func (g *Graph) reachable(root valueobjects.NodeID) []valueobjects.NodeID {
	if _, ok := g.nodes[root]; !ok {
		return nil
	}
	visited := map[valueobjects.NodeID]bool{root: true}
	order := []valueobjects.NodeID{root}
	for i := 0; i < len(order); i++ {
		for _, child := range g.children[order[i]] {
			if !visited[child] {
				visited[child] = true
				order = append(order, child)
			}
		}
	}
	return order
}

// RemoveSubtree deletes root and everything below it, including the edge
// into root. It returns the removed node ids.
func (g *Graph) RemoveSubtree(root valueobjects.NodeID) []valueobjects.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := g.reachable(root)
	if len(removed) == 0 {
		return nil
	}
	if e, ok := g.parents[root]; ok {
		siblings := g.children[e.Source]
		for i, id := range siblings {
			if id.Equals(root) {
				g.children[e.Source] = append(siblings[:i:i], siblings[i+1:]...)
				break
			}
		}
	}
	for _, id := range removed {
		delete(g.nodes, id)
		delete(g.children, id)
		delete(g.parents, id)
	}
	return removed
}

// EdgesWithin returns the edges whose endpoints are both in ids.
func (g *Graph) EdgesWithin(ids []valueobjects.NodeID) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	in := make(map[valueobjects.NodeID]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	var out []Edge
	for _, id := range ids {
		if e, ok := g.parents[id]; ok && in[e.Source] {
			out = append(out, e)
		}
	}
	return out
}

// NodesInSession returns every node tagged with session, linked or not.
func (g *Graph) NodesInSession(session valueobjects.SessionID) []valueobjects.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []valueobjects.NodeID
	for id, n := range g.nodes {
		if n.SessionID().Equals(session) {
			out = append(out, id)
		}
	}
	return out
}

func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// AddSession stores s unless a session with the same id exists, in which
// case the stored one is returned.
func (g *Graph) AddSession(s *entities.Session) *entities.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.sessions[s.ID()]; ok {
		return existing
	}
	g.sessions[s.ID()] = s
	return s
}

func (g *Graph) Session(id valueobjects.SessionID) (*entities.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// UpdateSession calls fn with the session while holding the write lock.
func (g *Graph) UpdateSession(id valueobjects.SessionID, fn func(*entities.Session) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionMissing, id)
	}
	return fn(s)
}

// ClaimRoot makes id the root of the session. When another node became the
// root first, id is linked under that root instead. The returned id is the
// session root after the call; it differs from id when the claim lost.
func (g *Graph) ClaimRoot(sid valueobjects.SessionID, id valueobjects.NodeID) (valueobjects.NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sid]
	if !ok {
		return valueobjects.NodeID{}, fmt.Errorf("%w: %s", ErrSessionMissing, sid)
	}
	root := s.RootNodeID()
	if root.IsZero() || root.Equals(id) {
		if err := s.SetRoot(id); err != nil {
			return valueobjects.NodeID{}, err
		}
		return id, nil
	}
	if err := g.checkEdge(root, id); err != nil {
		return root, err
	}
	if _, linked := g.parents[id]; !linked {
		g.link(root, id)
	}
	return root, nil
}

// SessionRoot returns the root id of the session, zero if it has none yet.
func (g *Graph) SessionRoot(id valueobjects.SessionID) valueobjects.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := g.sessions[id]; ok {
		return s.RootNodeID()
	}
	return valueobjects.NodeID{}
}

// RemoveSession drops the session record. Nodes are removed separately via
// RemoveSubtree.
func (g *Graph) RemoveSession(id valueobjects.SessionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, id)
}

func (g *Graph) Sessions() []*entities.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*entities.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}
