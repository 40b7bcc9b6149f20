package services

import (
	"fmt"
	"sort"

	"treechat/domain/core/entities"
	"treechat/domain/core/valueobjects"
	pkgerrors "treechat/pkg/errors"
)

// TreeReader is the read side of the graph store the resolver walks.
type TreeReader interface {
	ParentOf(id valueobjects.NodeID) (valueobjects.NodeID, bool)
	ReachableFrom(root valueobjects.NodeID) []valueobjects.NodeID
	ReadNode(id valueobjects.NodeID, fn func(*entities.Node)) bool
}

// PathResolver linearizes a branch of the tree into an ordered path.
type PathResolver struct {
	tree TreeReader
}

func NewPathResolver(tree TreeReader) *PathResolver {
	return &PathResolver{tree: tree}
}

// PathToRoot returns the path from subtreeRoot down to active, root first.
// A zero or unreachable active yields [subtreeRoot]. If the walk revisits a
// node the partial path collected so far is returned with a corrupted graph
// error.
func (p *PathResolver) PathToRoot(active, subtreeRoot valueobjects.NodeID) ([]valueobjects.NodeID, error) {
	if subtreeRoot.IsZero() {
		return nil, nil
	}
	rootOnly := []valueobjects.NodeID{subtreeRoot}
	if active.IsZero() {
		return rootOnly, nil
	}

	visited := make(map[valueobjects.NodeID]bool)
	var upward []valueobjects.NodeID
	cur := active
	for {
		if visited[cur] {
			return reversed(upward), pkgerrors.NewCorruptedGraphError(
				fmt.Sprintf("cycle detected at node %s while resolving path to %s", cur, subtreeRoot)).
				WithDetail("node_id", cur.String())
		}
		visited[cur] = true
		upward = append(upward, cur)
		if cur.Equals(subtreeRoot) {
			return reversed(upward), nil
		}
		parent, ok := p.tree.ParentOf(cur)
		if !ok {
			return rootOnly, nil
		}
		cur = parent
	}
}

func reversed(ids []valueobjects.NodeID) []valueobjects.NodeID {
	out := make([]valueobjects.NodeID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

// MessagesOnPath flattens the nodes of path into messages, in path order.
// Within a node messages follow turn order so edits to one node stay together.
// Nodes no longer in the graph are skipped.
func (p *PathResolver) MessagesOnPath(path []valueobjects.NodeID) []valueobjects.Message {
	var out []valueobjects.Message
	for _, id := range path {
		p.tree.ReadNode(id, func(n *entities.Node) {
			msgs := n.Messages()
			sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
			out = append(out, msgs...)
		})
	}
	return out
}

// NodesOfSession returns the nodes reachable from a session root.
func (p *PathResolver) NodesOfSession(sessionRoot valueobjects.NodeID) []valueobjects.NodeID {
	if sessionRoot.IsZero() {
		return nil
	}
	return p.tree.ReachableFrom(sessionRoot)
}

// InSession reports whether id belongs to the tree under sessionRoot.
func (p *PathResolver) InSession(id, sessionRoot valueobjects.NodeID) bool {
	for _, n := range p.NodesOfSession(sessionRoot) {
		if n.Equals(id) {
			return true
		}
	}
	return false
}
