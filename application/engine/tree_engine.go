// Package engine exposes the conversation tree to callers: submissions,
// paths and messages per context, deep dives and session lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"treechat/application/commands"
	"treechat/application/commands/handlers"
	"treechat/application/ports"
	"treechat/application/sagas"
	"treechat/application/services"
	"treechat/domain/config"
	"treechat/domain/core/aggregates"
	"treechat/domain/core/entities"
	"treechat/domain/core/valueobjects"
	"treechat/domain/events"
	domainservices "treechat/domain/services"
	pkgerrors "treechat/pkg/errors"
)

// SessionResult is a session as seen after create or load. Warnings carry
// recoverable failures that did not stop the operation.
type SessionResult struct {
	Session  *entities.Session
	Context  valueobjects.ContextRef
	Source   services.ReadSource
	Warnings []error
}

// DeleteResult reports what a session deletion removed.
type DeleteResult struct {
	SessionID valueobjects.SessionID
	Removed   []valueobjects.NodeID
	Contexts  []valueobjects.ContextRef
	Warnings  []error
}

// TreeEngine is the entry point used by the REST layer and the CLI.
type TreeEngine struct {
	graph        *aggregates.Graph
	registry     *aggregates.ContextRegistry
	resolver     *domainservices.PathResolver
	gateway      *services.SyncGateway
	orchestrator *handlers.NodeOrchestrator
	publisher    ports.EventPublisher
	cfg          *config.DomainConfig
	logger       *zap.Logger
}

func NewTreeEngine(
	graph *aggregates.Graph,
	registry *aggregates.ContextRegistry,
	resolver *domainservices.PathResolver,
	gateway *services.SyncGateway,
	orchestrator *handlers.NodeOrchestrator,
	publisher ports.EventPublisher,
	cfg *config.DomainConfig,
	logger *zap.Logger,
) *TreeEngine {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TreeEngine{
		graph:        graph,
		registry:     registry,
		resolver:     resolver,
		gateway:      gateway,
		orchestrator: orchestrator,
		publisher:    publisher,
		cfg:          cfg,
		logger:       logger,
	}
}

// Submit sends text into the context identified by contextKey.
func (e *TreeEngine) Submit(ctx context.Context, contextKey, text string) (*handlers.SubmitResult, error) {
	return e.orchestrator.Handle(ctx, commands.SubmitCommand{ContextKey: contextKey, Text: text})
}

// ActivePath returns the node ids from the context's root to its active
// node. Chat contexts are rooted at the session root, deep dives at their
// origin. On a corrupted graph the partial path is returned with the error.
func (e *TreeEngine) ActivePath(ref valueobjects.ContextRef) ([]valueobjects.NodeID, error) {
	root, err := e.contextRoot(ref)
	if err != nil {
		return nil, err
	}
	path, err := e.resolver.PathToRoot(e.registry.Active(ref), root)
	if err != nil {
		e.logger.Error("Corrupted graph while resolving active path",
			zap.String("context", ref.Key()),
			zap.Error(err),
		)
	}
	return path, err
}

// Messages returns the conversation visible in a context, oldest first.
func (e *TreeEngine) Messages(ref valueobjects.ContextRef) ([]valueobjects.Message, error) {
	path, err := e.ActivePath(ref)
	if path == nil {
		return nil, err
	}
	return e.resolver.MessagesOnPath(path), err
}

func (e *TreeEngine) contextRoot(ref valueobjects.ContextRef) (valueobjects.NodeID, error) {
	session, ok := e.graph.Session(ref.SessionID())
	if !ok {
		return valueobjects.NodeID{}, pkgerrors.NewNotFoundError("session").WithDetail("session_id", ref.SessionID().String())
	}
	if !ref.IsDeepDive() {
		return session.RootNodeID(), nil
	}
	if !e.graph.HasNode(ref.OriginID()) {
		return valueobjects.NodeID{}, pkgerrors.NewNotFoundError("node").WithDetail("node_id", ref.OriginID().String())
	}
	return ref.OriginID(), nil
}

// OpenDeepDive returns the deep-dive context for origin, creating it with
// origin as its active node. Reopening an existing deep dive keeps its pointer.
func (e *TreeEngine) OpenDeepDive(cmd commands.OpenDeepDiveCommand) (valueobjects.ContextRef, error) {
	if err := cmd.Validate(); err != nil {
		return valueobjects.ContextRef{}, err
	}
	sid, err := valueobjects.NewSessionIDFromString(cmd.SessionID)
	if err != nil {
		return valueobjects.ContextRef{}, pkgerrors.NewValidationError(err.Error())
	}
	origin, err := valueobjects.NewNodeIDFromString(cmd.OriginNodeID)
	if err != nil {
		return valueobjects.ContextRef{}, pkgerrors.NewValidationError(err.Error())
	}
	session, ok := e.graph.Session(sid)
	if !ok {
		return valueobjects.ContextRef{}, pkgerrors.NewNotFoundError("session")
	}
	if !e.resolver.InSession(origin, session.RootNodeID()) {
		return valueobjects.ContextRef{}, pkgerrors.NewValidationError(
			fmt.Sprintf("node %s does not belong to session %s", origin, sid))
	}

	ref, err := aggregates.CreateContextID(valueobjects.ModeDeepDive, origin, sid)
	if err != nil {
		return valueobjects.ContextRef{}, pkgerrors.NewValidationError(err.Error())
	}
	e.registry.Ensure(ref, origin, "deep dive opened")
	e.logger.Info("Deep dive opened", zap.String("context", ref.Key()))
	return ref, nil
}

// CloseDeepDive forgets a deep-dive context. The nodes it created stay in the tree.
func (e *TreeEngine) CloseDeepDive(ctx context.Context, ref valueobjects.ContextRef) error {
	if !ref.IsDeepDive() {
		return pkgerrors.NewValidationError("only deep-dive contexts can be closed")
	}
	if !e.registry.Exists(ref) {
		return pkgerrors.NewNotFoundError("context").WithDetail("context", ref.Key())
	}
	e.registry.Remove(ref, "deep dive closed")
	if err := e.gateway.DeleteKeys(ctx, services.PointerKey(ref)); err != nil {
		e.logger.Warn("Failed to drop local pointer", zap.String("context", ref.Key()), zap.Error(err))
	}
	return nil
}

// SetActive moves a context's pointer to a node of the same session, as a
// user navigating the tree would. Failure to sync the pointer is a warning.
func (e *TreeEngine) SetActive(ctx context.Context, cmd commands.SetActiveCommand) (aggregates.Transition, []error, error) {
	if err := cmd.Validate(); err != nil {
		return aggregates.Transition{}, nil, err
	}
	ref, err := valueobjects.ParseContextRef(cmd.ContextKey)
	if err != nil {
		return aggregates.Transition{}, nil, pkgerrors.NewValidationError(err.Error())
	}
	node, err := valueobjects.NewNodeIDFromString(cmd.NodeID)
	if err != nil {
		return aggregates.Transition{}, nil, pkgerrors.NewValidationError(err.Error())
	}
	root, err := e.contextRoot(ref)
	if err != nil {
		return aggregates.Transition{}, nil, err
	}
	if !e.resolver.InSession(node, root) {
		return aggregates.Transition{}, nil, pkgerrors.NewValidationError(
			fmt.Sprintf("node %s is not reachable from context %s", node, ref.Key()))
	}

	reason := cmd.Reason
	if reason == "" {
		reason = "navigation"
	}
	t := e.registry.SetActive(ref, node, reason)

	var warnings []error
	if node.IsLocal() {
		err = e.gateway.PutJSON(ctx, services.PointerKey(ref), services.PointerRecord{Context: ref.Key(), ActiveNodeID: node.String()})
	} else {
		_, err = e.gateway.MoveContextPointer(ctx, ref, node)
	}
	if err != nil {
		warnings = append(warnings, err)
	}
	return t, warnings, nil
}

// Transitions returns the retained pointer transitions, oldest first.
func (e *TreeEngine) Transitions() []aggregates.Transition {
	return e.registry.Transitions()
}

// CreateSession starts a conversation on the server, or locally when the
// server is unreachable. A root the server creates eagerly is adopted as an
// empty node that the first question fills.
func (e *TreeEngine) CreateSession(ctx context.Context, cmd commands.CreateSessionCommand) (*SessionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		name = e.cfg.DefaultSessionName
	}

	res := &SessionResult{Source: services.SourceRemote}
	var (
		sid    valueobjects.SessionID
		rootID valueobjects.NodeID
		synced = true
	)
	created, err := e.gateway.CreateSession(ctx, name)
	if err == nil {
		if sid, err = valueobjects.NewSessionIDFromString(created.ID); err == nil && created.RootNodeID != "" {
			rootID, err = valueobjects.NewNodeIDFromString(created.RootNodeID)
		}
	}
	if err != nil {
		e.logger.Warn("Remote session creation failed, creating locally", zap.Error(err))
		res.Warnings = append(res.Warnings, pkgerrors.NewCreateFailedError(err))
		sid, rootID, synced = valueobjects.NewLocalSessionID(), valueobjects.NodeID{}, false
		res.Source = ""
	}

	session, err := entities.NewSession(sid, name, synced)
	if err != nil {
		return nil, err
	}
	if !rootID.IsZero() {
		root, err := entities.NewNode(rootID, sid, "", valueobjects.ChatContext(sid), false, true, e.cfg)
		if err != nil {
			return nil, err
		}
		if _, _, err := e.graph.AddNode(root); err != nil {
			return nil, err
		}
		if err := session.SetRoot(rootID); err != nil {
			return nil, err
		}
		if err := e.gateway.PutJSON(ctx, services.NodeKey(rootID), services.NewNodeRecord(root, valueobjects.NodeID{})); err != nil {
			res.Warnings = append(res.Warnings, err)
		}
	}
	session = e.graph.AddSession(session)

	res.Session = session
	res.Context = valueobjects.ChatContext(sid)
	e.registry.Ensure(res.Context, rootID, "session created")

	if err := e.gateway.PutJSON(ctx, services.SessionKey(sid), services.NewSessionRecord(session)); err != nil {
		res.Warnings = append(res.Warnings, err)
	}
	e.publish(ctx, session.GetUncommittedEvents())
	session.MarkEventsAsCommitted()

	e.logger.Info("Session created",
		zap.String("session_id", sid.String()),
		zap.Bool("synced", synced),
		zap.Bool("eager_root", !rootID.IsZero()),
	)
	return res, nil
}

// LoadSession hydrates a session into the graph from the server and the
// local mirror, then restores its chat pointer. Loading a session that is
// already in memory returns it unchanged.
func (e *TreeEngine) LoadSession(ctx context.Context, sid valueobjects.SessionID) (*SessionResult, error) {
	if sid.IsZero() {
		return nil, pkgerrors.NewValidationError("session id is required")
	}
	ref := valueobjects.ChatContext(sid)
	if s, ok := e.graph.Session(sid); ok {
		return &SessionResult{Session: s, Context: ref, Source: services.SourceCache}, nil
	}

	res := &SessionResult{Context: ref}
	session, err := e.hydrateSession(ctx, sid, res)
	if err != nil {
		return nil, err
	}
	session = e.graph.AddSession(session)
	res.Session = session

	if !sid.IsLocal() {
		if err := e.hydrateRemoteTree(ctx, sid, res); err != nil {
			res.Warnings = append(res.Warnings, err)
		}
	}
	e.mergeLocalTree(ctx, session, res)

	root := session.RootNodeID()
	if root.IsZero() {
		root = e.adoptRoot(sid)
	}
	active, why := e.restorePointer(ctx, ref, root)
	e.registry.SetActive(ref, active, why)

	e.logger.Info("Session loaded",
		zap.String("session_id", sid.String()),
		zap.String("source", string(res.Source)),
		zap.Int("nodes", len(e.resolver.NodesOfSession(session.RootNodeID()))),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

func (e *TreeEngine) hydrateSession(ctx context.Context, sid valueobjects.SessionID, res *SessionResult) (*entities.Session, error) {
	var cached services.SessionRecord
	found, cacheErr := e.gateway.GetJSON(ctx, services.SessionKey(sid), &cached)
	if cacheErr != nil {
		res.Warnings = append(res.Warnings, cacheErr)
	}

	if !sid.IsLocal() {
		rs, src, err := e.gateway.LoadSession(ctx, sid)
		if err == nil {
			res.Source = src
			var root valueobjects.NodeID
			if rs.RootNodeID != "" {
				if root, err = valueobjects.NewNodeIDFromString(rs.RootNodeID); err != nil {
					return nil, pkgerrors.NewCorruptedGraphError(err.Error())
				}
			}
			return entities.ReconstructSession(sid, rs.Name, root, true, rs.CreatedAt, rs.UpdatedAt), nil
		}
		if !found {
			return nil, err
		}
		e.logger.Warn("Remote session unavailable, using local mirror", zap.String("session_id", sid.String()), zap.Error(err))
		res.Warnings = append(res.Warnings, err)
	}

	if !found {
		return nil, pkgerrors.NewNotFoundError("session").WithDetail("session_id", sid.String())
	}
	res.Source = services.SourceStale
	return cached.ToEntity()
}

func (e *TreeEngine) hydrateRemoteTree(ctx context.Context, sid valueobjects.SessionID, res *SessionResult) error {
	tree, _, err := e.gateway.LoadTree(ctx, sid)
	if err != nil {
		return err
	}
	label := func(q string) string { return entities.MakeLabel(q, e.cfg) }
	for _, rn := range tree.Nodes {
		if rn.SessionID != sid.String() {
			e.logger.Warn("Skipping node of another session",
				zap.String("session_id", sid.String()), zap.String("node_id", rn.ID), zap.String("node_session", rn.SessionID))
			res.Warnings = append(res.Warnings, pkgerrors.NewCorruptedGraphError(
				fmt.Sprintf("node %s belongs to session %q, not %s", rn.ID, rn.SessionID, sid)))
			continue
		}
		if len(rn.QAPairs) == 0 {
			e.loadQAPairs(ctx, &rn, res)
		}
		n, err := services.NodeFromRemote(rn, label)
		if err != nil {
			res.Warnings = append(res.Warnings, pkgerrors.NewCorruptedGraphError(err.Error()))
			continue
		}
		if _, _, err := e.graph.AddNode(n); err != nil {
			return err
		}
	}
	edges := tree.Edges
	if len(edges) == 0 {
		for _, rn := range tree.Nodes {
			if rn.ParentID != "" {
				edges = append(edges, ports.RemoteEdge{Source: rn.ParentID, Target: rn.ID})
			}
		}
	}
	for _, re := range edges {
		e.loadEdge(re.Source, re.Target, res)
	}
	return nil
}

// loadQAPairs fills the pairs of a node the tree listed without them. On
// failure the node loads with its question only.
func (e *TreeEngine) loadQAPairs(ctx context.Context, rn *ports.RemoteNode, res *SessionResult) {
	id, err := valueobjects.NewNodeIDFromString(rn.ID)
	if err != nil {
		return
	}
	pairs, _, err := e.gateway.LoadQAPairs(ctx, id)
	if err != nil {
		e.logger.Warn("QA pairs unavailable", zap.String("node_id", rn.ID), zap.Error(err))
		res.Warnings = append(res.Warnings, err)
		return
	}
	rn.QAPairs = pairs
}

// mergeLocalTree adds nodes and edges that exist only in the local mirror.
// Cached edges are in creation order so parents load before children.
func (e *TreeEngine) mergeLocalTree(ctx context.Context, session *entities.Session, res *SessionResult) {
	if root := session.RootNodeID(); !root.IsZero() && !e.graph.HasNode(root) {
		e.loadCachedNode(ctx, root, res)
	}
	var edges []services.EdgeRecord
	if _, err := e.gateway.GetJSON(ctx, services.EdgesKey(session.ID()), &edges); err != nil {
		res.Warnings = append(res.Warnings, err)
		return
	}
	for _, er := range edges {
		for _, id := range []string{er.Source, er.Target} {
			nid, err := valueobjects.NewNodeIDFromString(id)
			if err == nil && !e.graph.HasNode(nid) {
				e.loadCachedNode(ctx, nid, res)
			}
		}
		e.loadEdge(er.Source, er.Target, res)
	}
}

func (e *TreeEngine) loadCachedNode(ctx context.Context, id valueobjects.NodeID, res *SessionResult) {
	var rec services.NodeRecord
	found, err := e.gateway.GetJSON(ctx, services.NodeKey(id), &rec)
	if err != nil || !found {
		if err != nil {
			res.Warnings = append(res.Warnings, err)
		}
		return
	}
	n, err := rec.ToEntity()
	if err != nil {
		res.Warnings = append(res.Warnings, pkgerrors.NewCorruptedGraphError(err.Error()))
		return
	}
	_, _, _ = e.graph.AddNode(n)
}

func (e *TreeEngine) loadEdge(source, target string, res *SessionResult) {
	src, err1 := valueobjects.NewNodeIDFromString(source)
	tgt, err2 := valueobjects.NewNodeIDFromString(target)
	if err := errors.Join(err1, err2); err != nil {
		res.Warnings = append(res.Warnings, pkgerrors.NewCorruptedGraphError(err.Error()))
		return
	}
	if err := e.graph.LoadEdge(src, tgt); err != nil {
		e.logger.Warn("Skipping edge", zap.String("source", source), zap.String("target", target), zap.Error(err))
		if !errors.Is(err, aggregates.ErrNodeNotFound) {
			res.Warnings = append(res.Warnings, pkgerrors.NewCorruptedGraphError(err.Error()))
		}
	}
}

// adoptRoot finds the parentless node of a session whose record lacks a
// root, which happens when the root was created after the session was cached.
func (e *TreeEngine) adoptRoot(sid valueobjects.SessionID) valueobjects.NodeID {
	var candidates []valueobjects.NodeID
	for _, id := range e.graph.NodesInSession(sid) {
		if _, hasParent := e.graph.ParentOf(id); !hasParent {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) != 1 {
		return valueobjects.NodeID{}
	}
	root := candidates[0]
	if err := e.graph.UpdateSession(sid, func(s *entities.Session) error { return s.SetRoot(root) }); err != nil {
		return valueobjects.NodeID{}
	}
	return root
}

// restorePointer picks the chat pointer after a load: a locally persisted
// pointer first since it is only written when the server could not take it,
// then the server's, then the root.
func (e *TreeEngine) restorePointer(ctx context.Context, ref valueobjects.ContextRef, root valueobjects.NodeID) (valueobjects.NodeID, string) {
	if local, ok := e.gateway.LocalPointer(ctx, ref); ok && e.resolver.InSession(local, root) {
		return local, "restored from local pointer"
	}
	if !ref.SessionID().IsLocal() {
		rc, _, err := e.gateway.LoadContext(ctx, ref)
		if err == nil && rc.ActiveNodeID != "" {
			if id, err := valueobjects.NewNodeIDFromString(rc.ActiveNodeID); err == nil && e.resolver.InSession(id, root) {
				return id, "restored from server context"
			}
		}
	}
	return root, "session loaded"
}

// DeleteSession removes a session everywhere. The server delete is best
// effort; the in-memory tree, contexts and cache are always cleared.
func (e *TreeEngine) DeleteSession(ctx context.Context, sid valueobjects.SessionID) (*DeleteResult, error) {
	session, ok := e.graph.Session(sid)
	if !ok {
		return nil, pkgerrors.NewNotFoundError("session").WithDetail("session_id", sid.String())
	}
	state := &DeleteResult{SessionID: sid}

	saga := sagas.New[DeleteResult]("delete_session", e.logger).
		AddStep(sagas.Step[DeleteResult]{
			Name:     "remote_delete",
			Optional: true,
			Execute: func(ctx context.Context, st *DeleteResult) error {
				if sid.IsLocal() {
					return nil
				}
				err := e.gateway.DeleteSession(ctx, sid)
				if pkgerrors.IsNotFound(err) {
					return nil
				}
				return err
			},
		}).
		AddStep(sagas.Step[DeleteResult]{
			Name: "remove_tree",
			Execute: func(_ context.Context, st *DeleteResult) error {
				if root := session.RootNodeID(); !root.IsZero() {
					st.Removed = e.graph.RemoveSubtree(root)
				}
				e.graph.RemoveSession(sid)
				return nil
			},
		}).
		AddStep(sagas.Step[DeleteResult]{
			Name: "forget_contexts",
			Execute: func(_ context.Context, st *DeleteResult) error {
				st.Contexts = e.registry.RemoveSession(sid, "session deleted")
				e.registry.ForgetNodes(st.Removed, "node deleted with session")
				return nil
			},
		}).
		AddStep(sagas.Step[DeleteResult]{
			Name:     "purge_cache",
			Optional: true,
			Execute: func(ctx context.Context, st *DeleteResult) error {
				return e.gateway.ForgetSession(ctx, sid, st.Removed, append(st.Contexts, valueobjects.ChatContext(sid)))
			},
		})

	if err := saga.Execute(ctx, state); err != nil {
		return nil, err
	}
	for _, f := range saga.Failures() {
		state.Warnings = append(state.Warnings, f.Err)
	}
	e.publish(ctx, []events.DomainEvent{events.NewSessionDeleted(sid, len(state.Removed), time.Now())})

	e.logger.Info("Session deleted",
		zap.String("session_id", sid.String()),
		zap.Int("nodes_removed", len(state.Removed)),
		zap.Int("contexts_removed", len(state.Contexts)),
	)
	return state, nil
}

// RebuildMessageCache rewrites the cached messages of every node in a
// session from the nodes themselves and returns how many were written.
func (e *TreeEngine) RebuildMessageCache(ctx context.Context, sid valueobjects.SessionID) (int, error) {
	session, ok := e.graph.Session(sid)
	if !ok {
		return 0, pkgerrors.NewNotFoundError("session").WithDetail("session_id", sid.String())
	}
	written := 0
	for _, id := range e.resolver.NodesOfSession(session.RootNodeID()) {
		var msgs []valueobjects.Message
		if !e.graph.ReadNode(id, func(n *entities.Node) { msgs = n.Messages() }) {
			continue
		}
		if err := e.gateway.PutJSON(ctx, services.MessagesKey(id), msgs); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// NodeView is the read model of one node.
type NodeView struct {
	ID        valueobjects.NodeID `json:"id"`
	ParentID  valueobjects.NodeID `json:"parent_id"`
	Label     string              `json:"label"`
	IsFork    bool                `json:"is_fork"`
	CreatedIn string              `json:"created_in"`
	Synced    bool                `json:"synced"`
	Turns     []entities.Turn     `json:"turns"`
}

// TreeView is a loaded session's nodes in breadth-first order from the root.
type TreeView struct {
	SessionID valueobjects.SessionID `json:"session_id"`
	Name      string                 `json:"name"`
	RootID    valueobjects.NodeID    `json:"root_node_id"`
	Nodes     []NodeView             `json:"nodes"`
	Edges     []aggregates.Edge      `json:"edges"`
}

// Tree returns the nodes and edges reachable from a session's root.
func (e *TreeEngine) Tree(sid valueobjects.SessionID) (*TreeView, error) {
	session, ok := e.graph.Session(sid)
	if !ok {
		return nil, pkgerrors.NewNotFoundError("session").WithDetail("session_id", sid.String())
	}
	view := &TreeView{SessionID: sid, Name: session.Name(), RootID: session.RootNodeID(), Nodes: []NodeView{}}
	ids := e.resolver.NodesOfSession(session.RootNodeID())
	for _, id := range ids {
		parent, _ := e.graph.ParentOf(id)
		e.graph.ReadNode(id, func(n *entities.Node) {
			view.Nodes = append(view.Nodes, NodeView{
				ID:        id,
				ParentID:  parent,
				Label:     n.Label(),
				IsFork:    n.IsFork(),
				CreatedIn: n.CreatedIn().Key(),
				Synced:    n.Synced(),
				Turns:     n.Turns(),
			})
		})
	}
	view.Edges = e.graph.EdgesWithin(ids)
	return view, nil
}

// Session returns a loaded session.
func (e *TreeEngine) Session(sid valueobjects.SessionID) (*entities.Session, bool) {
	return e.graph.Session(sid)
}

// Node calls fn with a loaded node.
func (e *TreeEngine) Node(id valueobjects.NodeID, fn func(*entities.Node)) bool {
	return e.graph.ReadNode(id, fn)
}

// Children returns the children of a node in creation order.
func (e *TreeEngine) Children(id valueobjects.NodeID) []valueobjects.NodeID {
	return e.graph.ChildrenOf(id)
}

func (e *TreeEngine) publish(ctx context.Context, evts []events.DomainEvent) {
	if e.publisher == nil || len(evts) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, evts); err != nil {
		e.logger.Error("Failed to publish events", zap.Int("count", len(evts)), zap.Error(err))
	}
}
