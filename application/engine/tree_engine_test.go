package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"treechat/application/commands"
	"treechat/application/commands/handlers"
	"treechat/application/ports"
	"treechat/application/services"
	"treechat/domain/core/aggregates"
	"treechat/domain/core/entities"
	"treechat/domain/core/valueobjects"
	domainservices "treechat/domain/services"
	"treechat/infrastructure/persistence/memory"
	"treechat/infrastructure/remote/remotetest"
	pkgerrors "treechat/pkg/errors"
	"treechat/pkg/utils"
)

type zapAdapter struct{ l *zap.SugaredLogger }

func (a zapAdapter) Debug(msg string, kv ...interface{}) { a.l.Debugw(msg, kv...) }
func (a zapAdapter) Info(msg string, kv ...interface{})  { a.l.Infow(msg, kv...) }
func (a zapAdapter) Warn(msg string, kv ...interface{})  { a.l.Warnw(msg, kv...) }
func (a zapAdapter) Error(msg string, kv ...interface{}) { a.l.Errorw(msg, kv...) }

type fixture struct {
	engine *TreeEngine
	remote *remotetest.Fake
	cache  *memory.Cache
}

// newFixture builds an engine over a shared remote and cache so that a
// second fixture can play the role of a restarted process.
func newFixture(t *testing.T, remote *remotetest.Fake, cache *memory.Cache) *fixture {
	t.Helper()
	if remote == nil {
		remote = remotetest.NewFake()
	}
	return newFixtureWith(t, remote, remote, cache)
}

// newFixtureWith talks to api, which may be a double in front of remote.
func newFixtureWith(t *testing.T, remote *remotetest.Fake, api ports.RemoteAPI, cache *memory.Cache) *fixture {
	t.Helper()
	if cache == nil {
		cache = memory.NewCache(0)
	}
	fast := utils.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	graph := aggregates.NewGraph()
	registry := aggregates.NewContextRegistry(100)
	resolver := domainservices.NewPathResolver(graph)
	gateway := services.NewSyncGateway(api, cache, services.GatewayConfig{
		CacheTTL:      time.Minute,
		CallTimeout:   time.Second,
		Retry:         fast,
		VerifyBackoff: fast,
	}, nil, nil, zap.NewNop())
	orch := handlers.NewNodeOrchestrator(graph, registry, resolver, gateway, nil, nil, nil, zapAdapter{zap.NewNop().Sugar()})
	return &fixture{
		engine: NewTreeEngine(graph, registry, resolver, gateway, orch, nil, nil, zap.NewNop()),
		remote: remote,
		cache:  cache,
	}
}

func (f *fixture) newSession(t *testing.T) *SessionResult {
	t.Helper()
	res, err := f.engine.CreateSession(context.Background(), commands.CreateSessionCommand{Name: "demo"})
	require.NoError(t, err)
	return res
}

func (f *fixture) submit(t *testing.T, ref valueobjects.ContextRef, text string) *handlers.SubmitResult {
	t.Helper()
	res, err := f.engine.Submit(context.Background(), ref.Key(), text)
	require.NoError(t, err)
	return res
}

func TestEngine_EndToEndConversation(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.newSession(t)
	assert.True(t, s.Session.Synced())
	assert.Empty(t, s.Warnings)

	r1 := f.submit(t, s.Context, "What is X?")
	msgs, err := f.engine.Messages(s.Context)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, valueobjects.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is X?", msgs[0].Content)
	assert.Equal(t, valueobjects.RoleAssistant, msgs[1].Role)

	path, err := f.engine.ActivePath(s.Context)
	require.NoError(t, err)
	assert.Equal(t, []valueobjects.NodeID{r1.NodeID}, path)
}

func TestEngine_DeepDiveLeavesChatUntouched(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.newSession(t)
	r1 := f.submit(t, s.Context, "What is X?")

	dive, err := f.engine.OpenDeepDive(commands.OpenDeepDiveCommand{
		SessionID:    s.Session.ID().String(),
		OriginNodeID: r1.NodeID.String(),
	})
	require.NoError(t, err)
	assert.True(t, dive.IsDeepDive())

	divePath, err := f.engine.ActivePath(dive)
	require.NoError(t, err)
	assert.Equal(t, []valueobjects.NodeID{r1.NodeID}, divePath)

	fork := f.submit(t, dive, "Go deeper")
	assert.Equal(t, handlers.TransitionForkCreated, fork.Transition)

	chatPath, err := f.engine.ActivePath(s.Context)
	require.NoError(t, err)
	assert.Equal(t, []valueobjects.NodeID{r1.NodeID}, chatPath)

	divePath, err = f.engine.ActivePath(dive)
	require.NoError(t, err)
	assert.Equal(t, []valueobjects.NodeID{r1.NodeID, fork.NodeID}, divePath)

	again, err := f.engine.OpenDeepDive(commands.OpenDeepDiveCommand{
		SessionID:    s.Session.ID().String(),
		OriginNodeID: r1.NodeID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, dive.Key(), again.Key())
	divePath, _ = f.engine.ActivePath(dive)
	assert.Len(t, divePath, 2, "reopening keeps the pointer")

	require.NoError(t, f.engine.CloseDeepDive(context.Background(), dive))
	assert.True(t, f.engine.registry.Active(dive).IsZero())
	assert.True(t, f.engine.graph.HasNode(fork.NodeID))
	assert.True(t, pkgerrors.IsValidation(f.engine.CloseDeepDive(context.Background(), s.Context)))
}

func TestEngine_OpenDeepDiveRejectsForeignNode(t *testing.T) {
	f := newFixture(t, nil, nil)
	a := f.newSession(t)
	b := f.newSession(t)
	ra := f.submit(t, a.Context, "in a")
	f.submit(t, b.Context, "in b")

	_, err := f.engine.OpenDeepDive(commands.OpenDeepDiveCommand{
		SessionID:    b.Session.ID().String(),
		OriginNodeID: ra.NodeID.String(),
	})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestEngine_EagerRootIsExtended(t *testing.T) {
	remote := remotetest.NewFake()
	remote.EagerRoot = true
	f := newFixture(t, remote, nil)
	s := f.newSession(t)
	require.True(t, s.Session.HasRoot())

	res := f.submit(t, s.Context, "first question")
	assert.Equal(t, handlers.TransitionNodeExtended, res.Transition)
	assert.True(t, res.NodeID.Equals(s.Session.RootNodeID()))
	assert.Equal(t, 0, res.Seq)
	assert.False(t, res.FallbackAnswer)

	f.engine.Node(res.NodeID, func(n *entities.Node) {
		assert.Equal(t, "first question", n.Label())
	})
}

func TestEngine_SessionCreatedLocallyWhenOffline(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.remote.Fail(remotetest.OpCreateSession, -1)

	s := f.newSession(t)
	assert.True(t, s.Session.ID().IsLocal())
	assert.False(t, s.Session.Synced())
	require.Len(t, s.Warnings, 1)
	assert.True(t, pkgerrors.IsType(s.Warnings[0], pkgerrors.ErrorTypeCreateFailed))

	res := f.submit(t, s.Context, "offline")
	assert.True(t, res.NodeID.IsLocal())
	assert.True(t, res.FallbackAnswer)
}

func TestEngine_SetActiveNavigates(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.newSession(t)
	r1 := f.submit(t, s.Context, "root")
	c1 := f.submit(t, s.Context, "child")

	tr, warnings, err := f.engine.SetActive(context.Background(), commands.SetActiveCommand{
		ContextKey: s.Context.Key(),
		NodeID:     r1.NodeID.String(),
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "navigation", tr.Reason)
	assert.True(t, tr.Previous.Equals(c1.NodeID))

	path, err := f.engine.ActivePath(s.Context)
	require.NoError(t, err)
	assert.Equal(t, []valueobjects.NodeID{r1.NodeID}, path)

	// A new question from the root branches next to the existing child.
	c2 := f.submit(t, s.Context, "sibling")
	assert.Equal(t, []valueobjects.NodeID{c1.NodeID, c2.NodeID}, f.engine.Children(r1.NodeID))

	_, _, err = f.engine.SetActive(context.Background(), commands.SetActiveCommand{
		ContextKey: s.Context.Key(),
		NodeID:     "ghost",
	})
	assert.True(t, pkgerrors.IsValidation(err))

	last := f.engine.Transitions()
	require.NotEmpty(t, last)
	assert.Equal(t, c2.NodeID, last[len(last)-1].Next)
}

func TestEngine_LoadSessionRestoresTreeAndPointer(t *testing.T) {
	remote := remotetest.NewFake()
	cache := memory.NewCache(0)
	first := newFixture(t, remote, cache)
	s := first.newSession(t)
	r1 := first.submit(t, s.Context, "root")
	c1 := first.submit(t, s.Context, "child")
	_, _, err := first.engine.SetActive(context.Background(), commands.SetActiveCommand{
		ContextKey: s.Context.Key(),
		NodeID:     r1.NodeID.String(),
	})
	require.NoError(t, err)

	second := newFixture(t, remote, cache)
	loaded, err := second.engine.LoadSession(context.Background(), s.Session.ID())
	require.NoError(t, err)
	assert.Empty(t, loaded.Warnings)
	assert.True(t, loaded.Session.RootNodeID().Equals(r1.NodeID))
	assert.Equal(t, []valueobjects.NodeID{c1.NodeID}, second.engine.Children(r1.NodeID))

	path, err := second.engine.ActivePath(loaded.Context)
	require.NoError(t, err)
	assert.Equal(t, []valueobjects.NodeID{r1.NodeID}, path)

	msgs, err := second.engine.Messages(loaded.Context)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "answer to root", msgs[1].Content)
}

func TestEngine_LoadSessionMergesLocalNodes(t *testing.T) {
	remote := remotetest.NewFake()
	cache := memory.NewCache(0)
	first := newFixture(t, remote, cache)
	s := first.newSession(t)
	r1 := first.submit(t, s.Context, "root")

	remote.Fail(remotetest.OpCreateNode, -1)
	local := first.submit(t, s.Context, "made offline")
	require.True(t, local.NodeID.IsLocal())
	remote.Fail(remotetest.OpCreateNode, 0)

	second := newFixture(t, remote, cache)
	loaded, err := second.engine.LoadSession(context.Background(), s.Session.ID())
	require.NoError(t, err)
	assert.Equal(t, []valueobjects.NodeID{local.NodeID}, second.engine.Children(r1.NodeID))

	path, err := second.engine.ActivePath(loaded.Context)
	require.NoError(t, err)
	assert.Equal(t, []valueobjects.NodeID{r1.NodeID, local.NodeID}, path)
}

func TestEngine_LoadUnknownSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.engine.LoadSession(context.Background(), valueobjects.MustSessionID("missing"))
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestEngine_DeleteSessionCascades(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	keep := f.newSession(t)
	kept := f.submit(t, keep.Context, "keep me")

	s := f.newSession(t)
	r1 := f.submit(t, s.Context, "root")
	c1 := f.submit(t, s.Context, "child")
	dive, err := f.engine.OpenDeepDive(commands.OpenDeepDiveCommand{SessionID: s.Session.ID().String(), OriginNodeID: r1.NodeID.String()})
	require.NoError(t, err)
	f.submit(t, dive, "fork")

	res, err := f.engine.DeleteSession(ctx, s.Session.ID())
	require.NoError(t, err)
	assert.Len(t, res.Removed, 3)
	assert.Len(t, res.Contexts, 2)
	assert.Empty(t, res.Warnings)

	_, ok := f.engine.Session(s.Session.ID())
	assert.False(t, ok)
	assert.False(t, f.engine.graph.HasNode(c1.NodeID))
	assert.False(t, f.engine.registry.Exists(dive))
	assert.False(t, f.engine.registry.Exists(s.Context))

	_, found, err := f.cache.Get(ctx, services.NodeKey(r1.NodeID))
	require.NoError(t, err)
	assert.False(t, found)

	_, err = f.remote.GetSession(ctx, s.Session.ID().String())
	assert.True(t, pkgerrors.IsNotFound(err))

	assert.True(t, f.engine.graph.HasNode(kept.NodeID))
	_, err = f.engine.ActivePath(s.Context)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestEngine_DeleteSessionSurvivesRemoteFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.newSession(t)
	f.submit(t, s.Context, "root")
	f.remote.Fail(remotetest.OpDeleteSession, -1)

	res, err := f.engine.DeleteSession(context.Background(), s.Session.ID())
	require.NoError(t, err)
	assert.Len(t, res.Removed, 1)
	require.Len(t, res.Warnings, 1)
	assert.True(t, pkgerrors.Recoverable(res.Warnings[0]))
}

func TestEngine_RebuildMessageCache(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	s := f.newSession(t)
	r1 := f.submit(t, s.Context, "root")
	f.submit(t, s.Context, "child")
	require.NoError(t, f.cache.Delete(ctx, services.MessagesKey(r1.NodeID)))

	n, err := f.engine.RebuildMessageCache(ctx, s.Session.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, found, err := f.cache.Get(ctx, services.MessagesKey(r1.NodeID))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEngine_CorruptedGraphReturnsPartialPath(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.newSession(t)
	f.submit(t, s.Context, "root")

	sid := s.Session.ID()
	a, _ := entities.NewNode(valueobjects.MustNodeID("a"), sid, "a", s.Context, false, true, nil)
	b, _ := entities.NewNode(valueobjects.MustNodeID("b"), sid, "b", s.Context, false, true, nil)
	_, _, _ = f.engine.graph.AddNode(a)
	_, _, _ = f.engine.graph.AddNode(b)
	require.NoError(t, f.engine.graph.LoadEdge(a.ID(), b.ID()))
	require.NoError(t, f.engine.graph.LoadEdge(b.ID(), a.ID()))
	f.engine.registry.SetActive(s.Context, a.ID(), "test")

	path, err := f.engine.ActivePath(s.Context)
	assert.True(t, pkgerrors.IsCorruptedGraph(err))
	assert.NotEmpty(t, path)

	msgs, err := f.engine.Messages(s.Context)
	assert.True(t, pkgerrors.IsCorruptedGraph(err))
	assert.NotEmpty(t, msgs)
}

func TestEngine_TreeListsNodesBreadthFirst(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.newSession(t)
	r1 := f.submit(t, s.Context, "root question")
	f.submit(t, s.Context, "child question")

	deep, err := f.engine.OpenDeepDive(commands.OpenDeepDiveCommand{
		SessionID: s.Session.ID().String(), OriginNodeID: r1.NodeID.String(),
	})
	require.NoError(t, err)
	f.submit(t, deep, "fork question")

	tree, err := f.engine.Tree(s.Session.ID())
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 3)
	assert.Equal(t, r1.NodeID, tree.RootID)
	assert.Equal(t, r1.NodeID, tree.Nodes[0].ID)
	assert.True(t, tree.Nodes[0].ParentID.IsZero())
	assert.Len(t, tree.Edges, 2)

	forks := 0
	for _, n := range tree.Nodes[1:] {
		assert.Equal(t, r1.NodeID, n.ParentID)
		if n.IsFork {
			forks++
			assert.Equal(t, deep.Key(), n.CreatedIn)
		}
	}
	assert.Equal(t, 1, forks)

	_, err = f.engine.Tree(valueobjects.MustSessionID("nope"))
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestEngine_LoadSessionFetchesMissingQAPairs(t *testing.T) {
	remote := remotetest.NewFake()
	first := newFixture(t, remote, nil)
	s := first.newSession(t)
	r1 := first.submit(t, s.Context, "root")
	first.submit(t, s.Context, "child")

	remote.TreeWithoutQAPairs = true
	second := newFixture(t, remote, memory.NewCache(0))
	loaded, err := second.engine.LoadSession(context.Background(), s.Session.ID())
	require.NoError(t, err)
	assert.Empty(t, loaded.Warnings)
	assert.Equal(t, 2, remote.Calls(remotetest.OpListQAPairs))

	second.engine.Node(r1.NodeID, func(n *entities.Node) {
		turns := n.Turns()
		require.Len(t, turns, 1)
		assert.Equal(t, "answer to root", turns[0].Answer)
	})

	msgs, err := second.engine.Messages(loaded.Context)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "answer to child", msgs[3].Content)
}

func TestEngine_LoadSessionKeepsQuestionWhenQAPairsFail(t *testing.T) {
	remote := remotetest.NewFake()
	first := newFixture(t, remote, nil)
	s := first.newSession(t)
	r1 := first.submit(t, s.Context, "root")

	remote.TreeWithoutQAPairs = true
	remote.Fail(remotetest.OpListQAPairs, -1)
	second := newFixture(t, remote, memory.NewCache(0))
	loaded, err := second.engine.LoadSession(context.Background(), s.Session.ID())
	require.NoError(t, err)
	var unavailable bool
	for _, w := range loaded.Warnings {
		unavailable = unavailable || pkgerrors.IsType(w, pkgerrors.ErrorTypeRemoteUnavailable)
	}
	assert.True(t, unavailable)

	second.engine.Node(r1.NodeID, func(n *entities.Node) {
		assert.Equal(t, "root", n.Question())
		assert.False(t, n.HasAnswer())
	})
}

// foreignTree lists an extra node from another session in every tree.
type foreignTree struct {
	*remotetest.Fake
	stray ports.RemoteNode
}

func (f foreignTree) GetTree(ctx context.Context, sessionID string, includeQA bool) (*ports.RemoteTree, error) {
	tree, err := f.Fake.GetTree(ctx, sessionID, includeQA)
	if err != nil {
		return nil, err
	}
	tree.Nodes = append(tree.Nodes, f.stray)
	return tree, nil
}

func TestEngine_LoadSessionSkipsNodesOfOtherSessions(t *testing.T) {
	remote := remotetest.NewFake()
	first := newFixture(t, remote, nil)
	s := first.newSession(t)
	r1 := first.submit(t, s.Context, "root")

	api := foreignTree{Fake: remote, stray: ports.RemoteNode{
		ID:        "stray-1",
		SessionID: "someone-else",
		ParentID:  r1.NodeID.String(),
		Question:  "not yours",
		CreatedAt: time.Now(),
	}}
	second := newFixtureWith(t, remote, api, memory.NewCache(0))
	loaded, err := second.engine.LoadSession(context.Background(), s.Session.ID())
	require.NoError(t, err)

	var corrupted bool
	for _, w := range loaded.Warnings {
		corrupted = corrupted || pkgerrors.IsType(w, pkgerrors.ErrorTypeCorruptedGraph)
	}
	assert.True(t, corrupted)
	assert.False(t, second.engine.Node(valueobjects.MustNodeID("stray-1"), func(*entities.Node) {}))
	assert.Empty(t, second.engine.Children(r1.NodeID))
}
