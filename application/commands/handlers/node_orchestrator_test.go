package handlers_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"treechat/application/commands"
	"treechat/application/commands/handlers"
	"treechat/application/ports"
	"treechat/application/services"
	"treechat/domain/core/aggregates"
	"treechat/domain/core/entities"
	"treechat/domain/core/valueobjects"
	"treechat/domain/events"
	domainservices "treechat/domain/services"
	"treechat/infrastructure/persistence/memory"
	"treechat/infrastructure/remote/remotetest"
	pkgerrors "treechat/pkg/errors"
	"treechat/pkg/utils"
)

// MockLogger discards everything.
type MockLogger struct{}

func (MockLogger) Debug(string, ...interface{}) {}
func (MockLogger) Info(string, ...interface{})  {}
func (MockLogger) Warn(string, ...interface{})  {}
func (MockLogger) Error(string, ...interface{}) {}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evts []events.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evts...)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.GetEventType())
	}
	return out
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, evts []events.DomainEvent) error {
	args := m.Called(ctx, evts)
	return args.Error(0)
}

type harness struct {
	graph     *aggregates.Graph
	registry  *aggregates.ContextRegistry
	resolver  *domainservices.PathResolver
	gateway   *services.SyncGateway
	remote    *remotetest.Fake
	publisher *recordingPublisher
	orch      *handlers.NodeOrchestrator
	session   valueobjects.SessionID
	chat      valueobjects.ContextRef
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test put a double in front of the fake server.
func newHarnessWith(t *testing.T, wrap func(*remotetest.Fake) ports.RemoteAPI) *harness {
	t.Helper()
	fast := utils.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	h := &harness{
		graph:     aggregates.NewGraph(),
		registry:  aggregates.NewContextRegistry(50),
		remote:    remotetest.NewFake(),
		publisher: &recordingPublisher{},
	}
	h.resolver = domainservices.NewPathResolver(h.graph)
	var api ports.RemoteAPI = h.remote
	if wrap != nil {
		api = wrap(h.remote)
	}
	h.gateway = services.NewSyncGateway(api, memory.NewCache(0), services.GatewayConfig{
		CacheTTL:      time.Minute,
		CallTimeout:   time.Second,
		Retry:         fast,
		VerifyBackoff: fast,
	}, nil, nil, nil)
	h.orch = handlers.NewNodeOrchestrator(h.graph, h.registry, h.resolver, h.gateway, h.publisher, nil, nil, MockLogger{})

	rs, err := h.remote.CreateSession(context.Background(), "test")
	require.NoError(t, err)
	h.session = valueobjects.MustSessionID(rs.ID)
	s, err := entities.NewSession(h.session, "test", true)
	require.NoError(t, err)
	h.graph.AddSession(s)
	h.chat = valueobjects.ChatContext(h.session)
	return h
}

func (h *harness) submit(t *testing.T, ref valueobjects.ContextRef, text string) *handlers.SubmitResult {
	t.Helper()
	res, err := h.orch.Handle(context.Background(), commands.SubmitCommand{ContextKey: ref.Key(), Text: text})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (h *harness) messages(t *testing.T, ref, root valueobjects.NodeID) []valueobjects.Message {
	t.Helper()
	path, err := h.resolver.PathToRoot(ref, root)
	require.NoError(t, err)
	return h.resolver.MessagesOnPath(path)
}

func hasWarning(res *handlers.SubmitResult, kind pkgerrors.ErrorType) bool {
	for _, w := range res.Warnings {
		if pkgerrors.IsType(w, kind) {
			return true
		}
	}
	return false
}

func TestSubmit_RootThenChild(t *testing.T) {
	h := newHarness(t)

	t.Run("first question creates the root", func(t *testing.T) {
		res := h.submit(t, h.chat, "What is X?")
		assert.Equal(t, handlers.TransitionRootCreated, res.Transition)
		assert.True(t, res.Synced)
		assert.False(t, res.FallbackAnswer)
		assert.Equal(t, "answer to What is X?", res.Answer)
		assert.Equal(t, services.WriteConfirmed, res.Pointer)
		assert.Empty(t, res.Warnings)

		assert.True(t, h.graph.SessionRoot(h.session).Equals(res.NodeID))
		assert.True(t, h.registry.Active(h.chat).Equals(res.NodeID))

		msgs := h.messages(t, res.NodeID, res.NodeID)
		require.Len(t, msgs, 2)
		assert.Equal(t, valueobjects.RoleUser, msgs[0].Role)
		assert.Equal(t, "What is X?", msgs[0].Content)
		assert.Equal(t, valueobjects.RoleAssistant, msgs[1].Role)
		assert.Equal(t, "answer to What is X?", msgs[1].Content)
	})

	t.Run("next question creates a child", func(t *testing.T) {
		root := h.graph.SessionRoot(h.session)
		res := h.submit(t, h.chat, "And Y?")
		assert.Equal(t, handlers.TransitionChildCreated, res.Transition)
		assert.True(t, res.ParentID.Equals(root))
		assert.Equal(t, []valueobjects.NodeID{res.NodeID}, h.graph.ChildrenOf(root))

		msgs := h.messages(t, res.NodeID, root)
		require.Len(t, msgs, 4)
		assert.Equal(t, "And Y?", msgs[2].Content)
	})

	assert.Equal(t, []string{
		events.TypeNodeCreated, events.TypeAnswerAttached,
		events.TypeNodeCreated, events.TypeAnswerAttached,
	}, h.publisher.types())
}

func TestSubmit_DuplicateIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	first := h.submit(t, h.chat, "What is X?")
	second := h.submit(t, h.chat, "  What is X?  ")

	assert.Equal(t, handlers.TransitionDuplicate, second.Transition)
	assert.True(t, second.NodeID.Equals(first.NodeID))
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, 1, h.graph.NodeCount())
	assert.Equal(t, 1, h.remote.Calls(remotetest.OpCreateNode))
	assert.Equal(t, 1, h.remote.Calls(remotetest.OpAsk))
}

func TestSubmit_ConcurrentDuplicatesCreateOneNode(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	results := make([]*handlers.SubmitResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.Handle(context.Background(), commands.SubmitCommand{ContextKey: h.chat.Key(), Text: "same"})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.graph.NodeCount())
	assert.Equal(t, 1, h.remote.NodeCount())
	for i, r := range results {
		require.NotNil(t, r)
		assert.True(t, r.NodeID.Equals(results[0].NodeID))
		if i > 0 {
			assert.NotSame(t, results[0], r, "callers must not share one result")
		}
	}
}

// gatedRemote holds every CreateNode until release is closed.
type gatedRemote struct {
	*remotetest.Fake
	arrived chan struct{}
	release chan struct{}
}

func (g *gatedRemote) CreateNode(ctx context.Context, req ports.CreateNodeRequest) (*ports.RemoteNode, error) {
	g.arrived <- struct{}{}
	<-g.release
	return g.Fake.CreateNode(ctx, req)
}

func TestSubmit_ConcurrentRootsLinkUnderOneRoot(t *testing.T) {
	gate := &gatedRemote{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	h := newHarnessWith(t, func(f *remotetest.Fake) ports.RemoteAPI {
		gate.Fake = f
		return gate
	})

	texts := []string{"first question", "second question"}
	results := make([]*handlers.SubmitResult, len(texts))
	errs := make([]error, len(texts))
	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Handle(context.Background(), commands.SubmitCommand{ContextKey: h.chat.Key(), Text: text})
		}(i, text)
	}
	for range texts {
		select {
		case <-gate.arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("both submissions should reach node creation")
		}
	}
	close(gate.release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	root := h.graph.SessionRoot(h.session)
	require.False(t, root.IsZero())
	assert.Equal(t, 2, h.graph.NodeCount())
	assert.Len(t, h.graph.ReachableFrom(root), 2, "no node may be left outside the tree")

	var transitions []handlers.Transition
	questions := map[string]bool{}
	for _, r := range results {
		transitions = append(transitions, r.Transition)
		h.graph.ReadNode(r.NodeID, func(n *entities.Node) { questions[n.Question()] = true })
		if r.Transition == handlers.TransitionChildCreated {
			assert.True(t, r.ParentID.Equals(root))
		} else {
			assert.True(t, r.NodeID.Equals(root))
		}
	}
	assert.ElementsMatch(t, []handlers.Transition{handlers.TransitionRootCreated, handlers.TransitionChildCreated}, transitions)
	assert.True(t, questions["first question"])
	assert.True(t, questions["second question"])
}

func TestSubmit_DeepDiveForks(t *testing.T) {
	h := newHarness(t)
	root := h.submit(t, h.chat, "What is X?")
	chatPathBefore, err := h.resolver.PathToRoot(h.registry.Active(h.chat), root.NodeID)
	require.NoError(t, err)

	dive := valueobjects.DeepDiveContext(root.NodeID, h.session)
	fork := h.submit(t, dive, "Explain X more")
	assert.Equal(t, handlers.TransitionForkCreated, fork.Transition)
	assert.True(t, fork.ParentID.Equals(root.NodeID))
	h.graph.ReadNode(fork.NodeID, func(n *entities.Node) {
		assert.True(t, n.IsFork())
		assert.Equal(t, "Explain X more", n.Question())
		assert.Equal(t, dive.Key(), n.CreatedIn().Key())
	})
	assert.True(t, h.graph.SessionRoot(h.session).Equals(root.NodeID), "fork must not become a second root")

	chatPathAfter, err := h.resolver.PathToRoot(h.registry.Active(h.chat), root.NodeID)
	require.NoError(t, err)
	assert.Equal(t, chatPathBefore, chatPathAfter)

	next := h.submit(t, dive, "And then?")
	assert.Equal(t, handlers.TransitionChildCreated, next.Transition)
	assert.True(t, next.ParentID.Equals(fork.NodeID))

	msgs := h.messages(t, next.NodeID, root.NodeID)
	require.Len(t, msgs, 6)
	assert.Equal(t, "Explain X more", msgs[2].Content)
}

func TestSubmit_DeepDiveValidation(t *testing.T) {
	h := newHarness(t)
	h.submit(t, h.chat, "root")

	_, err := h.orch.Handle(context.Background(), commands.SubmitCommand{
		ContextKey: valueobjects.DeepDiveContext(valueobjects.MustNodeID("ghost"), h.session).Key(),
		Text:       "hello",
	})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestSubmit_AnswerFailureAttachesFallback(t *testing.T) {
	h := newHarness(t)
	h.remote.Fail(remotetest.OpAsk, -1)

	res := h.submit(t, h.chat, "What is X?")
	assert.True(t, res.Synced)
	assert.True(t, res.FallbackAnswer)
	assert.NotEmpty(t, res.Answer)
	assert.True(t, hasWarning(res, pkgerrors.ErrorTypeAnswerFailed))
	for _, w := range res.Warnings {
		assert.True(t, pkgerrors.Recoverable(w))
	}

	msgs := h.messages(t, res.NodeID, res.NodeID)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Fallback)
}

func TestSubmit_RemoteCreateFailureFallsBackToLocal(t *testing.T) {
	h := newHarness(t)
	h.remote.Fail(remotetest.OpCreateNode, -1)

	res := h.submit(t, h.chat, "offline question")
	assert.Equal(t, handlers.TransitionRootCreated, res.Transition)
	assert.False(t, res.Synced)
	assert.True(t, res.NodeID.IsLocal())
	assert.True(t, hasWarning(res, pkgerrors.ErrorTypeCreateFailed))
	assert.True(t, hasWarning(res, pkgerrors.ErrorTypeAnswerFailed))
	assert.Equal(t, services.WriteFellBack, res.Pointer)

	local, found := h.gateway.LocalPointer(context.Background(), h.chat)
	require.True(t, found)
	assert.True(t, local.Equals(res.NodeID))

	var rec services.NodeRecord
	found, err := h.gateway.GetJSON(context.Background(), services.NodeKey(res.NodeID), &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.Synced)

	child := h.submit(t, h.chat, "still offline")
	assert.Equal(t, handlers.TransitionChildCreated, child.Transition)
	assert.True(t, child.NodeID.IsLocal())
	assert.True(t, child.ParentID.Equals(res.NodeID))
}

func TestSubmit_StalePointerIsReset(t *testing.T) {
	h := newHarness(t)
	root := h.submit(t, h.chat, "root")
	h.registry.SetActive(h.chat, valueobjects.MustNodeID("ghost"), "test")

	res := h.submit(t, h.chat, "after reset")
	assert.Equal(t, handlers.TransitionChildCreated, res.Transition)
	assert.True(t, res.ParentID.Equals(root.NodeID))

	var reasons []string
	for _, tr := range h.registry.Transitions() {
		reasons = append(reasons, tr.Reason)
	}
	assert.Contains(t, reasons, "active node missing from session")
}

func TestSubmit_CorruptedGraphAborts(t *testing.T) {
	h := newHarness(t)
	h.submit(t, h.chat, "root")

	a, err := entities.NewNode(valueobjects.MustNodeID("a"), h.session, "a", h.chat, false, true, nil)
	require.NoError(t, err)
	b, err := entities.NewNode(valueobjects.MustNodeID("b"), h.session, "b", h.chat, false, true, nil)
	require.NoError(t, err)
	_, _, _ = h.graph.AddNode(a)
	_, _, _ = h.graph.AddNode(b)
	require.NoError(t, h.graph.LoadEdge(a.ID(), b.ID()))
	require.NoError(t, h.graph.LoadEdge(b.ID(), a.ID()))
	h.registry.SetActive(h.chat, a.ID(), "test")

	before := h.graph.NodeCount()
	_, err = h.orch.Handle(context.Background(), commands.SubmitCommand{ContextKey: h.chat.Key(), Text: "boom"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCorruptedGraph(err))
	assert.Equal(t, before, h.graph.NodeCount())
}

func TestSubmit_PointerVerificationMismatchIsWarning(t *testing.T) {
	h := newHarness(t)
	h.remote.IgnoreContextUpdates = true

	res := h.submit(t, h.chat, "What is X?")
	assert.True(t, res.Synced)
	assert.Equal(t, services.WriteFellBack, res.Pointer)
	assert.True(t, hasWarning(res, pkgerrors.ErrorTypeVerificationMismatch))
	assert.Equal(t, "answer to What is X?", res.Answer)
}

func TestSubmit_ExtendsUnansweredNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rn, err := h.remote.CreateNode(ctx, ports.CreateNodeRequest{SessionID: h.session.String(), Question: "pending"})
	require.NoError(t, err)
	id := valueobjects.MustNodeID(rn.ID)
	node := entities.ReconstructNode(id, h.session, "pending", false, h.chat,
		[]entities.Turn{{Seq: 0, Question: "pending"}}, true, time.Now(), time.Now())
	_, _, err = h.graph.AddNode(node)
	require.NoError(t, err)
	require.NoError(t, h.graph.UpdateSession(h.session, func(s *entities.Session) error { return s.SetRoot(id) }))

	res := h.submit(t, h.chat, "one more detail")
	assert.Equal(t, handlers.TransitionNodeExtended, res.Transition)
	assert.True(t, res.NodeID.Equals(id))
	assert.Equal(t, 1, res.Seq)
	assert.Equal(t, 1, h.graph.NodeCount())

	h.graph.ReadNode(id, func(n *entities.Node) {
		turns := n.Turns()
		require.Len(t, turns, 2)
		assert.False(t, turns[0].Answered)
		assert.True(t, turns[1].Answered)
	})
	assert.Contains(t, h.publisher.types(), events.TypeNodeExtended)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		cmd  commands.SubmitCommand
	}{
		{"blank text", commands.SubmitCommand{ContextKey: h.chat.Key(), Text: "   "}},
		{"missing context", commands.SubmitCommand{Text: "hi"}},
		{"malformed context", commands.SubmitCommand{ContextKey: "tab:1", Text: "hi"}},
		{"unknown session", commands.SubmitCommand{ContextKey: "chat:nope", Text: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Handle(context.Background(), tt.cmd)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsValidation(err), "got %v", err)
		})
	}
	assert.Zero(t, h.graph.NodeCount())
}

func TestSubmit_PublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("bus down"))
	orch := handlers.NewNodeOrchestrator(h.graph, h.registry, h.resolver, h.gateway, pub, nil, nil, MockLogger{})

	res, err := orch.Handle(context.Background(), commands.SubmitCommand{ContextKey: h.chat.Key(), Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, handlers.TransitionRootCreated, res.Transition)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

type failingStrategy struct{ err error }

func (failingStrategy) Name() string { return "failing" }
func (f failingStrategy) Create(context.Context, handlers.CreationRequest) (handlers.CreationOutcome, error) {
	return handlers.CreationOutcome{}, f.err
}

func TestSubmit_AllStrategiesFail(t *testing.T) {
	h := newHarness(t)
	h.orch.WithStrategies(failingStrategy{err: errors.New("nope")})

	_, err := h.orch.Handle(context.Background(), commands.SubmitCommand{ContextKey: h.chat.Key(), Text: "hello"})
	require.Error(t, err)
	assert.Zero(t, h.graph.NodeCount())
	assert.True(t, h.registry.Active(h.chat).IsZero())
}
