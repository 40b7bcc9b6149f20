package handlers

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"treechat/application/commands"
	"treechat/application/ports"
	"treechat/application/services"
	"treechat/domain/config"
	"treechat/domain/core/aggregates"
	"treechat/domain/core/entities"
	"treechat/domain/core/valueobjects"
	"treechat/domain/events"
	domainservices "treechat/domain/services"
	pkgerrors "treechat/pkg/errors"
	"treechat/pkg/observability"
)

// Logger interface for flexible logging
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Transition names the graph mutation a submission produced.
type Transition string

const (
	TransitionRootCreated  Transition = "root_created"
	TransitionChildCreated Transition = "child_created"
	TransitionForkCreated  Transition = "fork_created"
	TransitionNodeExtended Transition = "node_extended"
	TransitionDuplicate    Transition = "duplicate_absorbed"
)

// SubmitResult describes what a submission did. Warnings carry recoverable
// errors (CreateFailed, AnswerFailed, VerificationMismatch, cache failures)
// that did not stop the submission.
type SubmitResult struct {
	Context        valueobjects.ContextRef `json:"-"`
	ContextKey     string                  `json:"context_id"`
	NodeID         valueobjects.NodeID     `json:"node_id"`
	ParentID       valueobjects.NodeID     `json:"parent_id"`
	Transition     Transition              `json:"transition"`
	Seq            int                     `json:"seq"`
	Answer         string                  `json:"answer"`
	FallbackAnswer bool                    `json:"fallback_answer"`
	Synced         bool                    `json:"synced"`
	Pointer        services.WriteOutcome   `json:"pointer,omitempty"`
	Warnings       []error                 `json:"-"`

	pending []events.DomainEvent
}

// NodeOrchestrator turns a submitted message into a graph mutation: a new
// root, a child, a fork, or an extension of an unanswered node.
type NodeOrchestrator struct {
	graph     *aggregates.Graph
	registry  *aggregates.ContextRegistry
	resolver  *domainservices.PathResolver
	gateway   *services.SyncGateway
	publisher ports.EventPublisher
	creators  []CreationStrategy
	metrics   *observability.Metrics
	cfg       *config.DomainConfig
	logger    Logger

	inflight singleflight.Group
}

// NewNodeOrchestrator creates a new orchestrator instance. Creation is tried
// remotely first, then locally.
func NewNodeOrchestrator(
	graph *aggregates.Graph,
	registry *aggregates.ContextRegistry,
	resolver *domainservices.PathResolver,
	gateway *services.SyncGateway,
	publisher ports.EventPublisher,
	metrics *observability.Metrics,
	cfg *config.DomainConfig,
	logger Logger,
) *NodeOrchestrator {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	return &NodeOrchestrator{
		graph:     graph,
		registry:  registry,
		resolver:  resolver,
		gateway:   gateway,
		publisher: publisher,
		creators:  []CreationStrategy{NewRemoteCreation(gateway), LocalCreation{}},
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// WithStrategies replaces the ordered creation strategies.
func (o *NodeOrchestrator) WithStrategies(s ...CreationStrategy) *NodeOrchestrator {
	o.creators = s
	return o
}

// plan is the decision taken for one submission.
type plan struct {
	ref        valueobjects.ContextRef
	session    *entities.Session
	text       string
	transition Transition
	parent     valueobjects.NodeID // zero for roots
	target     valueobjects.NodeID // node extended, or duplicate reused
}

// Handle processes a submission. Only validation and corrupted graph errors
// are returned; everything else is reported in SubmitResult.Warnings.
// Concurrent identical submissions to one context share a single execution;
// it runs under the first caller's ctx, so cancelling that ctx cancels it for
// every waiting caller. Each caller gets its own copy of the result.
func (o *NodeOrchestrator) Handle(ctx context.Context, cmd commands.SubmitCommand) (*SubmitResult, error) {
	cmd = cmd.Normalized()
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	ref, err := valueobjects.ParseContextRef(cmd.ContextKey)
	if err != nil {
		return nil, pkgerrors.NewValidationError(err.Error())
	}

	v, err, shared := o.inflight.Do(ref.Key()+"\x00"+cmd.Text, func() (interface{}, error) {
		return o.submit(ctx, ref, cmd.Text)
	})
	if shared {
		o.logger.Debug("Concurrent duplicate submission collapsed", "context", ref.Key())
	}
	res, _ := v.(*SubmitResult)
	if res == nil {
		return nil, err
	}
	out := *res
	out.Warnings = append([]error(nil), res.Warnings...)
	return &out, err
}

func (o *NodeOrchestrator) submit(ctx context.Context, ref valueobjects.ContextRef, text string) (*SubmitResult, error) {
	// Step 1: Decide what to do
	p, err := o.decide(ref, text)
	if err != nil {
		return nil, err
	}

	res := &SubmitResult{Context: ref, ContextKey: ref.Key(), Transition: p.transition, ParentID: p.parent}

	// Step 2: Mutate the graph
	switch p.transition {
	case TransitionDuplicate:
		o.logger.Info("Duplicate submission absorbed", "context", ref.Key(), "node_id", p.target.String())
		o.fillFromNode(res, p.target)
		o.metrics.RecordSubmission(string(p.transition))
		return res, nil
	case TransitionNodeExtended:
		if err := o.extend(p, res); err != nil {
			return nil, err
		}
	default:
		if err := o.create(ctx, p, res); err != nil {
			return nil, err
		}
	}

	// Step 3: Fetch the answer for the node captured above
	o.fetchAnswer(ctx, res, text)

	// Step 4: Mirror locally and publish
	o.mirror(ctx, res)
	o.publish(ctx, res)
	o.metrics.RecordSubmission(string(res.Transition))

	o.logger.Info("Submission processed",
		"context", ref.Key(),
		"node_id", res.NodeID.String(),
		"transition", string(res.Transition),
		"synced", res.Synced,
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// decide reads registry and graph state and picks a transition.
func (o *NodeOrchestrator) decide(ref valueobjects.ContextRef, text string) (plan, error) {
	session, ok := o.graph.Session(ref.SessionID())
	if !ok {
		return plan{}, pkgerrors.NewValidationError(fmt.Sprintf("unknown session %s", ref.SessionID()))
	}
	p := plan{ref: ref, session: session, text: text}
	root := o.graph.SessionRoot(ref.SessionID())

	var initial valueobjects.NodeID
	if ref.IsDeepDive() {
		origin := ref.OriginID()
		if !o.graph.HasNode(origin) {
			return plan{}, pkgerrors.NewValidationError(fmt.Sprintf("deep dive origin %s not found", origin))
		}
		if !o.resolver.InSession(origin, root) {
			return plan{}, pkgerrors.NewValidationError(fmt.Sprintf("node %s does not belong to session %s", origin, ref.SessionID()))
		}
		initial = origin
	} else {
		initial = root
	}
	active := o.registry.Ensure(ref, initial, "context created")

	// A pointer to a node that is gone or outside the session is reset, never silently.
	if !active.IsZero() {
		path, err := o.resolver.PathToRoot(active, root)
		if err != nil {
			o.logger.Error("Corrupted graph while resolving active node",
				"context", ref.Key(), "active", active.String(), "error", err)
			return plan{}, err
		}
		if !o.graph.HasNode(active) || len(path) == 0 || !path[len(path)-1].Equals(active) {
			o.logger.Warn("Active node not found in session, resetting", "context", ref.Key(), "stale", active.String())
			o.registry.SetActive(ref, initial, "active node missing from session")
			active = initial
		}
	}

	// NoActiveNode: the chat context of a session without a root.
	if active.IsZero() {
		if !root.IsZero() {
			o.registry.SetActive(ref, root, "defaulted to session root")
			active = root
		} else {
			p.transition = TransitionRootCreated
			return p, nil
		}
	}

	// Deep dive still at its origin: fork.
	if ref.IsDeepDive() && active.Equals(ref.OriginID()) {
		p.transition = TransitionForkCreated
		p.parent = active
		return p, nil
	}

	var (
		lastQ    string
		hasQ     bool
		answered bool
	)
	o.graph.ReadNode(active, func(n *entities.Node) {
		lastQ, hasQ = n.LastQuestion()
		answered = n.HasAnswer()
	})

	switch {
	case hasQ && lastQ == text:
		p.transition = TransitionDuplicate
		p.target = active
	case !answered:
		p.transition = TransitionNodeExtended
		p.target = active
	default:
		p.transition = TransitionChildCreated
		p.parent = active
	}
	return p, nil
}

// create runs the creation strategies in order and links the new node.
func (o *NodeOrchestrator) create(ctx context.Context, p plan, res *SubmitResult) error {
	req := CreationRequest{
		Session:  p.session.ID(),
		Parent:   p.parent,
		Question: p.text,
		IsFork:   p.transition == TransitionForkCreated,
		Context:  p.ref,
	}

	var (
		outcome CreationOutcome
		lastErr error
		created bool
	)
	for _, s := range o.creators {
		out, err := s.Create(ctx, req)
		if err == nil {
			outcome, created = out, true
			break
		}
		lastErr = err
		o.logger.Warn("Creation strategy failed", "strategy", s.Name(), "error", err)
	}
	if !created {
		return fmt.Errorf("failed to create node: %w", lastErr)
	}
	if !outcome.Synced {
		res.Warnings = append(res.Warnings, pkgerrors.NewCreateFailedError(lastErr).WithDetail("node_id", outcome.ID.String()))
		o.metrics.RecordFallback(ctx, "local_create")
	}

	node, err := entities.NewNode(outcome.ID, p.session.ID(), p.text, p.ref, req.IsFork, outcome.Synced, o.cfg)
	if err != nil {
		return err
	}
	stored, _, err := o.graph.AddNode(node)
	if err != nil {
		return err
	}

	switch p.transition {
	case TransitionRootCreated:
		root, err := o.graph.ClaimRoot(p.session.ID(), stored.ID())
		if err != nil {
			if errors.Is(err, aggregates.ErrSessionMissing) {
				return pkgerrors.NewValidationError(fmt.Sprintf("session %s no longer exists", p.session.ID()))
			}
			return pkgerrors.NewCorruptedGraphError(err.Error())
		}
		// Another submission created the root while this one was in flight.
		if !root.Equals(stored.ID()) {
			o.logger.Warn("Root created concurrently, linking as child",
				"context", p.ref.Key(), "node_id", stored.ID().String(), "root", root.String())
			p.transition, p.parent = TransitionChildCreated, root
			res.Transition, res.ParentID = p.transition, root
		}
	default:
		if err := o.graph.AddEdge(p.parent, stored.ID()); err != nil {
			if errors.Is(err, aggregates.ErrNodeNotFound) {
				return pkgerrors.NewValidationError(fmt.Sprintf("parent %s no longer exists", p.parent))
			}
			return pkgerrors.NewCorruptedGraphError(err.Error())
		}
	}

	o.registry.SetActive(p.ref, stored.ID(), string(p.transition))
	res.pending = append(res.pending, events.NewNodeCreated(stored.ID(), p.session.ID(), p.parent,
		nodeKind(p.transition), p.ref, outcome.Synced, stored.CreatedAt()))

	res.NodeID = stored.ID()
	res.Seq = 0
	res.Synced = outcome.Synced
	res.Pointer = o.movePointer(ctx, p.ref, stored.ID(), outcome.Synced, res)
	return nil
}

// extend appends the question to an unanswered node.
func (o *NodeOrchestrator) extend(p plan, res *SubmitResult) error {
	var seq int
	err := o.graph.UpdateNode(p.target, func(n *entities.Node) error {
		var err error
		seq, err = n.Ask(p.text)
		res.Synced = n.Synced()
		return err
	})
	if err != nil {
		return err
	}
	res.NodeID = p.target
	res.Seq = seq
	if parent, ok := o.graph.ParentOf(p.target); ok {
		res.ParentID = parent
	}
	return nil
}

// movePointer records the new active node on the server, or locally for
// nodes the server does not know.
func (o *NodeOrchestrator) movePointer(ctx context.Context, ref valueobjects.ContextRef, id valueobjects.NodeID, synced bool, res *SubmitResult) services.WriteOutcome {
	if !synced {
		if err := o.gateway.PutJSON(ctx, services.PointerKey(ref), services.PointerRecord{
			Context:      ref.Key(),
			ActiveNodeID: id.String(),
		}); err != nil {
			res.Warnings = append(res.Warnings, err)
			return services.WriteAbandoned
		}
		return services.WriteFellBack
	}
	outcome, err := o.gateway.MoveContextPointer(ctx, ref, id)
	if err != nil {
		res.Warnings = append(res.Warnings, err)
	}
	return outcome
}

// fetchAnswer asks for the answer of res.Seq and attaches it, or a marked
// fallback, to the node captured in res regardless of where the context
// pointer has moved since.
func (o *NodeOrchestrator) fetchAnswer(ctx context.Context, res *SubmitResult, question string) {
	answer, fallback := "", false
	var askErr error
	if res.Synced {
		qa, err := o.gateway.Ask(ctx, res.NodeID, question)
		if err == nil {
			answer = qa.Answer
		} else {
			askErr = err
		}
	} else {
		askErr = pkgerrors.NewRemoteUnavailableError("ask", errors.New("node exists only locally"))
	}
	if askErr != nil {
		answer, fallback = o.cfg.FallbackAnswer, true
		res.Warnings = append(res.Warnings, pkgerrors.NewAnswerFailedError(res.NodeID.String(), askErr))
		o.metrics.RecordFallback(ctx, "fallback_answer")
		o.logger.Warn("Answer unavailable, attaching fallback", "node_id", res.NodeID.String(), "error", askErr)
	}

	err := o.graph.UpdateNode(res.NodeID, func(n *entities.Node) error {
		return n.AttachAnswer(res.Seq, answer, fallback)
	})
	if err != nil {
		o.logger.Warn("Answer arrived for a node that is gone", "node_id", res.NodeID.String(), "error", err)
		res.Warnings = append(res.Warnings, pkgerrors.NewAnswerFailedError(res.NodeID.String(), err))
		return
	}
	res.Answer, res.FallbackAnswer = answer, fallback
}

func (o *NodeOrchestrator) fillFromNode(res *SubmitResult, id valueobjects.NodeID) {
	res.NodeID = id
	o.graph.ReadNode(id, func(n *entities.Node) {
		res.Synced = n.Synced()
		turns := n.Turns()
		if len(turns) == 0 {
			return
		}
		last := turns[len(turns)-1]
		res.Seq = last.Seq
		res.Answer = last.Answer
		res.FallbackAnswer = last.Fallback
	})
	if parent, ok := o.graph.ParentOf(id); ok {
		res.ParentID = parent
	}
}

// mirror writes the node, its edge, its messages and the session to the local cache.
func (o *NodeOrchestrator) mirror(ctx context.Context, res *SubmitResult) {
	var (
		rec  services.NodeRecord
		msgs []valueobjects.Message
	)
	if !o.graph.ReadNode(res.NodeID, func(n *entities.Node) {
		rec = services.NewNodeRecord(n, res.ParentID)
		msgs = n.Messages()
	}) {
		return
	}

	warn := func(err error) {
		if err != nil {
			o.logger.Warn("Local mirror write failed", "node_id", res.NodeID.String(), "error", err)
			res.Warnings = append(res.Warnings, err)
		}
	}
	o.gateway.InvalidateTree(ctx, res.Context.SessionID(), res.NodeID)
	warn(o.gateway.PutJSON(ctx, services.NodeKey(res.NodeID), rec))
	warn(o.gateway.PutJSON(ctx, services.MessagesKey(res.NodeID), msgs))
	if !res.ParentID.IsZero() {
		warn(o.gateway.AppendEdge(ctx, res.Context.SessionID(), services.EdgeRecord{
			Source: res.ParentID.String(),
			Target: res.NodeID.String(),
		}))
	}
	if res.Transition == TransitionRootCreated {
		if s, ok := o.graph.Session(res.Context.SessionID()); ok {
			warn(o.gateway.PutJSON(ctx, services.SessionKey(s.ID()), services.NewSessionRecord(s)))
		}
	}
}

// publish sends node and session events after the in-memory commit. Publish
// failures are logged only.
func (o *NodeOrchestrator) publish(ctx context.Context, res *SubmitResult) {
	pending := res.pending
	_ = o.graph.UpdateNode(res.NodeID, func(n *entities.Node) error {
		pending = append(pending, n.GetUncommittedEvents()...)
		n.MarkEventsAsCommitted()
		return nil
	})
	if o.publisher == nil || len(pending) == 0 {
		return
	}
	if err := o.publisher.Publish(ctx, pending); err != nil {
		o.logger.Error("Failed to publish events", "node_id", res.NodeID.String(), "error", err)
	}
}

func nodeKind(t Transition) events.NodeKind {
	switch t {
	case TransitionRootCreated:
		return events.NodeKindRoot
	case TransitionForkCreated:
		return events.NodeKindFork
	}
	return events.NodeKindChild
}
