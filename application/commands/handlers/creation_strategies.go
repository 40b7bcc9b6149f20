package handlers

import (
	"context"
	"errors"

	"treechat/application/ports"
	"treechat/application/services"
	"treechat/domain/core/valueobjects"
)

// ErrStrategySkipped is returned by a strategy that does not apply to a request.
var ErrStrategySkipped = errors.New("strategy does not apply")

// CreationRequest is what a strategy needs to materialize a node.
type CreationRequest struct {
	Session  valueobjects.SessionID
	Parent   valueobjects.NodeID
	Question string
	IsFork   bool
	Context  valueobjects.ContextRef
}

// CreationOutcome is the id a strategy produced and whether the server owns it.
type CreationOutcome struct {
	ID     valueobjects.NodeID
	Synced bool
}

// CreationStrategy is one way of materializing a node. Strategies are tried
// in order until one succeeds.
type CreationStrategy interface {
	Name() string
	Create(ctx context.Context, req CreationRequest) (CreationOutcome, error)
}

// RemoteCreation creates the node on the server.
type RemoteCreation struct {
	gateway *services.SyncGateway
}

func NewRemoteCreation(gateway *services.SyncGateway) RemoteCreation {
	return RemoteCreation{gateway: gateway}
}

func (RemoteCreation) Name() string { return "remote" }

func (r RemoteCreation) Create(ctx context.Context, req CreationRequest) (CreationOutcome, error) {
	// The server cannot parent a node under one it has never seen.
	if req.Parent.IsLocal() || req.Session.IsZero() || req.Session.IsLocal() {
		return CreationOutcome{}, ErrStrategySkipped
	}
	node, err := r.gateway.CreateNode(ctx, ports.CreateNodeRequest{
		SessionID: req.Session.String(),
		ParentID:  req.Parent.String(),
		Question:  req.Question,
		IsFork:    req.IsFork,
		ContextID: req.Context.Key(),
	})
	if err != nil {
		return CreationOutcome{}, err
	}
	id, err := valueobjects.NewNodeIDFromString(node.ID)
	if err != nil {
		return CreationOutcome{}, err
	}
	return CreationOutcome{ID: id, Synced: true}, nil
}

// LocalCreation mints a local id so the user is never blocked.
type LocalCreation struct{}

func (LocalCreation) Name() string { return "local" }

func (LocalCreation) Create(context.Context, CreationRequest) (CreationOutcome, error) {
	return CreationOutcome{ID: valueobjects.NewLocalNodeID(), Synced: false}, nil
}
