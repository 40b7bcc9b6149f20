package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"treechat/application/commands"
	"treechat/application/engine"
	"treechat/domain/core/valueobjects"
	pkgerrors "treechat/pkg/errors"
)

// SessionHandler handles session lifecycle requests
type SessionHandler struct {
	responder
	engine *engine.TreeEngine
}

func NewSessionHandler(e *engine.TreeEngine, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{responder: responder{errors: errs, logger: logger}, engine: e}
}

// SessionResponse describes a session and its chat context.
type SessionResponse struct {
	SessionID  valueobjects.SessionID `json:"session_id"`
	Name       string                 `json:"name"`
	RootNodeID valueobjects.NodeID    `json:"root_node_id"`
	Synced     bool                   `json:"synced"`
	ContextID  string                 `json:"context_id"`
	ActiveNode valueobjects.NodeID    `json:"active_node_id"`
	Source     string                 `json:"source,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	Warnings   []Warning              `json:"warnings"`
}

func (h *SessionHandler) sessionResponse(res *engine.SessionResult) SessionResponse {
	path, _ := h.engine.ActivePath(res.Context)
	var active valueobjects.NodeID
	if len(path) > 0 {
		active = path[len(path)-1]
	}
	return SessionResponse{
		SessionID:  res.Session.ID(),
		Name:       res.Session.Name(),
		RootNodeID: res.Session.RootNodeID(),
		Synced:     res.Session.Synced(),
		ContextID:  res.Context.Key(),
		ActiveNode: active,
		Source:     string(res.Source),
		CreatedAt:  res.Session.CreatedAt(),
		Warnings:   toWarnings(res.Warnings),
	}
}

func sessionIDParam(r *http.Request) (valueobjects.SessionID, error) {
	raw, err := pathParam(r, "sessionID")
	if err != nil {
		return valueobjects.SessionID{}, err
	}
	sid, err := valueobjects.NewSessionIDFromString(raw)
	if err != nil {
		return valueobjects.SessionID{}, pkgerrors.NewValidationError(err.Error())
	}
	return sid, nil
}

// CreateSession handles POST /sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var cmd commands.CreateSessionCommand
	if err := decode(r, &cmd); err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.engine.CreateSession(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, h.sessionResponse(res))
}

// GetSession handles GET /sessions/{sessionID}, loading the session if needed
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionIDParam(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.engine.LoadSession(r.Context(), sid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.sessionResponse(res))
}

// GetTree handles GET /sessions/{sessionID}/tree
func (h *SessionHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionIDParam(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	tree, err := h.engine.Tree(sid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, tree)
}

// DeleteSession handles DELETE /sessions/{sessionID}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionIDParam(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.engine.DeleteSession(r.Context(), sid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	contexts := make([]string, 0, len(res.Contexts))
	for _, c := range res.Contexts {
		contexts = append(contexts, c.Key())
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":       res.SessionID,
		"nodes_removed":    len(res.Removed),
		"contexts_removed": contexts,
		"warnings":         toWarnings(res.Warnings),
	})
}

// OpenDeepDiveRequest is the body of POST /sessions/{sessionID}/deepdives
type OpenDeepDiveRequest struct {
	OriginNodeID string `json:"origin_node_id"`
}

// OpenDeepDive handles POST /sessions/{sessionID}/deepdives
func (h *SessionHandler) OpenDeepDive(w http.ResponseWriter, r *http.Request) {
	sid, err := pathParam(r, "sessionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req OpenDeepDiveRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	ref, err := h.engine.OpenDeepDive(commands.OpenDeepDiveCommand{SessionID: sid, OriginNodeID: req.OriginNodeID})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{
		"context_id":     ref.Key(),
		"origin_node_id": ref.OriginID().String(),
	})
}

// RebuildMessages handles POST /sessions/{sessionID}/rebuild-messages
func (h *SessionHandler) RebuildMessages(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionIDParam(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	n, err := h.engine.RebuildMessageCache(r.Context(), sid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"nodes_rebuilt": n})
}
