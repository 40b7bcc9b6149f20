package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"treechat/application/commands"
	cmdhandlers "treechat/application/commands/handlers"
	"treechat/application/engine"
	"treechat/domain/core/aggregates"
	"treechat/domain/core/valueobjects"
	pkgerrors "treechat/pkg/errors"
)

// ContextHandler handles requests scoped to one conversation context
type ContextHandler struct {
	responder
	engine *engine.TreeEngine
}

func NewContextHandler(e *engine.TreeEngine, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *ContextHandler {
	return &ContextHandler{responder: responder{errors: errs, logger: logger}, engine: e}
}

func contextParam(r *http.Request) (valueobjects.ContextRef, error) {
	raw, err := pathParam(r, "contextID")
	if err != nil {
		return valueobjects.ContextRef{}, err
	}
	ref, err := valueobjects.ParseContextRef(raw)
	if err != nil {
		return valueobjects.ContextRef{}, pkgerrors.NewValidationError(err.Error())
	}
	return ref, nil
}

// SubmitRequest is the body of POST /contexts/{contextID}/messages
type SubmitRequest struct {
	Text string `json:"text"`
}

// SubmitResponse wraps the submission outcome with its warnings
type SubmitResponse struct {
	*cmdhandlers.SubmitResult
	Warnings []Warning `json:"warnings"`
}

// Submit handles POST /contexts/{contextID}/messages
func (h *ContextHandler) Submit(w http.ResponseWriter, r *http.Request) {
	key, err := pathParam(r, "contextID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req SubmitRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.engine.Submit(r.Context(), key, req.Text)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Transition == cmdhandlers.TransitionDuplicate || res.Transition == cmdhandlers.TransitionNodeExtended {
		status = http.StatusOK
	}
	h.respondJSON(w, status, SubmitResponse{SubmitResult: res, Warnings: toWarnings(res.Warnings)})
}

// Messages handles GET /contexts/{contextID}/messages
func (h *ContextHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ref, err := contextParam(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	msgs, err := h.engine.Messages(ref)
	if err != nil && msgs == nil {
		h.respondError(w, r, err)
		return
	}
	body := map[string]interface{}{"context_id": ref.Key(), "messages": nonNil(msgs), "partial": err != nil}
	h.respondJSON(w, http.StatusOK, body)
}

// Path handles GET /contexts/{contextID}/path
func (h *ContextHandler) Path(w http.ResponseWriter, r *http.Request) {
	ref, err := contextParam(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	path, err := h.engine.ActivePath(ref)
	if err != nil && path == nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"context_id": ref.Key(), "path": nonNil(path), "partial": err != nil})
}

// SetActiveRequest is the body of PUT /contexts/{contextID}/active
type SetActiveRequest struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// SetActive handles PUT /contexts/{contextID}/active
func (h *ContextHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	key, err := pathParam(r, "contextID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req SetActiveRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	t, warnings, err := h.engine.SetActive(r.Context(), commands.SetActiveCommand{ContextKey: key, NodeID: req.NodeID, Reason: req.Reason})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"transition": t, "warnings": toWarnings(warnings)})
}

// Close handles DELETE /contexts/{contextID}; only deep dives can be closed
func (h *ContextHandler) Close(w http.ResponseWriter, r *http.Request) {
	ref, err := contextParam(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.engine.CloseDeepDive(r.Context(), ref); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Transitions handles GET /transitions
func (h *ContextHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	ts := h.engine.Transitions()
	if ts == nil {
		ts = []aggregates.Transition{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"transitions": ts})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
