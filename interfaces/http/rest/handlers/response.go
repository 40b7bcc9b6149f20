package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	pkgerrors "treechat/pkg/errors"
)

// maxBodyBytes bounds request bodies; questions are capped well below it.
const maxBodyBytes = 1 << 20

// Warning is a recoverable failure reported next to a successful result.
type Warning struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func toWarnings(errs []error) []Warning {
	out := make([]Warning, 0, len(errs))
	for _, err := range errs {
		w := Warning{Type: string(pkgerrors.ErrorTypeInternal), Message: err.Error(), Recoverable: pkgerrors.Recoverable(err)}
		if appErr := pkgerrors.GetAppError(err); appErr != nil {
			w.Type = string(appErr.Type)
			w.Message = appErr.Message
		}
		out = append(out, w)
	}
	return out
}

type responder struct {
	errors *pkgerrors.ErrorHandler
	logger *zap.Logger
}

func (h responder) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h responder) respondError(w http.ResponseWriter, r *http.Request, err error) {
	h.errors.Handle(w, r, err)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return pkgerrors.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}

// pathParam returns an unescaped URL parameter. Context keys contain ':'
// which clients may percent-encode.
func pathParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	v, err := url.PathUnescape(raw)
	if err != nil {
		return "", pkgerrors.NewValidationError("malformed path parameter " + name)
	}
	if v == "" {
		return "", pkgerrors.NewValidationError(name + " is required")
	}
	return v, nil
}
