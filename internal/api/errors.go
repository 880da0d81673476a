// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/log"
)

// errorEnvelope is the stable error wire format.
type errorEnvelope struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its error kind envelope and HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierr.KindOf(err)
	env := errorEnvelope{
		Error:   string(kind),
		Message: err.Error(),
	}
	var e *apierr.E
	if errors.As(err, &e) {
		env.Details = e.Details
	}

	status := apierr.HTTPStatus(kind)
	if status >= 500 {
		log.WithComponentFromContext(r.Context(), "api").Error().Err(err).
			Str("event", "api.error").
			Str("kind", string(kind)).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, status, env)
}

// writeValidation is shorthand for a VALIDATION_ERROR envelope.
func writeValidation(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, apierr.New(apierr.KindValidation, msg))
}
