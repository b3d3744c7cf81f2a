package api

import (
	"encoding/json"
	"net/http"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/templates"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err to a status code and a small JSON error body. A
// *templates.TemplateError is reported as KindInvalidTemplate; anything
// else is classified through apperr.KindOf, defaulting to 500.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if _, ok := err.(*templates.TemplateError); ok {
		kind = apperr.KindInvalidTemplate
	}

	status := statusForKind(kind)
	writeJSON(w, status, map[string]string{
		"error":   string(kind),
		"message": err.Error(),
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInvalidTemplate, apperr.KindBadRequest:
		return http.StatusBadRequest
	case apperr.KindInvalidState:
		return http.StatusLocked
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "decode request body")
	}
	return nil
}
