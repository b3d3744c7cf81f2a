package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/storage"
	"github.com/wobcom/vicky/pkg/templates"
	"github.com/wobcom/vicky/pkg/types"
)

type instantiateRequest struct {
	Variables         map[string]string `json:"variables"`
	NeedsConfirmation bool              `json:"needs_confirmation,omitempty"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tmpls, err := s.store.ListTaskTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpls)
}

func (s *Server) handleAddTemplate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAnyRole(w, r); !ok {
		return
	}

	var tmpl types.TaskTemplate
	if err := decodeJSON(r, &tmpl); err != nil {
		writeError(w, err)
		return
	}
	if err := templates.Validate(tmpl); err != nil {
		writeError(w, err)
		return
	}

	tmpl.ID = uuid.New()
	tmpl.CreatedAt = time.Now()

	if existing, err := s.store.GetTaskTemplateByName(r.Context(), tmpl.Name); err == nil && existing != nil {
		writeError(w, apperr.New(apperr.KindConflict, "task template %q already exists", tmpl.Name))
		return
	}

	err := s.store.WithTx(r.Context(), func(tx storage.Tx) error {
		return tx.InsertTaskTemplate(r.Context(), tmpl)
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, err, "insert task template %s", tmpl.Name))
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAnyRole(w, r); !ok {
		return
	}

	tmpl, err := s.store.GetTaskTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req instantiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task, err := templates.Instantiate(*tmpl, req.Variables, req.NeedsConfirmation)
	if err != nil {
		writeError(w, err)
		return
	}

	submitted, err := s.scheduler.Submit(r.Context(), *task, req.NeedsConfirmation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitted)
}
