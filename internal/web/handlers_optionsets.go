package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jthorsen/optionset/internal/dataverse"
)

// handleListOptionSets lists all global OptionSets. A q query parameter
// narrows the list to display labels containing the term.
func (s *Server) handleListOptionSets(w http.ResponseWriter, r *http.Request) {
	var (
		sets []dataverse.OptionSetInfo
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		sets, err = s.service.SearchOptionSets(r.Context(), q)
	} else {
		sets, err = s.service.ListOptionSets(r.Context())
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	if sets == nil {
		sets = []dataverse.OptionSetInfo{}
	}
	writeJSON(w, map[string]any{"optionSets": sets})
}

// handleGetOptionSet returns one global OptionSet with its options.
func (s *Server) handleGetOptionSet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "missing optionset name")
		return
	}

	info, err := s.service.GetOptionSet(r.Context(), dataverse.OptionSetRef{Name: name})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, info)
}

// handleGetLocalOptionSet returns the picklist options of an entity
// attribute.
func (s *Server) handleGetLocalOptionSet(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	attribute := chi.URLParam(r, "attribute")
	if entity == "" || attribute == "" {
		writeError(w, r, http.StatusBadRequest, "missing entity or attribute name")
		return
	}

	info, err := s.service.GetOptionSet(r.Context(), dataverse.OptionSetRef{
		Entity:    entity,
		Attribute: attribute,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, info)
}

type createOptionSetRequest struct {
	Name         string                  `json:"name"`
	DisplayLabel string                  `json:"displayLabel"`
	Options      []dataverse.OptionValue `json:"options"`
}

// handleCreateOptionSet creates a new global OptionSet, optionally seeded
// with options.
func (s *Server) handleCreateOptionSet(w http.ResponseWriter, r *http.Request) {
	var req createOptionSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.service.CreateOptionSet(r.Context(), req.Name, req.DisplayLabel, req.Options); err != nil {
		respondError(w, r, err)
		return
	}

	writeJSONStatus(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// handleInsertOption applies a single insert outside the bulk pipeline.
func (s *Server) handleInsertOption(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "missing optionset name")
		return
	}

	var opt dataverse.OptionValue
	if err := json.NewDecoder(r.Body).Decode(&opt); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if opt.Label == "" {
		writeError(w, r, http.StatusBadRequest, "label is required")
		return
	}

	if err := s.service.InsertSingle(r.Context(), dataverse.OptionSetRef{Name: name}, opt); err != nil {
		respondError(w, r, err)
		return
	}

	writeJSONStatus(w, http.StatusCreated, map[string]any{"label": opt.Label, "value": opt.Value})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
