package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Policy()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": doc.Domains})
}

func (s *Server) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domain string `json:"domain"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Domain == "" {
		writeBadRequest(w, "domain is required")
		return
	}
	if err := s.engine.AddDomainBypass(r.Context(), body.Domain); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"domain": body.Domain, "enabled": true})
}

func (s *Server) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if err := s.engine.RemoveDomainBypass(r.Context(), domain); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "enabled": false})
}
