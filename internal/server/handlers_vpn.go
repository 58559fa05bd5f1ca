package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.vpn.Profiles.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profiles": names,
		"active":   s.vpn.Active(),
	})
}

func (s *Server) handleAddProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.vpn.Profiles.Add(body.Name, body.Content); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": body.Name})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.vpn.DeleteProfile(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name})
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Policy()
	if err != nil {
		writeError(w, err)
		return
	}
	status := s.vpn.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"killSwitch": doc.KillSwitchEnabled,
	})
}

func (s *Server) handleVPNConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if err := s.engine.ConnectVPN(r.Context(), body.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": body.Name})
}

func (s *Server) handleVPNDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DisconnectVPN(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": ""})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.engine.SetKillSwitch(r.Context(), body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"killSwitch": body.Enabled})
}
