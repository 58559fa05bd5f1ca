package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"pirouter/internal/engine"
	"pirouter/internal/vpn"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vpn.ErrProfileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrDomainExists), errors.Is(err, vpn.ErrProfileActive):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}
