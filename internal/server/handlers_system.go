package server

import (
	"log"
	"net/http"
	"net/netip"
	"strconv"

	"pirouter/internal/netconfig"
	"pirouter/internal/util"
)

func (s *Server) handleGetLAN(w http.ResponseWriter, r *http.Request) {
	ip, err := util.InterfaceIPv4(s.lanInterface)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interface": s.lanInterface,
		"address":   ip,
	})
}

func (s *Server) handleSetLAN(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
		Prefix  int    `json:"prefix"`
		Netmask string `json:"netmask"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	addr, err := netip.ParseAddr(body.Address)
	if err != nil || !addr.Is4() {
		writeBadRequest(w, "address must be a valid ipv4 address")
		return
	}
	prefix := body.Prefix
	if prefix == 0 && body.Netmask != "" {
		// Accept dotted-quad netmasks for callers speaking the older
		// request shape.
		prefix, err = netconfig.MaskToPrefix(body.Netmask)
		if err != nil {
			log.Printf("warning: unparsable netmask %q, defaulting to /24", body.Netmask)
			prefix = 24
		}
	}
	if prefix == 0 {
		log.Printf("warning: no prefix or netmask given, defaulting to /24")
		prefix = 24
	}
	if prefix < 1 || prefix > 30 {
		writeBadRequest(w, "prefix must be between 1 and 30, got "+strconv.Itoa(prefix))
		return
	}
	if err := s.engine.SetLANAddress(r.Context(), addr, prefix); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.String(), "prefix": prefix})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	interfaces, err := util.InterfacesWithAddrs()
	if err != nil {
		writeError(w, err)
		return
	}
	wanUp, wanState, _ := util.InterfaceOperState(s.wanInterface)
	lanUp, lanState, _ := util.InterfaceOperState(s.lanInterface)
	writeJSON(w, http.StatusOK, map[string]any{
		"interfaces": interfaces,
		"wan":        map[string]any{"interface": s.wanInterface, "up": wanUp, "state": wanState},
		"lan":        map[string]any{"interface": s.lanInterface, "up": lanUp, "state": lanState},
	})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reboot(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"rebooting": true})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	events, err := s.audit.Recent(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
