package server

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"pirouter/internal/leases"
	"pirouter/internal/policy"
)

// deviceView merges lease-table state with recorded policy for one
// device.
type deviceView struct {
	MAC       string `json:"mac"`
	IP        string `json:"ip,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Online    bool   `json:"online"`
	BypassVPN bool   `json:"bypassVpn"`
	StaticIP  string `json:"staticIp,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	records, err := leases.ReadLeaseTable(s.leaseTablePath)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.engine.Policy()
	if err != nil {
		writeError(w, err)
		return
	}

	byMAC := make(map[string]*deviceView)
	for _, record := range records {
		byMAC[record.MAC] = &deviceView{
			MAC:      record.MAC,
			IP:       record.IP,
			Hostname: record.Hostname,
			Online:   true,
		}
	}
	// Devices with policy but no current lease still show up.
	for _, device := range doc.Devices {
		view, ok := byMAC[device.MAC]
		if !ok {
			view = &deviceView{MAC: device.MAC, IP: device.IP}
			byMAC[device.MAC] = view
		}
		view.BypassVPN = device.BypassVPN
		view.StaticIP = device.StaticIP
	}

	devices := make([]deviceView, 0, len(byMAC))
	for _, view := range byMAC {
		devices = append(devices, *view)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].MAC < devices[j].MAC })
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleDeviceBypass(w http.ResponseWriter, r *http.Request) {
	mac, err := policy.NormalizeMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.engine.SetDeviceBypass(r.Context(), mac, body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mac": mac, "bypassVpn": body.Enabled})
}

func (s *Server) handleDeviceStaticIP(w http.ResponseWriter, r *http.Request) {
	mac, err := policy.NormalizeMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var body struct {
		IP string `json:"ip"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.engine.SetStaticIP(r.Context(), mac, body.IP); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mac": mac, "staticIp": body.IP})
}
