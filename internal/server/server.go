// Package server exposes the router's control API over HTTP. It is a
// thin translation layer: handlers decode requests, call into the
// engine, and encode results. No handler touches kernel state directly.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pirouter/internal/audit"
	"pirouter/internal/engine"
	"pirouter/internal/vpn"
)

// Server holds the handler dependencies.
type Server struct {
	engine *engine.Engine
	vpn    *vpn.Manager
	audit  *audit.Recorder

	leaseTablePath string
	lanInterface   string
	wanInterface   string
}

// New creates a server over its collaborators.
func New(eng *engine.Engine, sessions *vpn.Manager, recorder *audit.Recorder, leaseTablePath, lanInterface, wanInterface string) *Server {
	return &Server{
		engine:         eng,
		vpn:            sessions,
		audit:          recorder,
		leaseTablePath: leaseTablePath,
		lanInterface:   lanInterface,
		wanInterface:   wanInterface,
	}
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Get("/devices", s.handleListDevices)
		api.Post("/devices/{mac}/bypass", s.handleDeviceBypass)
		api.Post("/devices/{mac}/static-ip", s.handleDeviceStaticIP)

		api.Get("/domains", s.handleListDomains)
		api.Post("/domains", s.handleAddDomain)
		api.Delete("/domains/{domain}", s.handleRemoveDomain)

		api.Get("/vpn/configs", s.handleListProfiles)
		api.Post("/vpn/configs", s.handleAddProfile)
		api.Delete("/vpn/configs/{name}", s.handleDeleteProfile)
		api.Get("/vpn/status", s.handleVPNStatus)
		api.Post("/vpn/connect", s.handleVPNConnect)
		api.Post("/vpn/disconnect", s.handleVPNDisconnect)
		api.Post("/vpn/killswitch", s.handleKillSwitch)

		api.Get("/network/lan", s.handleGetLAN)
		api.Post("/network/lan", s.handleSetLAN)

		api.Get("/system/info", s.handleSystemInfo)
		api.Post("/system/reboot", s.handleReboot)
		api.Get("/audit", s.handleAudit)
	})

	return r
}
