package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pirouter/internal/audit"
	"pirouter/internal/cmdexec"
	"pirouter/internal/database"
	"pirouter/internal/engine"
	"pirouter/internal/leases"
	"pirouter/internal/netconfig"
	"pirouter/internal/policy"
	"pirouter/internal/routing"
	"pirouter/internal/server"
	"pirouter/internal/services"
	"pirouter/internal/util"
	"pirouter/internal/vpn"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	wanIface := flag.String("wan", "", "WAN interface (auto-detected when empty)")
	lanIface := flag.String("lan", "eth1", "LAN interface")
	bridgeIface := flag.String("bridge", "br0", "bridge interface forwarding into the LAN (empty to disable)")
	gateway := flag.String("gateway", "", "WAN gateway address (auto-detected when empty)")
	dataDir := flag.String("data-dir", "/etc/pirouter", "directory for policy, profiles and the audit database")
	leaseTable := flag.String("lease-table", "/var/lib/misc/dnsmasq.leases", "dnsmasq lease table path")
	staticLeases := flag.String("static-leases", "/etc/dnsmasq.d/static-leases.conf", "dnsmasq static lease file")
	refreshInterval := flag.Duration("domain-refresh", routing.DefaultRefreshInterval, "domain re-resolution interval")
	flag.Parse()

	wan := *wanIface
	if wan == "" {
		detected, err := util.DetectWANInterface()
		if err != nil {
			log.Fatalf("detect wan interface: %v (set -wan)", err)
		}
		wan = detected
	}
	gw := *gateway
	if gw == "" {
		detected, err := util.DetectInterfaceGateway(wan)
		if err != nil {
			log.Fatalf("detect gateway for %s: %v (set -gateway)", wan, err)
		}
		gw = detected
	}
	lanAddr, err := util.InterfaceIPv4(*lanIface)
	if err != nil {
		log.Printf("warning: no ipv4 address on %s yet: %v", *lanIface, err)
	}

	runner := &cmdexec.OSRunner{}
	store := policy.NewStore(*dataDir + "/router_config.json")
	rules := routing.NewEngine(routing.Config{
		WANInterface:    wan,
		LANInterface:    *lanIface,
		BridgeInterface: *bridgeIface,
		LANAddress:      lanAddr,
		Gateway:         gw,
	}, runner)
	domains := routing.NewDomainManager(rules, routing.NewDNSResolver(""))
	serviceCtl := services.NewController(runner)
	sessions := vpn.NewManager("wg0", *dataDir+"/profiles", runner)

	db, err := database.Open(*dataDir + "/pirouter.db")
	if err != nil {
		log.Fatalf("open audit database: %v", err)
	}
	defer db.Close()
	recorder := audit.NewRecorder(db)

	eng := engine.New(engine.Deps{
		Store:    store,
		Rules:    rules,
		Domains:  domains,
		Resolver: leases.NewResolver(*leaseTable, *staticLeases),
		Static:   &leases.StaticLeaseFile{Path: *staticLeases},
		Netconf:  netconfig.NewConfigurator(*lanIface, serviceCtl, *staticLeases),
		VPN:      sessions,
		Services: serviceCtl,
		Runner:   runner,
		Audit:    recorder,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	bootCtx, bootCancel := context.WithTimeout(ctx, 5*time.Minute)
	if err := eng.ReconcileBoot(bootCtx); err != nil {
		log.Printf("warning: boot reconciliation: %v", err)
	}
	bootCancel()

	refresher := routing.NewRefresher(eng.RefreshDomains, *refreshInterval)
	refresher.Start()
	defer refresher.Stop()

	go func() {
		if err := eng.WatchLeases(ctx, *leaseTable); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("warning: lease watcher stopped: %v", err)
		}
	}()

	go database.CleanupLoop(ctx, db)

	srv := server.New(eng, sessions, recorder, *leaseTable, *lanIface, wan)
	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("pirouter listening on %s (wan=%s lan=%s gateway=%s)", *addr, wan, *lanIface, gw)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Println("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
}
