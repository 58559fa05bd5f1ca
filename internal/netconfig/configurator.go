package netconfig

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"

	"pirouter/internal/leases"
)

// ServiceController is the slice of the service layer the configurator
// needs to bounce dnsmasq.
type ServiceController interface {
	Stop(ctx context.Context, service string) bool
	Start(ctx context.Context, service string) bool
	Reload(ctx context.Context, service string) bool
}

// Configurator applies a new LAN address and walks the dependent-state
// cascade behind it. Everything after the address itself is installed is
// best-effort: a failed cleanup step logs and continues, because at that
// point the interface is already renumbered and backing out would leave
// things worse.
type Configurator struct {
	LANInterface string
	DNSService   string

	Netlink     Netlinker
	Services    ServiceController
	Persistor   *Persistor
	RangeFile   *RangeFile
	StaticFile  *leases.StaticLeaseFile
	LeaseDBPath string
	// GatewayOverridePath holds a manually pinned upstream gateway. A
	// subnet change invalidates it, so it is removed during the cascade.
	GatewayOverridePath string

	removeFile func(string) error
}

// NewConfigurator wires a configurator with the live netlink
// implementation and stock paths.
func NewConfigurator(lanInterface string, services ServiceController, staticLeasePath string) *Configurator {
	return &Configurator{
		LANInterface:        lanInterface,
		DNSService:          "dnsmasq",
		Netlink:             RealNetlinker{},
		Services:            services,
		Persistor:           NewPersistor(),
		RangeFile:           &RangeFile{Path: "/etc/dnsmasq.d/pirouter-range.conf"},
		StaticFile:          &leases.StaticLeaseFile{Path: staticLeasePath},
		LeaseDBPath:         "/var/lib/misc/dnsmasq.leases",
		GatewayOverridePath: "/etc/pirouter/gateway_override",
	}
}

// SetLANAddress renumbers the LAN interface to addr/prefix and updates
// everything keyed off the old subnet. Only a failure to install the new
// address aborts; every later step is logged best-effort so the cascade
// always runs to the end.
func (c *Configurator) SetLANAddress(ctx context.Context, addr netip.Addr, prefix int) error {
	if !addr.Is4() {
		return fmt.Errorf("lan address must be ipv4, got %s", addr)
	}
	cidr := fmt.Sprintf("%s/%d", addr, prefix)

	link, err := c.Netlink.LinkByName(c.LANInterface)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", c.LANInterface, err)
	}
	newAddr, err := c.Netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse %s: %w", cidr, err)
	}

	// Flush old IPv4 addresses first so the interface never carries two
	// subnets at once. Failures only log; a leftover address does not
	// block installing the new one.
	existing, err := c.Netlink.AddrList(link, netlinkFamilyV4)
	if err != nil {
		log.Printf("warning: listing %s addresses: %v", c.LANInterface, err)
	}
	for _, old := range existing {
		if old.IPNet != nil && old.IPNet.String() == newAddr.IPNet.String() {
			continue
		}
		if err := c.Netlink.AddrDel(link, &old); err != nil {
			log.Printf("warning: removing %s from %s: %v", old.IPNet, c.LANInterface, err)
		}
	}

	alreadyPresent := false
	for _, old := range existing {
		if old.IPNet != nil && old.IPNet.String() == newAddr.IPNet.String() {
			alreadyPresent = true
		}
	}
	if !alreadyPresent {
		if err := c.Netlink.AddrAdd(link, newAddr); err != nil {
			return fmt.Errorf("install %s on %s: %w", cidr, c.LANInterface, err)
		}
	}

	// Re-enumerate after the add and sweep anything that is not the new
	// address, catching state that appeared between the flush and now.
	remaining, err := c.Netlink.AddrList(link, netlinkFamilyV4)
	if err != nil {
		log.Printf("warning: listing %s addresses: %v", c.LANInterface, err)
	}
	for _, stray := range remaining {
		if stray.IPNet != nil && stray.IPNet.String() == newAddr.IPNet.String() {
			continue
		}
		if err := c.Netlink.AddrDel(link, &stray); err != nil {
			log.Printf("warning: removing %s from %s: %v", stray.IPNet, c.LANInterface, err)
		}
	}

	// The interface is renumbered. From here on, keep going.
	if err := c.Persistor.Persist(c.LANInterface, cidr); err != nil {
		log.Printf("warning: persisting %s: %v", cidr, err)
	}
	c.updateDHCPRange(addr, prefix)
	c.removeGatewayOverride()
	c.pruneStaticLeases(addr, prefix)
	c.restartDNS(ctx)
	return nil
}

// updateDHCPRange recomputes the served pool for the new subnet. The
// lease time from the previous scope carries over.
func (c *Configurator) updateDHCPRange(addr netip.Addr, prefix int) {
	previous, err := c.RangeFile.Read()
	if err != nil {
		log.Printf("warning: reading dhcp range: %v", err)
	}
	pool, err := DHCPRange(addr, prefix)
	if err != nil {
		log.Printf("warning: %v, disabling dhcp scope", err)
		if err := c.RangeFile.Write(RangeConfig{}); err != nil {
			log.Printf("warning: writing dhcp range: %v", err)
		}
		return
	}
	cfg := RangeConfig{
		Interface: c.LANInterface,
		Start:     pool.From(),
		End:       pool.To(),
		LeaseTime: previous.LeaseTime,
		Enabled:   true,
	}
	if err := c.RangeFile.Write(cfg); err != nil {
		log.Printf("warning: writing dhcp range: %v", err)
	}
}

func (c *Configurator) removeGatewayOverride() {
	if c.GatewayOverridePath == "" {
		return
	}
	if err := c.remove(c.GatewayOverridePath); err != nil {
		log.Printf("warning: removing gateway override: %v", err)
	}
}

// pruneStaticLeases drops reservations stranded outside the new subnet.
func (c *Configurator) pruneStaticLeases(addr netip.Addr, prefix int) {
	if c.StaticFile == nil {
		return
	}
	octets := addr.As4()
	ip := net.IPv4(octets[0], octets[1], octets[2], octets[3]).To4()
	if err := c.StaticFile.PruneOutsideSubnet(ip, net.CIDRMask(prefix, 32)); err != nil {
		log.Printf("warning: pruning static leases: %v", err)
	}
}

// restartDNS bounces dnsmasq with its lease database cleared, since
// every outstanding lease references the old subnet. The trailing reload
// nudges dnsmasq to re-read conf fragments on versions that cache them.
func (c *Configurator) restartDNS(ctx context.Context) {
	c.Services.Stop(ctx, c.DNSService)
	if c.LeaseDBPath != "" {
		if err := c.remove(c.LeaseDBPath); err != nil {
			log.Printf("warning: clearing lease database: %v", err)
		}
	}
	if !c.Services.Start(ctx, c.DNSService) {
		log.Printf("warning: %s did not start after reconfiguration", c.DNSService)
		return
	}
	c.Services.Reload(ctx, c.DNSService)
}

// remove deletes path, treating absence as success.
func (c *Configurator) remove(path string) error {
	rm := c.removeFile
	if rm == nil {
		rm = defaultRemove
	}
	return rm(path)
}
