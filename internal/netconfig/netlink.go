// Package netconfig reconfigures the LAN interface and everything that
// hangs off its address: the persisted interface configuration, the DHCP
// range served to clients, stale static reservations and the dnsmasq
// runtime state.
package netconfig

import (
	"os"

	"github.com/vishvananda/netlink"
)

const netlinkFamilyV4 = netlink.FAMILY_V4

func defaultRemove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Netlinker abstracts the netlink calls the configurator needs, so tests
// run without CAP_NET_ADMIN.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	ParseAddr(s string) (*netlink.Addr, error)
}

// RealNetlinker calls straight into the netlink package.
type RealNetlinker struct{}

func (RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

func (RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

func (RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrDel(link, addr)
}

func (RealNetlinker) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}
