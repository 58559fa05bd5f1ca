package netconfig

import (
	"fmt"
	"net"
	"net/netip"

	"go4.org/netipx"
)

// MaskToPrefix converts a dotted-quad netmask to a prefix length.
func MaskToPrefix(mask string) (int, error) {
	ip := net.ParseIP(mask)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("invalid netmask %q", mask)
	}
	prefix, bits := net.IPMask(ip.To4()).Size()
	if bits != 32 || (prefix == 0 && mask != "0.0.0.0") {
		return 0, fmt.Errorf("non-contiguous netmask %q", mask)
	}
	return prefix, nil
}

// PrefixToMask converts a prefix length to a dotted-quad netmask.
func PrefixToMask(prefix int) (string, error) {
	if prefix < 0 || prefix > 32 {
		return "", fmt.Errorf("invalid prefix length %d", prefix)
	}
	mask := net.CIDRMask(prefix, 32)
	return net.IP(mask).String(), nil
}

// DHCPRange derives the pool served to clients from the router's LAN
// address and prefix. The pool sits inside the subnet with the bottom
// ten addresses left for infrastructure and the top ones for the
// broadcast side:
//
//	/24 and smaller   a.b.c.10   .. a.b.c.200
//	/16 up to /23     a.b.0.10   .. a.b.255.200
//	wider than /16    a.0.0.10   .. a.255.255.200
func DHCPRange(addr netip.Addr, prefix int) (netipx.IPRange, error) {
	if !addr.Is4() {
		return netipx.IPRange{}, fmt.Errorf("dhcp range needs an ipv4 address, got %s", addr)
	}
	if prefix < 1 || prefix > 30 {
		return netipx.IPRange{}, fmt.Errorf("prefix /%d leaves no usable dhcp pool", prefix)
	}

	octets := addr.As4()
	var start, end [4]byte
	switch {
	case prefix >= 24:
		start = [4]byte{octets[0], octets[1], octets[2], 10}
		end = [4]byte{octets[0], octets[1], octets[2], 200}
	case prefix >= 16:
		start = [4]byte{octets[0], octets[1], 0, 10}
		end = [4]byte{octets[0], octets[1], 255, 200}
	default:
		start = [4]byte{octets[0], 0, 0, 10}
		end = [4]byte{octets[0], 255, 255, 200}
	}

	r := netipx.IPRangeFrom(netip.AddrFrom4(start), netip.AddrFrom4(end))
	if !r.IsValid() {
		return netipx.IPRange{}, fmt.Errorf("derived invalid dhcp range for %s/%d", addr, prefix)
	}
	return r, nil
}
