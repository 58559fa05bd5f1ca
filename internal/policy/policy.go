// Package policy owns the persisted router policy document: which devices
// and domains bypass the VPN, the active tunnel profile, and the kill-switch
// flag. All mutations go through the Store; other components only ever see
// copies.
package policy

import (
	"fmt"
	"net"
	"strings"
)

// DevicePolicy records the bypass decision for one LAN device, keyed by its
// normalized MAC address. Entries are never deleted; a device that stops
// bypassing simply has BypassVPN set false.
type DevicePolicy struct {
	MAC       string `json:"mac"`
	IP        string `json:"ip,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	BypassVPN bool   `json:"bypassVpn"`
	StaticIP  string `json:"staticIp,omitempty"`
}

// DomainPolicy records one domain bypass entry. The resolved address set is
// deliberately not stored; it is re-resolved whenever rules are applied.
type DomainPolicy struct {
	Domain  string `json:"domain"`
	Enabled bool   `json:"enabled"`
}

// Document is the persisted policy root.
type Document struct {
	ActiveVPN         string         `json:"activeVpn,omitempty"`
	KillSwitchEnabled bool           `json:"killSwitchEnabled"`
	Devices           []DevicePolicy `json:"devices"`
	Domains           []DomainPolicy `json:"domainBypasses"`
}

// Device returns a pointer to the entry for mac, or nil. mac must already
// be normalized.
func (d *Document) Device(mac string) *DevicePolicy {
	for i := range d.Devices {
		if d.Devices[i].MAC == mac {
			return &d.Devices[i]
		}
	}
	return nil
}

// Domain returns a pointer to the entry for domain, or nil.
func (d *Document) Domain(domain string) *DomainPolicy {
	for i := range d.Domains {
		if d.Domains[i].Domain == domain {
			return &d.Domains[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can read without racing the store.
func (d *Document) Clone() Document {
	out := *d
	out.Devices = append([]DevicePolicy(nil), d.Devices...)
	out.Domains = append([]DomainPolicy(nil), d.Domains...)
	return out
}

// NormalizeMAC canonicalizes a hardware address to lowercase colon-separated
// hex octets. URL-encoded colons are tolerated because MACs arrive as path
// segments.
func NormalizeMAC(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, "%3A", ":")
	cleaned = strings.ReplaceAll(cleaned, "%3a", ":")
	hw, err := net.ParseMAC(cleaned)
	if err != nil {
		return "", fmt.Errorf("invalid mac address %q: %w", raw, err)
	}
	return strings.ToLower(hw.String()), nil
}
