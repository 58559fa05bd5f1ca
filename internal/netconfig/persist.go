package netconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// Persistor writes the LAN address into whatever network configuration
// system the image uses, so the address survives reboot.
type Persistor struct {
	DhcpcdPath  string
	NetworkdDir string
}

// NewPersistor uses the stock paths for both systems.
func NewPersistor() *Persistor {
	return &Persistor{
		DhcpcdPath:  "/etc/dhcpcd.conf",
		NetworkdDir: "/etc/systemd/network",
	}
}

// Persist writes iface's static address (CIDR form) to the first
// configuration system present: dhcpcd.conf when the file exists,
// otherwise a systemd-networkd unit. Raspberry Pi OS images ship dhcpcd,
// so it gets first claim.
func (p *Persistor) Persist(iface, cidr string) error {
	if _, err := os.Stat(p.DhcpcdPath); err == nil {
		return p.writeDhcpcd(iface, cidr)
	}
	return p.writeNetworkd(iface, cidr)
}

// writeDhcpcd replaces (or appends) the `interface <name>` block in
// dhcpcd.conf. Only the block for iface is touched; every other line of
// the hand-maintained file survives verbatim.
func (p *Persistor) writeDhcpcd(iface, cidr string) error {
	raw, err := os.ReadFile(p.DhcpcdPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var kept []string
	inBlock := false
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if fields := strings.Fields(trimmed); len(fields) == 2 && fields[0] == "interface" {
			inBlock = fields[1] == iface
			if inBlock {
				continue
			}
		} else if inBlock && trimmed != "" && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") && !strings.HasPrefix(trimmed, "static") {
			// A non-indented, non-static line ends the interface block.
			inBlock = false
		}
		if !inBlock {
			kept = append(kept, line)
		}
	}

	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	kept = append(kept,
		"",
		fmt.Sprintf("interface %s", iface),
		fmt.Sprintf("static ip_address=%s", cidr),
		"")

	tmp := p.DhcpcdPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, "\n")), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.DhcpcdPath)
}

// writeNetworkd writes a full .network unit for iface. networkd units
// are single-purpose files, so a wholesale rewrite is safe.
func (p *Persistor) writeNetworkd(iface, cidr string) error {
	cfg := ini.Empty()
	match, err := cfg.NewSection("Match")
	if err != nil {
		return err
	}
	if _, err := match.NewKey("Name", iface); err != nil {
		return err
	}
	network, err := cfg.NewSection("Network")
	if err != nil {
		return err
	}
	if _, err := network.NewKey("Address", cidr); err != nil {
		return err
	}

	if err := os.MkdirAll(p.NetworkdDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(p.NetworkdDir, fmt.Sprintf("10-%s.network", iface))
	return cfg.SaveTo(path)
}
