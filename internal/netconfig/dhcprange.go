package netconfig

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLeaseTime is used when no previous range file exists to carry
// a lease time forward from.
const DefaultLeaseTime = "12h"

// RangeConfig is the dnsmasq DHCP scope for one interface. A zero
// (disabled) config serializes to an empty file, which dnsmasq reads as
// "no DHCP on this interface".
type RangeConfig struct {
	Interface string
	Start     netip.Addr
	End       netip.Addr
	LeaseTime string
	Enabled   bool
}

// RangeFile reads and writes the dnsmasq conf fragment holding the
// interface binding and dhcp-range directive.
type RangeFile struct {
	Path string
}

// Read parses the fragment. A missing file or one without a dhcp-range
// line is a disabled scope, not an error.
func (f *RangeFile) Read() (RangeConfig, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return RangeConfig{}, nil
		}
		return RangeConfig{}, err
	}

	var cfg RangeConfig
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if value, ok := strings.CutPrefix(line, "interface="); ok {
			cfg.Interface = value
			continue
		}
		value, ok := strings.CutPrefix(line, "dhcp-range=")
		if !ok {
			continue
		}
		parts := strings.Split(value, ",")
		if len(parts) < 2 {
			continue
		}
		start, err := netip.ParseAddr(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		end, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		cfg.Start, cfg.End, cfg.Enabled = start, end, true
		if len(parts) >= 3 {
			cfg.LeaseTime = strings.TrimSpace(parts[2])
		}
	}
	return cfg, nil
}

// Write serializes cfg, replacing the whole fragment. An empty LeaseTime
// falls back to the default.
func (f *RangeFile) Write(cfg RangeConfig) error {
	var b strings.Builder
	if cfg.Enabled {
		if cfg.Interface != "" {
			fmt.Fprintf(&b, "interface=%s\n", cfg.Interface)
		}
		lease := cfg.LeaseTime
		if lease == "" {
			lease = DefaultLeaseTime
		}
		fmt.Fprintf(&b, "dhcp-range=%s,%s,%s\n", cfg.Start, cfg.End, lease)
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
