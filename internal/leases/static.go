package leases

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// StaticLease is one dhcp-host reservation.
type StaticLease struct {
	MAC string
	IP  string
}

// StaticLeaseFile edits the dnsmasq static-lease file. Every change reads
// all lines, filters, optionally appends, and rewrites the whole file, so
// unrelated directives and comments survive untouched.
type StaticLeaseFile struct {
	Path string
}

// List returns every dhcp-host entry in the file. A missing file is empty.
func (f *StaticLeaseFile) List() ([]StaticLease, error) {
	lines, err := f.readLines()
	if err != nil {
		return nil, err
	}
	var entries []StaticLease
	for _, line := range lines {
		if entry, ok := parseStaticLine(line); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Lookup returns the reserved address for mac, matched case-insensitively.
func (f *StaticLeaseFile) Lookup(mac string) (string, bool, error) {
	entries, err := f.List()
	if err != nil {
		return "", false, err
	}
	for _, entry := range entries {
		if strings.EqualFold(entry.MAC, mac) {
			return entry.IP, true, nil
		}
	}
	return "", false, nil
}

// Set reserves ip for mac, replacing any existing entry for that MAC.
// An empty ip removes the reservation.
func (f *StaticLeaseFile) Set(mac, ip string) error {
	lines, err := f.readLines()
	if err != nil {
		return err
	}
	kept := filterMAC(lines, mac)
	if ip != "" {
		kept = append(kept, fmt.Sprintf("dhcp-host=%s,%s", strings.ToLower(mac), ip))
	}
	return f.writeLines(kept)
}

// Remove drops any reservation for mac.
func (f *StaticLeaseFile) Remove(mac string) error {
	return f.Set(mac, "")
}

// PruneOutsideSubnet removes reservations whose address no longer belongs
// to the network of addr/mask. The comparison is a byte-wise AND over the
// four address octets, so a reservation left over from a previous LAN
// subnet is dropped when the interface is renumbered.
func (f *StaticLeaseFile) PruneOutsideSubnet(addr net.IP, mask net.IPMask) error {
	network := addr.To4()
	if network == nil || len(mask) != 4 {
		return fmt.Errorf("subnet prune needs an ipv4 address and mask")
	}
	lines, err := f.readLines()
	if err != nil {
		return err
	}

	kept := lines[:0]
	for _, line := range lines {
		entry, ok := parseStaticLine(line)
		if !ok {
			kept = append(kept, line)
			continue
		}
		ip := net.ParseIP(entry.IP)
		if ip == nil || ip.To4() == nil {
			continue
		}
		if sameNetwork(ip.To4(), network, mask) {
			kept = append(kept, line)
		}
	}
	return f.writeLines(kept)
}

func sameNetwork(a, b net.IP, mask net.IPMask) bool {
	for i := 0; i < 4; i++ {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}
	return true
}

// filterMAC keeps every line except dhcp-host entries for mac. Matching is
// by case-insensitive MAC prefix, per the dnsmasq directive layout.
func filterMAC(lines []string, mac string) []string {
	prefix := "dhcp-host=" + strings.ToLower(mac) + ","
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), prefix) {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

func parseStaticLine(line string) (StaticLease, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return StaticLease{}, false
	}
	rest, ok := strings.CutPrefix(trimmed, "dhcp-host=")
	if !ok {
		return StaticLease{}, false
	}
	parts := strings.Split(rest, ",")
	if len(parts) < 2 {
		return StaticLease{}, false
	}
	if _, err := net.ParseMAC(parts[0]); err != nil {
		return StaticLease{}, false
	}
	ip := ""
	for _, part := range parts[1:] {
		if parsed := net.ParseIP(strings.TrimSpace(part)); parsed != nil {
			ip = parsed.String()
			break
		}
	}
	if ip == "" {
		return StaticLease{}, false
	}
	return StaticLease{MAC: strings.ToLower(parts[0]), IP: ip}, true
}

func (f *StaticLeaseFile) readLines() ([]string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func (f *StaticLeaseFile) writeLines(lines []string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
