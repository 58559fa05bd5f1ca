package leases

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseLeaseTable(t *testing.T) {
	content := "1756100000 AA:BB:CC:DD:EE:FF 192.168.10.23 laptop 01:aa:bb:cc:dd:ee:ff\n" +
		"1756100100 11:22:33:44:55:66 192.168.10.40 *\n" +
		"garbage line\n"

	records, err := ParseLeaseTable(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].MAC != "aa:bb:cc:dd:ee:ff" || records[0].IP != "192.168.10.23" || records[0].Hostname != "laptop" {
		t.Fatalf("first record wrong: %+v", records[0])
	}
	if records[0].ClientID != "01:aa:bb:cc:dd:ee:ff" {
		t.Fatalf("client id wrong: %+v", records[0])
	}
	if records[1].Hostname != "" {
		t.Fatalf("hostname * should map to empty, got %q", records[1].Hostname)
	}
}

func TestResolveOrderActiveThenStaticThenNotFound(t *testing.T) {
	dir := t.TempDir()
	leasesPath := filepath.Join(dir, "dnsmasq.leases")
	staticPath := filepath.Join(dir, "static.conf")
	writeFile(t, leasesPath, "1756100000 aa:bb:cc:dd:ee:ff 192.168.10.23 laptop\n")
	writeFile(t, staticPath, "dhcp-host=aa:bb:cc:dd:ee:ff,192.168.10.99\ndhcp-host=11:22:33:44:55:66,192.168.10.50\n")

	resolver := NewResolver(leasesPath, staticPath)

	// Active lease wins over the static reservation.
	ip, err := resolver.Resolve("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "192.168.10.23" {
		t.Fatalf("expected active lease address, got %s", ip)
	}

	// No active lease falls back to the static file.
	ip, err = resolver.Resolve("11:22:33:44:55:66")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "192.168.10.50" {
		t.Fatalf("expected static address, got %s", ip)
	}

	// Unknown device signals ErrNoLease, not a hard failure.
	if _, err := resolver.Resolve("de:ad:be:ef:00:01"); err != ErrNoLease {
		t.Fatalf("expected ErrNoLease, got %v", err)
	}
}

func TestResolveRereadsLeaseFile(t *testing.T) {
	dir := t.TempDir()
	leasesPath := filepath.Join(dir, "dnsmasq.leases")
	writeFile(t, leasesPath, "1756100000 aa:bb:cc:dd:ee:ff 192.168.10.23 laptop\n")
	resolver := NewResolver(leasesPath, filepath.Join(dir, "static.conf"))

	if ip, _ := resolver.Resolve("aa:bb:cc:dd:ee:ff"); ip != "192.168.10.23" {
		t.Fatalf("got %s", ip)
	}

	// DHCP renewal moved the device; no restart, no cache.
	writeFile(t, leasesPath, "1756103600 aa:bb:cc:dd:ee:ff 192.168.10.77 laptop\n")
	if ip, _ := resolver.Resolve("aa:bb:cc:dd:ee:ff"); ip != "192.168.10.77" {
		t.Fatalf("stale address returned: %s", ip)
	}
}

func TestStaticLeaseSetThenClearRoundTrip(t *testing.T) {
	file := &StaticLeaseFile{Path: filepath.Join(t.TempDir(), "static.conf")}

	if err := file.Set("AA:BB:CC:DD:EE:FF", "192.168.10.50"); err != nil {
		t.Fatal(err)
	}
	ip, found, err := file.Lookup("aa:bb:cc:dd:ee:ff")
	if err != nil || !found || ip != "192.168.10.50" {
		t.Fatalf("lookup after set: ip=%s found=%v err=%v", ip, found, err)
	}

	// Re-assigning replaces rather than duplicates.
	if err := file.Set("aa:bb:cc:dd:ee:ff", "192.168.10.60"); err != nil {
		t.Fatal(err)
	}
	entries, _ := file.List()
	if len(entries) != 1 || entries[0].IP != "192.168.10.60" {
		t.Fatalf("expected single replaced entry, got %+v", entries)
	}

	if err := file.Remove("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := file.Lookup("aa:bb:cc:dd:ee:ff"); found {
		t.Fatal("entry survived removal")
	}
}

func TestStaticLeasePreservesUnrelatedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "static.conf")
	writeFile(t, path, "# reservations\ndhcp-option=option:dns-server,192.168.10.1\ndhcp-host=aa:bb:cc:dd:ee:ff,192.168.10.50\n")
	file := &StaticLeaseFile{Path: path}

	if err := file.Remove("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	content := string(raw)
	if !strings.Contains(content, "# reservations") || !strings.Contains(content, "dhcp-option=") {
		t.Fatalf("unrelated lines lost:\n%s", content)
	}
	if strings.Contains(content, "dhcp-host=") {
		t.Fatalf("entry not removed:\n%s", content)
	}
}

func TestPruneOutsideSubnet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "static.conf")
	writeFile(t, path, "dhcp-host=aa:bb:cc:dd:ee:01,10.0.0.5\ndhcp-host=aa:bb:cc:dd:ee:02,192.168.1.9\n")
	file := &StaticLeaseFile{Path: path}

	err := file.PruneOutsideSubnet(net.ParseIP("192.168.1.1"), net.IPv4Mask(255, 255, 255, 0))
	if err != nil {
		t.Fatal(err)
	}

	entries, _ := file.List()
	if len(entries) != 1 {
		t.Fatalf("expected one surviving entry, got %+v", entries)
	}
	if entries[0].IP != "192.168.1.9" {
		t.Fatalf("wrong entry survived: %+v", entries[0])
	}
}
