// Package leases reads dnsmasq lease state: the runtime lease table and the
// static dhcp-host reservations file. It resolves device MAC addresses to
// their current IPv4 address for the rule engine.
//
// Nothing here caches. Lease state changes out-of-band on every DHCP
// renewal, so each call re-reads the files.
package leases

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Record is one active DHCP lease, observed read-only from the lease table.
type Record struct {
	Expiry   time.Time
	MAC      string
	IP       string
	Hostname string
	ClientID string
}

// ParseLeaseTable parses dnsmasq lease-table content. Lines are
// space-separated: expiry mac ip hostname [clientid]. A hostname of "*"
// means unknown and is returned empty. Malformed lines are skipped.
func ParseLeaseTable(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) < 4 {
			continue
		}
		record := Record{
			MAC:      strings.ToLower(fields[1]),
			IP:       fields[2],
			Hostname: fields[3],
		}
		if record.Hostname == "*" {
			record.Hostname = ""
		}
		if timestamp, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			record.Expiry = time.Unix(timestamp, 0)
		}
		if len(fields) > 4 {
			record.ClientID = fields[4]
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

// ReadLeaseTable parses the lease table at path. A missing file means no
// active leases, not an error.
func ReadLeaseTable(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()
	return ParseLeaseTable(file)
}
